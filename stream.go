package gablib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// streamPath is the server-push endpoint.
const streamPath = "/api/v4/streaming"

// maxErrorBodySize limits how much of a rejected stream response is read
// into the error message.
const maxErrorBodySize = 4096

// maxFrameSize limits a single frame, pending continuation lines included.
const maxFrameSize = 10 * 1024 * 1024 // 10MB

// defaultEventName classifies frames that carry no "event" key.
const defaultEventName = "ping"

// EventKind classifies a [StreamEvent].
type EventKind string

const (
	// EventMessage is a parsed frame.
	EventMessage EventKind = "event"
	// EventMalformed is frame text that never became a JSON object.
	EventMalformed EventKind = "malformed"
	// EventError reports a failed connection or read. Subscribe only.
	EventError EventKind = "error"
	// EventReconnecting announces the next connection attempt. Subscribe only.
	EventReconnecting EventKind = "reconnecting"
	// EventEnded is the last event of a subscription. Subscribe only.
	EventEnded EventKind = "ended"
)

// StreamEvent is one item read from the event stream.
type StreamEvent struct {
	Kind EventKind

	// Data is the frame object with "event" defaulted to "ping".
	// Numbers are json.Number. Set for EventMessage.
	Data map[string]any

	// Raw is the frame text. Set for EventMessage and EventMalformed.
	Raw string

	// Err is set for EventError.
	Err error

	// Attempt and Delay are set for EventReconnecting. Attempt counts
	// consecutive failed connections, starting at 1.
	Attempt int
	Delay   time.Duration
}

// Name returns the "event" field of a message, or "" for other kinds.
func (e *StreamEvent) Name() string {
	if e.Data == nil {
		return ""
	}
	name, _ := e.Data["event"].(string)
	return name
}

// Decode unmarshals the raw frame into v.
func (e *StreamEvent) Decode(v any) error {
	if e.Kind != EventMessage {
		return newError(CodeDecode, fmt.Sprintf("cannot decode %s event", e.Kind), 0, nil)
	}
	if err := json.Unmarshal([]byte(e.Raw), v); err != nil {
		return newError(CodeDecode, "could not decode stream frame", 0, err)
	}
	return nil
}

// frameDecoder turns arbitrary body chunks into stream events.
//
// Input is split into lines. A "data:" line starts a frame, or continues
// one whose text does not parse yet, and the frame is emitted as soon as it
// parses as a JSON object. A blank line or the end of input turns leftover
// frame text into an EventMalformed event. An "event:" line names the
// following frame when the frame itself carries no "event" key. All other
// lines are ignored.
type frameDecoder struct {
	partial []byte
	pending []byte
	name    string
}

// Feed consumes one chunk.
func (d *frameDecoder) Feed(chunk []byte) ([]*StreamEvent, error) {
	d.partial = append(d.partial, chunk...)

	var out []*StreamEvent
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		line := d.partial[:i]
		out = d.line(line, out)
		d.partial = d.partial[i+1:]
	}

	if len(d.partial)+len(d.pending) > maxFrameSize {
		return out, fmt.Errorf("frame exceeds maximum size of %d bytes", maxFrameSize)
	}
	// Keep the backing array from growing without bound on long streams.
	if len(d.partial) == 0 {
		d.partial = nil
	}
	return out, nil
}

// Flush ends the input. An unterminated last line is processed as a line.
func (d *frameDecoder) Flush() []*StreamEvent {
	var out []*StreamEvent
	if len(d.partial) > 0 {
		out = d.line(d.partial, out)
		d.partial = nil
	}
	return d.abandon(out)
}

func (d *frameDecoder) line(line []byte, out []*StreamEvent) []*StreamEvent {
	line = bytes.TrimSuffix(line, []byte("\r"))

	switch {
	case len(line) == 0:
		out = d.abandon(out)
		d.name = ""

	case bytes.HasPrefix(line, []byte("data:")):
		data := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
		if len(d.pending) == 0 {
			d.pending = append(d.pending[:0], data...)
			return d.tryEmit(out)
		}

		joined := make([]byte, 0, len(d.pending)+1+len(data))
		joined = append(append(append(joined, d.pending...), '\n'), data...)
		if ev := d.parse(joined); ev != nil {
			d.pending = d.pending[:0]
			return append(out, ev)
		}
		// A line that is a whole frame on its own means the pending text
		// was never going to complete.
		if ev := d.parse(data); ev != nil {
			out = d.abandon(out)
			return append(out, ev)
		}
		d.pending = joined

	case bytes.HasPrefix(line, []byte("event:")):
		d.name = string(bytes.TrimSpace(line[len("event:"):]))
	}
	return out
}

func (d *frameDecoder) tryEmit(out []*StreamEvent) []*StreamEvent {
	if ev := d.parse(d.pending); ev != nil {
		d.pending = d.pending[:0]
		return append(out, ev)
	}
	return out
}

// abandon reports pending text that never parsed.
func (d *frameDecoder) abandon(out []*StreamEvent) []*StreamEvent {
	if len(bytes.TrimSpace(d.pending)) > 0 {
		out = append(out, &StreamEvent{Kind: EventMalformed, Raw: string(d.pending)})
	}
	d.pending = d.pending[:0]
	return out
}

// parse returns a message event when text is exactly one JSON object.
func (d *frameDecoder) parse(text []byte) *StreamEvent {
	text = bytes.TrimSpace(text)
	if len(text) == 0 || text[0] != '{' || !json.Valid(text) {
		return nil
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil
	}

	name := d.name
	if name == "" {
		name = defaultEventName
	}
	data := make(map[string]any, len(fields)+1)
	data["event"] = name
	for k, v := range fields {
		data[k] = v
	}
	return &StreamEvent{Kind: EventMessage, Data: data, Raw: string(text)}
}

// Stream is one open connection to the event stream.
//
// Use [Client.Stream] to open it, then iterate:
//
//	stream, err := client.Stream(ctx, sess)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Close()
//
//	for stream.Next() {
//	    event := stream.Event()
//	    fmt.Println(event.Name())
//	}
//
//	if err := stream.Err(); err != nil {
//	    log.Fatal(err)
//	}
//
// Only EventMessage and EventMalformed events come out of a Stream. For
// reconnects see [Client.Subscribe].
type Stream struct {
	conn    io.Closer
	body    io.ReadCloser
	cancel  context.CancelFunc
	decoder frameDecoder
	buf     []byte
	queue   []*StreamEvent
	current *StreamEvent
	err     error
	eof     bool

	metrics *metrics

	idle     time.Duration
	watchdog *time.Timer
	idled    atomic.Bool
	closed   atomic.Bool
}

// newStream reads events from body. conn is the underlying connection;
// closing it is what interrupts a blocked read.
func newStream(conn io.Closer, body io.ReadCloser, cancel context.CancelFunc, idle time.Duration, m *metrics) *Stream {
	s := &Stream{
		conn:    conn,
		body:    body,
		cancel:  cancel,
		buf:     make([]byte, 32*1024),
		metrics: m,
		idle:    idle,
	}
	if idle > 0 {
		s.watchdog = time.AfterFunc(idle, func() {
			s.idled.Store(true)
			_ = s.conn.Close()
		})
	}
	return s
}

// Next advances to the next event.
//
// It returns false when the stream ends, fails or is closed. Call
// [Stream.Err] to tell these apart.
func (s *Stream) Next() bool {
	for {
		if s.closed.Load() {
			return false
		}
		if len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue = s.queue[1:]
			s.metrics.observeFrame(s.current.Kind)
			return true
		}
		if s.eof || s.err != nil {
			return false
		}
		s.fill()
	}
}

// fill performs one read and queues whatever events it completes.
func (s *Stream) fill() {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		if s.watchdog != nil {
			s.watchdog.Reset(s.idle)
		}
		events, ferr := s.decoder.Feed(s.buf[:n])
		s.queue = append(s.queue, events...)
		if ferr != nil {
			s.err = newError(CodeStream, ferr.Error(), 0, nil)
			return
		}
	}

	if err != nil {
		// Decoders are only touched from the reading goroutine.
		_ = s.body.Close()
		s.cancel()
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.eof = true
		s.queue = append(s.queue, s.decoder.Flush()...)
	case s.idled.Load():
		s.err = newError(CodeTimeout, fmt.Sprintf("no stream data for %s", s.idle), 0, err)
	case s.closed.Load():
	default:
		s.err = handleError(err, "stream read failed")
	}
}

// Event returns the current event. Call it after [Stream.Next] returns true.
func (s *Stream) Event() *StreamEvent {
	return s.current
}

// Err returns the error that stopped the stream, or nil after a clean end.
func (s *Stream) Err() error {
	return s.err
}

// Close closes the connection. It is safe to call more than once and from
// another goroutine.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	err := s.conn.Close()
	s.cancel()
	return err
}

// EventsWithContext returns a channel that yields events until the stream
// ends, fails or ctx is cancelled. Check [Stream.Err] after it closes.
func (s *Stream) EventsWithContext(ctx context.Context) <-chan *StreamEvent {
	ch := make(chan *StreamEvent)
	go func() {
		defer close(ch)

		// Closing the body is the only way to unblock a pending read.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-done:
			}
		}()
		defer close(done)

		for s.Next() {
			select {
			case ch <- s.current:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Stream opens one connection to the event stream of a logged-in session.
//
// The request timeout bounds only the wait for response headers and fails
// with TIMEOUT. After that the connection stays open until the server ends
// it, ctx is cancelled, the idle watchdog fires or Close is called. A
// status other than 200 is returned as a STREAM_ERROR.
func (c *Client) Stream(ctx context.Context, sess *Session) (*Stream, error) {
	if sess == nil {
		return nil, newError(CodeBadRequest, "session is required", 0, nil)
	}
	if !sess.loggedIn {
		return nil, newError(CodeNotLoggedIn, ErrNotLoggedIn.Message, 0, nil)
	}

	// The request timeout bounds connection setup only. Once headers
	// arrive the idle watchdog takes over.
	connCtx, cancel := context.WithCancel(ctx)
	var (
		setupTimer   *time.Timer
		setupExpired atomic.Bool
	)
	if c.timeout > 0 {
		setupTimer = time.AfterFunc(c.timeout, func() {
			setupExpired.Store(true)
			cancel()
		})
	}

	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodGet, sess.URL(streamPath), http.NoBody)
	if err != nil {
		cancel()
		return nil, newError(CodeBadRequest, "failed to create request", 0, err)
	}
	httpReq.Header = c.requestHeaders(sess, streamFetch, true)
	httpReq.Header.Set("Referer", sess.baseURL)

	resp, err := c.doer.Do(httpReq)
	if setupTimer != nil && !setupTimer.Stop() && err == nil {
		// The timer fired after the headers arrived; the body is already
		// cancelled.
		_ = resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if setupExpired.Load() {
			return nil, newError(CodeTimeout, fmt.Sprintf("no stream response within %s", c.timeout), 0, err)
		}
		return nil, handleError(err, "failed to connect to stream")
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, newError(CodeStream,
			fmt.Sprintf("stream request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
			resp.StatusCode, nil)
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, newError(CodeStream, "unreadable stream encoding", resp.StatusCode, err)
	}

	sess.cookies.Set(resp.Header.Values("Set-Cookie")...)
	c.persist(sess)
	c.logger.Debug("stream connected", zap.String("url", sess.URL(streamPath)))

	return newStream(resp.Body, body, cancel, c.streamIdleTimeout, c.metrics), nil
}

// ReconnectPolicy bounds the reconnect loop of [Client.Subscribe].
type ReconnectPolicy struct {
	// MaxAttempts is the number of consecutive failed connections after
	// which Subscribe gives up. Zero means no reconnects.
	MaxAttempts int

	// InitialInterval is the first delay; later delays grow exponentially
	// up to MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultReconnectPolicy returns five attempts between 1s and 30s apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(max(p.MaxAttempts, 0)))
}

// StreamOptions configures [Client.Subscribe].
type StreamOptions struct {
	// NoReconnect ends the subscription at the first failed connection or
	// read. By default failures are reconnected.
	NoReconnect bool

	// Reconnect overrides the client's policy when non-nil.
	Reconnect *ReconnectPolicy

	// Buffer is the capacity of the returned channel. Default 16.
	Buffer int
}

// Subscribe follows the event stream and delivers everything on a channel:
// frames, malformed frames, connection errors, reconnect notices and a
// final EventEnded, after which the channel is closed.
//
// A clean end of stream is not reconnected. Unless NoReconnect is set,
// failures are retried with exponential backoff until the policy's attempt budget is
// spent; a connection that delivers at least one frame resets the budget.
// Cancelling ctx stops the subscription at the next read or during a
// backoff wait.
func (c *Client) Subscribe(ctx context.Context, sess *Session, opts StreamOptions) <-chan *StreamEvent {
	size := opts.Buffer
	if size <= 0 {
		size = 16
	}
	policy := c.reconnect
	if opts.Reconnect != nil {
		policy = *opts.Reconnect
	}

	ch := make(chan *StreamEvent, size)
	go func() {
		defer close(ch)
		defer func() {
			end := &StreamEvent{Kind: EventEnded}
			if ctx.Err() != nil {
				emitLast(ch, end)
				return
			}
			ch <- end
		}()

		bo := policy.backOff()
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			frames, err := c.follow(ctx, sess, ch)
			if err == nil || ctx.Err() != nil {
				return
			}
			if frames > 0 {
				bo.Reset()
				attempt = 0
			}

			if !emit(ctx, ch, &StreamEvent{Kind: EventError, Err: err}) {
				return
			}
			if opts.NoReconnect || !retryable(err) {
				return
			}

			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				c.logger.Warn("giving up on stream", zap.Int("attempts", attempt), zap.Error(err))
				return
			}
			attempt++
			c.metrics.observeReconnect()
			c.logger.Warn("stream interrupted, reconnecting",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if !emit(ctx, ch, &StreamEvent{Kind: EventReconnecting, Attempt: attempt, Delay: delay}) {
				return
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return ch
}

// follow runs one connection to completion and reports how many frames it
// delivered.
func (c *Client) follow(ctx context.Context, sess *Session, ch chan<- *StreamEvent) (int, error) {
	stream, err := c.Stream(ctx, sess)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stream.Close() }()

	frames := 0
	for event := range stream.EventsWithContext(ctx) {
		if !emit(ctx, ch, event) {
			return frames, ctx.Err()
		}
		frames++
	}
	return frames, stream.Err()
}

// retryable reports whether reconnecting could help.
func retryable(err error) bool {
	return !errors.Is(err, ErrNotLoggedIn) && !errors.Is(err, ErrBadRequest)
}

func emit(ctx context.Context, ch chan<- *StreamEvent, ev *StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitLast delivers ev after cancellation if the consumer can take it
// without blocking.
func emitLast(ch chan<- *StreamEvent, ev *StreamEvent) {
	select {
	case ch <- ev:
	default:
	}
}
