package gablib_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomblancdev/gablib-go"
)

const streamPattern = "GET /api/v4/streaming"

// writeFrames writes each chunk and flushes it to the client.
func writeFrames(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, chunk := range chunks {
		_, _ = w.Write([]byte(chunk))
		flusher.Flush()
	}
}

// dropConnection ends the response without terminating the body, which
// the client sees as a broken connection.
func dropConnection(w http.ResponseWriter) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		panic("hijack: " + err.Error())
	}
	_ = conn.Close()
}

// collect reads the subscription until it closes.
func collect(t *testing.T, ch <-chan *gablib.StreamEvent) []*gablib.StreamEvent {
	t.Helper()
	var out []*gablib.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription did not end; got %d events", len(out))
			return nil
		}
	}
}

func kindsOf(events []*gablib.StreamEvent) []gablib.EventKind {
	kinds := make([]gablib.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func fastPolicy(attempts int) *gablib.ReconnectPolicy {
	return &gablib.ReconnectPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}
}

// TestStream_Events tests reading frames from one connection.
//
// It verifies that:
//   - The stream request carries the event-stream headers and bearer
//   - A frame split across two writes is reassembled
//   - Broken frame text comes out as a malformed event
func TestStream_Events(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	var got http.Header
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeFrames(w, "data: {\"a\":1}\nda", "ta: {\"b\":2}\n", "data: {\"broken\":\n\n")
	})
	sess := loggedInSession(t, site.URL)

	// Act
	stream, err := newTestClient(t).Stream(newTestContext(t), sess)
	require.NoError(t, err)
	defer stream.Close()

	var events []*gablib.StreamEvent
	for stream.Next() {
		events = append(events, stream.Event())
	}

	// Assert
	require.NoError(t, stream.Err())
	require.Equal(t, []gablib.EventKind{gablib.EventMessage, gablib.EventMessage, gablib.EventMalformed}, kindsOf(events))
	assert.Equal(t, "ping", events[0].Name())
	assert.Equal(t, `{"b":2}`, events[1].Raw)
	assert.Equal(t, `{"broken":`, events[2].Raw)

	var frame struct {
		B int `json:"b"`
	}
	require.NoError(t, events[1].Decode(&frame))
	assert.Equal(t, 2, frame.B)
	assert.Error(t, events[2].Decode(&frame))

	assert.Equal(t, "text/event-stream", got.Get("Accept"))
	assert.Equal(t, "cors", got.Get("Sec-Fetch-Mode"))
	assert.Equal(t, site.URL, got.Get("Referer"))
	assert.Equal(t, "_session_id=authed", got.Get("Cookie"))
}

// TestStream_Compressed tests a gzip-encoded stream.
func TestStream_Compressed(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		zw := gzip.NewWriter(w)
		for _, frame := range []string{"data: {\"n\":1}\n", "data: {\"n\":2}\n"} {
			_, _ = zw.Write([]byte(frame))
			_ = zw.Flush()
			w.(http.Flusher).Flush()
		}
		_ = zw.Close()
	})

	// Act
	stream, err := newTestClient(t).Stream(newTestContext(t), loggedInSession(t, site.URL))
	require.NoError(t, err)
	defer stream.Close()

	var raws []string
	for stream.Next() {
		raws = append(raws, stream.Event().Raw)
	}

	// Assert
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, raws)
}

// TestStream_NotLoggedIn tests that a logged-out session is rejected
// without a request.
func TestStream_NotLoggedIn(t *testing.T) {
	site := newFakeSite(t)
	var hits atomic.Int32
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	sess, err := gablib.NewSession(testCreds(site.URL))
	require.NoError(t, err)

	stream, err := newTestClient(t).Stream(newTestContext(t), sess)

	require.Error(t, err)
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, gablib.ErrNotLoggedIn))
	assert.Zero(t, hits.Load())
}

// TestStream_Rejected tests that a non-200 answer is a stream error
// carrying the status and body.
func TestStream_Rejected(t *testing.T) {
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	})

	stream, err := newTestClient(t).Stream(newTestContext(t), loggedInSession(t, site.URL))

	require.Error(t, err)
	assert.Nil(t, stream)
	var apiErr *gablib.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, gablib.CodeStream, apiErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, apiErr.Message, "maintenance")
}

// TestStream_IdleTimeout tests that a silent connection is closed by the
// watchdog.
func TestStream_IdleTimeout(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, "data: {\"hello\":true}\n")
		<-r.Context().Done()
	})
	client := newTestClient(t, gablib.WithStreamIdleTimeout(100*time.Millisecond))

	// Act
	stream, err := client.Stream(newTestContext(t), loggedInSession(t, site.URL))
	require.NoError(t, err)
	defer stream.Close()

	// Assert
	require.True(t, stream.Next())
	assert.Equal(t, true, stream.Event().Data["hello"])
	assert.False(t, stream.Next())
	assert.True(t, errors.Is(stream.Err(), gablib.ErrTimeout), "got %v", stream.Err())
}

// TestStream_SetupTimeout tests that a server which never answers the
// stream request is bounded by the request timeout.
func TestStream_SetupTimeout(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	client := newTestClient(t, gablib.WithTimeout(100*time.Millisecond))

	// Act
	stream, err := client.Stream(newTestContext(t), loggedInSession(t, site.URL))

	// Assert
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, gablib.ErrTimeout), "got %v", err)
}

// TestStream_OutlivesRequestTimeout tests that the request timeout does not
// cut off a connection that has already answered.
func TestStream_OutlivesRequestTimeout(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, "data: {\"n\":1}\n")
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("data: {\"n\":2}\n"))
	})
	client := newTestClient(t, gablib.WithTimeout(100*time.Millisecond))

	// Act
	stream, err := client.Stream(newTestContext(t), loggedInSession(t, site.URL))
	require.NoError(t, err)
	defer stream.Close()

	// Assert
	var frames int
	for stream.Next() {
		frames++
	}
	assert.NoError(t, stream.Err())
	assert.Equal(t, 2, frames)
}

// TestStream_Close tests that Close ends iteration without an error.
func TestStream_Close(t *testing.T) {
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, "data: {\"n\":1}\n")
		<-r.Context().Done()
	})

	stream, err := newTestClient(t).Stream(newTestContext(t), loggedInSession(t, site.URL))
	require.NoError(t, err)
	require.True(t, stream.Next())

	time.AfterFunc(50*time.Millisecond, func() { _ = stream.Close() })

	assert.False(t, stream.Next())
	assert.NoError(t, stream.Err())
	assert.NoError(t, stream.Close())
}

// TestStream_EventsWithContext tests the channel form and cancellation.
func TestStream_EventsWithContext(t *testing.T) {
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, "data: {\"n\":1}\n")
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(newTestContext(t))
	stream, err := newTestClient(t).Stream(ctx, loggedInSession(t, site.URL))
	require.NoError(t, err)
	defer stream.Close()

	events := stream.EventsWithContext(ctx)
	first := <-events
	require.NotNil(t, first)
	assert.Equal(t, `{"n":1}`, first.Raw)

	cancel()
	assert.Empty(t, collect(t, events))
}

// TestSubscribe_Reconnects tests recovery from a failed connection.
func TestSubscribe_Reconnects(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	var hits atomic.Int32
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeFrames(w, "data: {\"n\":1}\n", "data: {\"n\":2}\n")
	})
	reg := prometheus.NewPedanticRegistry()
	client := newTestClient(t, gablib.WithMetrics(reg))

	// Act
	events := collect(t, client.Subscribe(newTestContext(t), loggedInSession(t, site.URL), gablib.StreamOptions{
		Reconnect: fastPolicy(3),
	}))

	// Assert
	require.Equal(t, []gablib.EventKind{
		gablib.EventError,
		gablib.EventReconnecting,
		gablib.EventMessage,
		gablib.EventMessage,
		gablib.EventEnded,
	}, kindsOf(events))
	assert.True(t, errors.Is(events[0].Err, gablib.ErrStream))
	assert.Equal(t, 1, events[1].Attempt)
	assert.Positive(t, events[1].Delay)
	assert.Equal(t, int32(2), hits.Load(), "a clean end is not reconnected")

	expected := `
# HELP gablib_stream_reconnects_total Stream reconnect attempts.
# TYPE gablib_stream_reconnects_total counter
gablib_stream_reconnects_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "gablib_stream_reconnects_total"))
}

// TestSubscribe_GivesUp tests that the attempt budget bounds the
// reconnects.
func TestSubscribe_GivesUp(t *testing.T) {
	site := newFakeSite(t)
	var hits atomic.Int32
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	events := collect(t, newTestClient(t).Subscribe(newTestContext(t), loggedInSession(t, site.URL), gablib.StreamOptions{
		Reconnect: fastPolicy(2),
	}))

	assert.Equal(t, []gablib.EventKind{
		gablib.EventError,
		gablib.EventReconnecting,
		gablib.EventError,
		gablib.EventReconnecting,
		gablib.EventError,
		gablib.EventEnded,
	}, kindsOf(events))
	assert.Equal(t, 1, events[1].Attempt)
	assert.Equal(t, 2, events[3].Attempt)
	assert.Equal(t, int32(3), hits.Load())
}

// TestSubscribe_BudgetResets tests that a connection which delivered
// frames restores the full attempt budget.
func TestSubscribe_BudgetResets(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	var hits atomic.Int32
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 2 {
			writeFrames(w, "data: {\"n\":1}\n")
			dropConnection(w)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	// Act
	events := collect(t, newTestClient(t).Subscribe(newTestContext(t), loggedInSession(t, site.URL), gablib.StreamOptions{
		Reconnect: fastPolicy(1),
	}))

	// Assert
	require.Equal(t, []gablib.EventKind{
		gablib.EventError,
		gablib.EventReconnecting,
		gablib.EventMessage,
		gablib.EventError,
		gablib.EventReconnecting,
		gablib.EventError,
		gablib.EventEnded,
	}, kindsOf(events))
	assert.True(t, errors.Is(events[3].Err, gablib.ErrTransport), "got %v", events[3].Err)
	assert.Equal(t, 1, events[4].Attempt)
	assert.Equal(t, int32(3), hits.Load())
}

// TestSubscribe_NoReconnect tests that failures end the subscription when
// reconnecting is switched off.
func TestSubscribe_NoReconnect(t *testing.T) {
	site := newFakeSite(t)
	var hits atomic.Int32
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	events := collect(t, newTestClient(t).Subscribe(newTestContext(t), loggedInSession(t, site.URL), gablib.StreamOptions{
		NoReconnect: true,
		Reconnect:   fastPolicy(5),
	}))

	assert.Equal(t, []gablib.EventKind{gablib.EventError, gablib.EventEnded}, kindsOf(events))
	assert.Equal(t, int32(1), hits.Load())
}

// TestSubscribe_NotLoggedIn tests that a logged-out session is never
// retried.
func TestSubscribe_NotLoggedIn(t *testing.T) {
	sess, err := gablib.NewSession(testCreds("http://127.0.0.1:1"))
	require.NoError(t, err)

	events := collect(t, newTestClient(t).Subscribe(newTestContext(t), sess, gablib.StreamOptions{
		Reconnect: fastPolicy(5),
	}))

	require.Equal(t, []gablib.EventKind{gablib.EventError, gablib.EventEnded}, kindsOf(events))
	assert.True(t, errors.Is(events[0].Err, gablib.ErrNotLoggedIn))
}

// TestSubscribe_Cancel tests that cancelling the context closes the
// channel while the connection is idle.
func TestSubscribe_Cancel(t *testing.T) {
	// Arrange
	site := newFakeSite(t)
	site.handle(streamPattern, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, "data: {\"n\":1}\n")
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(newTestContext(t))
	defer cancel()

	events := newTestClient(t).Subscribe(ctx, loggedInSession(t, site.URL), gablib.StreamOptions{
		Reconnect: fastPolicy(5),
	})

	// Act
	first := <-events
	require.NotNil(t, first)
	require.Equal(t, gablib.EventMessage, first.Kind)
	cancel()

	// Assert
	rest := collect(t, events)
	for _, ev := range rest {
		assert.NotEqual(t, gablib.EventReconnecting, ev.Kind)
	}
}
