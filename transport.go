package gablib

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/runtime"
	"go.uber.org/zap"
)

// BodyKind declares how a request body is encoded and how a successful
// response body is read back.
type BodyKind string

const (
	// BodyJSON sends the body as JSON and parses the response as JSON.
	BodyJSON BodyKind = "json"
	// BodyBinary sends a prebuilt payload (usually multipart) untouched and
	// parses the response as JSON.
	BodyBinary BodyKind = "binary"
	// BodyForm sends a flat key/value map url-encoded and reads the
	// response as text. Used for HTML pages and the login form.
	BodyForm BodyKind = "html-form"
	// BodyText sends the body JSON-serialized as text/plain and reads the
	// response as text.
	BodyText BodyKind = "text"
)

// Form is a flat url-encoded form body.
type Form map[string]string

// Payload is a binary body that knows its own content type.
type Payload interface {
	io.Reader
	ContentType() string
}

// MultipartPayload is a multipart/form-data body holding one file.
type MultipartPayload struct {
	*bytes.Buffer
	contentType string
}

// ContentType implements Payload.
func (p *MultipartPayload) ContentType() string { return p.contentType }

// NewMultipartPayload builds a multipart/form-data body with data as the
// file part named field.
func NewMultipartPayload(field, filename string, data []byte) (*MultipartPayload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &MultipartPayload{Buffer: &buf, contentType: w.FormDataContentType()}, nil
}

// Request describes one call through [Client.Send]. Zero values mean GET,
// BodyJSON, an expected status of 200 and the bearer header attached.
type Request struct {
	URL    string
	Method string
	Kind   BodyKind
	Body   any

	// Expect lists the statuses that count as success.
	Expect []int

	// NoAuth suppresses the Authorization header.
	NoAuth bool

	// IdempotencyKey, when set, is sent as Idempotency-Key.
	IdempotencyKey string

	// Header holds extra headers; they override the defaults.
	Header http.Header
}

// Response is the normalized result of a call.
type Response struct {
	// Content is the parsed body: a decoded JSON value (numbers as
	// json.Number) for json and binary kinds, a string otherwise. It is nil
	// for HEAD requests, 204 responses and unexpected statuses.
	Content any

	// OK reports whether Status is in the expected set.
	OK bool

	Status int
	Header http.Header

	// URL is the final URL of the exchange. Redirects are never followed,
	// so it is the requested URL.
	URL string

	body []byte
}

// Decode unmarshals the successful response body into v.
func (r *Response) Decode(v any) error {
	if !r.OK {
		return newError(CodeDecode, fmt.Sprintf("unexpected status %d", r.Status), r.Status, nil)
	}
	if len(bytes.TrimSpace(r.body)) == 0 {
		return newError(CodeDecode, "empty response body", r.Status, nil)
	}
	if err := json.Unmarshal(r.body, v); err != nil {
		return newError(CodeDecode, "could not decode response body", r.Status, err)
	}
	return nil
}

// Text returns the raw body of a successful response.
func (r *Response) Text() string {
	return string(r.body)
}

// Send performs one HTTP exchange.
//
// sess may be nil for public endpoints. When present, its cookies,
// referer, bearer token and CSRF token are attached, and afterwards its
// cookie store and last visited URL are updated from the response. A
// logged-in session with a persist path is saved after every successful
// call.
//
// Network failures return an error. A status outside req.Expect does not:
// it is returned as a Response with OK false. No retries are made.
func (c *Client) Send(ctx context.Context, sess *Session, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, newError(CodeBadRequest, "request URL is required", 0, nil)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	kind := req.Kind
	if kind == "" {
		kind = BodyJSON
	}
	expect := req.Expect
	if len(expect) == 0 {
		expect = []int{http.StatusOK}
	}

	body, contentType, err := encodeBody(kind, req.Body)
	if err != nil {
		return nil, newError(CodeBadRequest, "could not encode request body", 0, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, newError(CodeBadRequest, "failed to create request", 0, err)
	}
	httpReq.Header = c.requestHeaders(sess, navigateFetch, !req.NoAuth)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	for k, vs := range req.Header {
		httpReq.Header[http.CanonicalHeaderKey(k)] = vs
	}

	start := time.Now()
	resp, err := c.doer.Do(httpReq)
	if err != nil {
		c.logger.Warn("request failed",
			zap.String("method", method),
			zap.String("url", redactURL(req.URL)),
			zap.Error(err))
		c.metrics.observeRequest(method, 0, time.Since(start))
		return nil, handleError(err, fmt.Sprintf("%s %s failed", method, redactURL(req.URL)))
	}
	defer func() { _ = resp.Body.Close() }()

	out := &Response{
		OK:     slices.Contains(expect, resp.StatusCode),
		Status: resp.StatusCode,
		Header: resp.Header,
		URL:    finalURL(resp, req.URL),
	}

	// Cookies set by the response count even if its body cannot be read.
	mergeResponse(sess, resp, out)

	readContent := method != http.MethodHead && out.OK && resp.StatusCode != http.StatusNoContent
	if readContent {
		out.body, err = readBody(resp)
		if err != nil {
			return nil, handleError(err, "could not read response body")
		}
	}

	elapsed := time.Since(start)
	c.metrics.observeRequest(method, resp.StatusCode, elapsed)
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("url", redactURL(req.URL)),
		zap.Int("status", resp.StatusCode),
		zap.Bool("ok", out.OK),
		zap.Duration("duration", elapsed))

	if sess != nil && out.OK {
		c.persist(sess)
	}

	if readContent {
		out.Content, err = decodeContent(kind, out.body)
		if err != nil {
			return nil, newError(CodeDecode, "could not decode response body", resp.StatusCode, err)
		}
	}
	return out, nil
}

// mergeResponse merges response cookies into sess and records the visited
// URL.
func mergeResponse(sess *Session, resp *http.Response, out *Response) {
	if sess == nil {
		return
	}
	sess.cookies.Set(resp.Header.Values("Set-Cookie")...)
	sess.lastURL = out.URL
}

// persist saves a logged-in session that has a persist path. Failures are
// logged and otherwise ignored.
func (c *Client) persist(sess *Session) {
	if !sess.loggedIn || sess.persistPath == "" {
		return
	}
	if err := sess.Save(sess.persistPath); err != nil {
		c.logger.Warn("could not persist session", zap.String("path", sess.persistPath), zap.Error(err))
	}
}

// encodeBody renders body according to kind and returns the content type
// to send with it.
func encodeBody(kind BodyKind, body any) (io.Reader, string, error) {
	switch kind {
	case BodyJSON:
		if body == nil {
			return nil, runtime.JSONMime + ";charset=UTF-8", nil
		}
		var buf bytes.Buffer
		if err := runtime.JSONProducer().Produce(&buf, body); err != nil {
			return nil, "", err
		}
		return &buf, runtime.JSONMime + ";charset=UTF-8", nil

	case BodyBinary:
		switch b := body.(type) {
		case nil:
			return nil, "", nil
		case Payload:
			return b, b.ContentType(), nil
		case []byte:
			return bytes.NewReader(b), "", nil
		case io.Reader:
			return b, "", nil
		default:
			return nil, "", fmt.Errorf("binary body must be a Payload, []byte or io.Reader, got %T", body)
		}

	case BodyForm:
		var form map[string]string
		switch b := body.(type) {
		case nil:
			return nil, runtime.URLencodedFormMime, nil
		case Form:
			form = b
		case map[string]string:
			form = b
		default:
			return nil, "", fmt.Errorf("form body must be a Form, got %T", body)
		}
		return strings.NewReader(encodeForm(form)), runtime.URLencodedFormMime, nil

	default:
		if body == nil {
			return nil, runtime.TextMime + ";charset=UTF-8", nil
		}
		var buf bytes.Buffer
		if err := runtime.JSONProducer().Produce(&buf, body); err != nil {
			return nil, "", err
		}
		return bytes.NewReader(bytes.TrimRight(buf.Bytes(), "\n")), runtime.TextMime + ";charset=UTF-8", nil
	}
}

// encodeForm percent-encodes each pair the way a browser's
// encodeURIComponent does (space as %20) and joins them with '&'. Keys are
// sorted so the body is deterministic.
func encodeForm(form map[string]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = componentEscape(k) + "=" + componentEscape(form[k])
	}
	return strings.Join(parts, "&")
}

// componentUnescaper restores the characters encodeURIComponent leaves
// alone but QueryEscape encodes. QueryEscape encodes a literal '+' as %2B,
// so every remaining '+' stands for a space.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

func componentEscape(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

func decodeContent(kind BodyKind, raw []byte) (any, error) {
	switch kind {
	case BodyJSON, BodyBinary:
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		var content any
		if err := runtime.JSONConsumer().Consume(bytes.NewReader(raw), &content); err != nil {
			return nil, err
		}
		return content, nil
	default:
		var text string
		if err := runtime.TextConsumer().Consume(bytes.NewReader(raw), &text); err != nil {
			return nil, err
		}
		return text, nil
	}
}

func finalURL(resp *http.Response, requested string) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return requested
}

// redactURL drops the query string, which can carry search terms or ids
// the caller may not want in logs.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
