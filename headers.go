package gablib

import "net/http"

// fetchMode selects the Sec-Fetch flavour of the fixed header set. Page and
// API calls look like top-level navigations; the event stream looks like a
// background fetch.
type fetchMode int

const (
	navigateFetch fetchMode = iota
	streamFetch
)

// requestHeaders builds the browser-like header set for one request and,
// when sess is non-nil, its session headers. withAuth controls the bearer
// header only; cookies and the CSRF token are always sent.
func (c *Client) requestHeaders(sess *Session, mode fetchMode, withAuth bool) http.Header {
	h := make(http.Header, 16)

	ua := c.userAgent
	if sess != nil && sess.userAgent != "" {
		ua = sess.userAgent
	}

	switch mode {
	case streamFetch:
		h.Set("Accept", "text/event-stream")
		h.Set("Sec-Fetch-Dest", "empty")
		h.Set("Sec-Fetch-Mode", "cors")
	default:
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-User", "?1")
		h.Set("Upgrade-Insecure-Requests", "1")
	}
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Accept-Encoding", acceptEncoding)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Gpc", "1")
	h.Set("User-Agent", ua)

	if sess == nil {
		return h
	}

	if sess.cookies.Len() > 0 {
		h.Set("Cookie", sess.cookies.Header())
	}
	if sess.lastURL != "" {
		h.Set("Referer", sess.lastURL)
	}
	if withAuth && sess.accessToken != "" {
		h.Set("Authorization", "Bearer "+sess.accessToken)
	}
	if sess.csrfToken != "" {
		h.Set("X-Csrf-Token", sess.csrfToken)
	}
	return h
}
