package gablib

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. It does not apply to streams;
// see [WithStreamIdleTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client. Its redirect policy and
// Timeout are overridden: redirects are never followed and deadlines are
// carried by the request context.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.doer = newNoRedirectClient(httpClient)
	}
}

// WithDoer sets an arbitrary transport. The Doer must not follow redirects.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.doer = d
	}
}

// WithBrowserProfile sends requests through a client that reproduces a real
// browser's TLS and HTTP/2 fingerprint. profile names a tls-client profile
// such as "chrome_133"; empty selects the library default. proxyURL is
// optional.
func WithBrowserProfile(profile, proxyURL string) Option {
	return func(c *Client) {
		c.useBrowser = true
		c.browserProfile = profile
		c.browserProxy = proxyURL
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics registers request and stream collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = newMetrics(reg)
	}
}

// WithTokenExtractor replaces the HTML token extractor used by login and
// refresh.
func WithTokenExtractor(e TokenExtractor) Option {
	return func(c *Client) {
		if e != nil {
			c.extractor = e
		}
	}
}

// WithUserAgent sets the User-Agent sent on requests that carry no session.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithStreamIdleTimeout closes a stream connection that delivers no data
// for d. Zero disables the watchdog.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.streamIdleTimeout = d
	}
}

// WithReconnect sets the reconnect policy used by [Client.Subscribe].
func WithReconnect(p ReconnectPolicy) Option {
	return func(c *Client) {
		c.reconnect = p
	}
}
