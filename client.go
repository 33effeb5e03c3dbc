package gablib

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tomblancdev/gablib-go/internal/browser"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultStreamIdleTimeout = 90 * time.Second

	// fallbackUserAgent is sent when a request carries no session.
	fallbackUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:115.0) Gecko/20100101 Firefox/120.0"
)

// Doer sends a single HTTP request. *http.Client satisfies it.
//
// Implementations must not follow redirects: the login protocol inspects
// the 302 returned for the credential POST and carries cookies across the
// hop itself.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the gablib transport.
//
// A Client holds no per-account state and is safe for concurrent use. All
// account state lives in a [Session], which is passed explicitly to every
// authenticated call.
type Client struct {
	doer              Doer
	timeout           time.Duration
	streamIdleTimeout time.Duration
	userAgent         string
	logger            *zap.Logger
	metrics           *metrics
	extractor         TokenExtractor
	reconnect         ReconnectPolicy
	browserProfile    string
	browserProxy      string
	useBrowser        bool
}

// NewClient creates a new gablib client.
//
// The default transport is an *http.Client that never follows redirects.
// An error is returned only when a browser profile was requested with
// [WithBrowserProfile] and could not be built.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		doer:              newNoRedirectClient(nil),
		timeout:           defaultTimeout,
		streamIdleTimeout: defaultStreamIdleTimeout,
		userAgent:         fallbackUserAgent,
		logger:            zap.NewNop(),
		extractor:         DOMExtractor{},
		reconnect:         DefaultReconnectPolicy(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.useBrowser {
		doer, err := browser.NewDoer(browser.Config{
			Profile:  c.browserProfile,
			ProxyURL: c.browserProxy,
		})
		if err != nil {
			return nil, newError(CodeConfig, "could not build browser transport", 0, err)
		}
		c.doer = doer
	}

	return c, nil
}

// newNoRedirectClient returns a shallow copy of base (or a fresh client)
// that hands every redirect back to the caller. The copy has no overall
// timeout; deadlines come from the request context so that streams are
// not cut off.
func newNoRedirectClient(base *http.Client) *http.Client {
	var hc http.Client
	if base != nil {
		hc = *base
	}
	hc.Timeout = 0
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &hc
}
