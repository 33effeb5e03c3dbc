package gablib

import (
	"context"
	"net/url"
	"strings"
)

// Public endpoints need no session. baseURL is the site origin.

// GetAccountByID fetches a public account by id.
func (c *Client) GetAccountByID(ctx context.Context, baseURL string, id ID) (*Response, error) {
	if id == "" {
		return nil, newError(CodeBadRequest, "account id is required", 0, nil)
	}
	return c.Send(ctx, nil, &Request{URL: publicURL(baseURL, "/api/v1/accounts/"+url.PathEscape(id.String()))})
}

// GetAccountByUsername fetches a public account by username.
func (c *Client) GetAccountByUsername(ctx context.Context, baseURL, username string) (*Response, error) {
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return nil, newError(CodeBadRequest, "username is required", 0, nil)
	}
	return c.Send(ctx, nil, &Request{URL: publicURL(baseURL, "/api/v1/account_by_username/"+url.PathEscape(username))})
}

// GetTrendsFeed fetches the trending links feed.
func (c *Client) GetTrendsFeed(ctx context.Context, baseURL string) (*Response, error) {
	return c.Send(ctx, nil, &Request{URL: publicURL(baseURL, "/api/v3/trends_feed")})
}

// GetPopularStatuses fetches popular links of the given type, "gab" when
// empty.
func (c *Client) GetPopularStatuses(ctx context.Context, baseURL, kind string) (*Response, error) {
	if kind == "" {
		kind = "gab"
	}
	q := url.Values{"type": {kind}}
	return c.Send(ctx, nil, &Request{URL: publicURL(baseURL, "/api/v1/popular_links?"+q.Encode())})
}

func publicURL(baseURL, path string) string {
	return normalizeBaseURL(baseURL) + path
}

// requireLogin rejects a missing or logged-out session before any request
// is made.
func requireLogin(sess *Session) error {
	if sess == nil {
		return newError(CodeBadRequest, "session is required", 0, nil)
	}
	if !sess.loggedIn {
		return newError(CodeNotLoggedIn, ErrNotLoggedIn.Message, 0, nil)
	}
	return nil
}
