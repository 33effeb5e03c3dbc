package gablib

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-openapi/swag"
)

// SearchType narrows a search.
type SearchType string

const (
	SearchStatus  SearchType = "status"
	SearchGroup   SearchType = "group"
	SearchTop     SearchType = "top"
	SearchAccount SearchType = "account"
	SearchLink    SearchType = "link"
	SearchFeed    SearchType = "feed"
	SearchHashtag SearchType = "hashtag"

	// SearchAll sends no type filter.
	SearchAll SearchType = "all"
)

// SearchOptions configures [Client.Search].
type SearchOptions struct {
	// Page is 1-based. Zero or negative omits it.
	Page int32

	// OnlyVerified defaults to false.
	OnlyVerified *bool

	// Type defaults to SearchStatus.
	Type SearchType
}

func (o SearchOptions) query(q string) url.Values {
	v := url.Values{}
	v.Set("q", q)
	v.Set("resolve", "true")
	v.Set("onlyVerified", swag.FormatBool(swag.BoolValue(o.OnlyVerified)))
	if o.Page > 0 {
		v.Set("page", swag.FormatInt32(o.Page))
	}
	switch o.Type {
	case "":
		v.Set("type", string(SearchStatus))
	case SearchAll:
	default:
		v.Set("type", string(o.Type))
	}
	return v
}

// Search runs a site search.
func (c *Client) Search(ctx context.Context, sess *Session, query string, opts SearchOptions) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, newError(CodeBadRequest, "search query is empty", 0, nil)
	}
	return c.Send(ctx, sess, &Request{URL: sess.URL("/api/v3/search?" + opts.query(query).Encode())})
}
