package gablib

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/google/uuid"
)

// Visibility is who can see a status.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

// StatusExpiry is how long a status stays up.
type StatusExpiry string

const (
	ExpireNever       StatusExpiry = "never"
	ExpireFiveMinutes StatusExpiry = "five_minutes"
	ExpireOneHour     StatusExpiry = "one_hour"
	ExpireSixHours    StatusExpiry = "six_hours"
	ExpireOneDay      StatusExpiry = "one_day"
	ExpireThreeDays   StatusExpiry = "three_days"
	ExpireOneWeek     StatusExpiry = "one_week"
)

// StatusOptions configures [Client.CreateStatus] and [Client.EditStatus].
// Sensitive, Visibility and Expires fall back to the account's compose
// defaults from the bootstrap state.
type StatusOptions struct {
	// Markdown is the source text when Text was rendered from it.
	Markdown string

	MediaIDs   []ID
	Sensitive  *bool
	Visibility Visibility
	Expires    StatusExpiry

	PrivateGroup bool
	ReplyID      ID
	QuoteID      ID
	GroupID      ID
	Spoiler      string
	Poll         *Poll

	// Language is an ISO 639 code, "en" when empty.
	Language string

	ScheduledAt *strfmt.DateTime

	// IdempotencyKey deduplicates retried posts. A random key is used
	// when empty.
	IdempotencyKey string
}

type statusBody struct {
	Markdown     *string          `json:"markdown"`
	Status       string           `json:"status"`
	Sensitive    bool             `json:"sensitive"`
	Visibility   string           `json:"visibility,omitempty"`
	MediaIDs     []ID             `json:"media_ids"`
	ExpiresAt    string           `json:"expires_at"`
	PrivateGroup bool             `json:"isPrivateGroup"`
	ReplyID      *ID              `json:"in_reply_to_id"`
	QuoteID      *ID              `json:"quote_of_id"`
	Spoiler      string           `json:"spoiler_text"`
	Poll         *Poll            `json:"poll"`
	GroupID      *ID              `json:"group_id"`
	Language     string           `json:"language"`
	ScheduledAt  *strfmt.DateTime `json:"scheduled_at"`
}

func (o StatusOptions) body(text string, compose ComposeDefaults) statusBody {
	b := statusBody{
		Status:       text,
		Sensitive:    swag.BoolValue(o.Sensitive),
		Visibility:   string(o.Visibility),
		MediaIDs:     o.MediaIDs,
		ExpiresAt:    string(o.Expires),
		PrivateGroup: o.PrivateGroup,
		ReplyID:      optionalID(o.ReplyID),
		QuoteID:      optionalID(o.QuoteID),
		Spoiler:      o.Spoiler,
		Poll:         o.Poll,
		GroupID:      optionalID(o.GroupID),
		Language:     o.Language,
		ScheduledAt:  o.ScheduledAt,
	}
	if o.Markdown != "" && o.Markdown != text {
		b.Markdown = swag.String(o.Markdown)
	}
	if o.Sensitive == nil {
		b.Sensitive = compose.DefaultSensitive
	}
	if b.Visibility == "" {
		b.Visibility = compose.DefaultPrivacy
	}
	switch o.Expires {
	case "":
		b.ExpiresAt = compose.DefaultStatusExpiration
	case ExpireNever:
		b.ExpiresAt = ""
	}
	if b.MediaIDs == nil {
		b.MediaIDs = []ID{}
	}
	if b.Language == "" {
		b.Language = "en"
	}
	return b
}

func optionalID(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}

// CreateStatus posts a new status. Text may only be empty when media is
// attached.
func (c *Client) CreateStatus(ctx context.Context, sess *Session, text string, opts StatusOptions) (*Response, error) {
	return c.writeStatus(ctx, sess, "", text, opts)
}

// EditStatus replaces the text and options of an existing status.
func (c *Client) EditStatus(ctx context.Context, sess *Session, id ID, text string, opts StatusOptions) (*Response, error) {
	if id == "" {
		return nil, newError(CodeBadRequest, "status id is required", 0, nil)
	}
	return c.writeStatus(ctx, sess, id, text, opts)
}

func (c *Client) writeStatus(ctx context.Context, sess *Session, id ID, text string, opts StatusOptions) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" && len(opts.MediaIDs) == 0 {
		return nil, newError(CodeBadRequest, "status text is empty and no media is attached", 0, nil)
	}

	var compose ComposeDefaults
	if sess.bootstrap != nil {
		compose = sess.bootstrap.Compose
	}

	req := &Request{
		URL:    sess.URL("/api/v1/statuses"),
		Method: http.MethodPost,
		Body:   opts.body(text, compose),
	}
	if id != "" {
		req.URL += "/" + url.PathEscape(id.String())
		req.Method = http.MethodPut
	} else {
		req.IdempotencyKey = opts.IdempotencyKey
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = uuid.NewString()
		}
	}
	return c.Send(ctx, sess, req)
}

// GetStatus fetches one status.
func (c *Client) GetStatus(ctx context.Context, sess *Session, id ID) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newError(CodeBadRequest, "status id is required", 0, nil)
	}
	return c.Send(ctx, sess, &Request{URL: sess.URL("/api/v1/statuses/" + url.PathEscape(id.String()))})
}

// DeleteStatus deletes a status. Success is a 204 with no content.
func (c *Client) DeleteStatus(ctx context.Context, sess *Session, id ID) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newError(CodeBadRequest, "status id is required", 0, nil)
	}
	return c.Send(ctx, sess, &Request{
		URL:    sess.URL("/api/v1/statuses/" + url.PathEscape(id.String())),
		Method: http.MethodDelete,
		Expect: []int{http.StatusNoContent},
	})
}

// UploadMedia uploads a file for later attachment with
// StatusOptions.MediaIDs. The server answers 202 while it is still
// processing the file.
func (c *Client) UploadMedia(ctx context.Context, sess *Session, filename string, data []byte) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newError(CodeBadRequest, "media is empty", 0, nil)
	}
	if filename == "" {
		filename = "file"
	}
	payload, err := NewMultipartPayload("file", filename, data)
	if err != nil {
		return nil, newError(CodeBadRequest, "could not build upload", 0, err)
	}
	return c.Send(ctx, sess, &Request{
		URL:    sess.URL("/api/v1/media"),
		Method: http.MethodPost,
		Kind:   BodyBinary,
		Body:   payload,
		Expect: []int{http.StatusOK, http.StatusAccepted},
	})
}
