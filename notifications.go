package gablib

import (
	"context"
	"net/http"
	"net/url"
	"slices"

	"github.com/go-openapi/swag"
)

// NotificationType is a notification category.
type NotificationType string

const (
	NotificationFollow          NotificationType = "follow"
	NotificationReblog          NotificationType = "reblog"
	NotificationFavourite       NotificationType = "favourite"
	NotificationPoll            NotificationType = "poll"
	NotificationMention         NotificationType = "mention"
	NotificationGroupModeration NotificationType = "group_moderation_event"
)

// notificationTypes lists every type the site can exclude.
var notificationTypes = []NotificationType{
	NotificationFollow,
	NotificationReblog,
	NotificationFavourite,
	NotificationPoll,
	NotificationMention,
	NotificationGroupModeration,
}

// NotificationOptions filters [Client.GetNotifications].
type NotificationOptions struct {
	// MaxID and SinceID page through results.
	MaxID   ID
	SinceID ID

	OnlyFollowing bool
	OnlyVerified  bool

	// Types keeps only the listed types. Empty keeps all.
	Types []NotificationType
}

func (o NotificationOptions) query() url.Values {
	q := url.Values{}
	if o.MaxID != "" {
		q.Set("max_id", o.MaxID.String())
	}
	if o.SinceID != "" {
		q.Set("since_id", o.SinceID.String())
	}
	if o.OnlyFollowing {
		q.Set("only_following", swag.FormatBool(true))
	}
	if o.OnlyVerified {
		q.Set("only_verified", swag.FormatBool(true))
	}
	// The API filters by exclusion.
	if len(o.Types) > 0 {
		for _, t := range notificationTypes {
			if !slices.Contains(o.Types, t) {
				q.Add("exclude_types[]", string(t))
			}
		}
	}
	return q
}

// GetNotifications lists the account's notifications.
func (c *Client) GetNotifications(ctx context.Context, sess *Session, opts NotificationOptions) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	u := sess.URL("/api/v1/notifications")
	if q := opts.query(); len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.Send(ctx, sess, &Request{URL: u})
}

// MarkNotificationsRead marks every notification as read.
func (c *Client) MarkNotificationsRead(ctx context.Context, sess *Session) (*Response, error) {
	if err := requireLogin(sess); err != nil {
		return nil, err
	}
	return c.Send(ctx, sess, &Request{
		URL:    sess.URL("/api/v1/notifications/mark_read"),
		Method: http.MethodPost,
		Body:   map[string]any{},
	})
}
