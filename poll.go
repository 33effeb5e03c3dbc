package gablib

import (
	"encoding/json"
	"time"
)

const (
	// MaxPollOptions is the most choices a poll can have.
	MaxPollOptions = 8

	MinPollExpiry     = time.Hour
	MaxPollExpiry     = 7 * 24 * time.Hour
	DefaultPollExpiry = 3 * 24 * time.Hour
)

// Poll is a poll attached to a new status.
type Poll struct {
	options []string
	expiry  time.Duration
}

// NewPoll returns a poll with the given choices, keeping at most
// MaxPollOptions of them. It expires after DefaultPollExpiry.
func NewPoll(options ...string) *Poll {
	if len(options) > MaxPollOptions {
		options = options[:MaxPollOptions]
	}
	return &Poll{
		options: append([]string(nil), options...),
		expiry:  DefaultPollExpiry,
	}
}

// Add appends a choice. It reports false when the poll is full.
func (p *Poll) Add(option string) bool {
	if len(p.options) >= MaxPollOptions {
		return false
	}
	p.options = append(p.options, option)
	return true
}

// SetExpiry sets how long the poll stays open. It reports false, leaving
// the expiry unchanged, when d is outside MinPollExpiry..MaxPollExpiry.
func (p *Poll) SetExpiry(d time.Duration) bool {
	if d < MinPollExpiry || d > MaxPollExpiry {
		return false
	}
	p.expiry = d
	return true
}

// Options returns a copy of the choices.
func (p *Poll) Options() []string {
	return append([]string(nil), p.options...)
}

// Expiry returns how long the poll stays open.
func (p *Poll) Expiry() time.Duration {
	return p.expiry
}

// MarshalJSON renders the poll as the API expects it.
func (p *Poll) MarshalJSON() ([]byte, error) {
	options := p.options
	if options == nil {
		options = []string{}
	}
	return json.Marshal(struct {
		Options   []string `json:"options"`
		ExpiresIn int64    `json:"expires_in"`
	}{options, int64(p.expiry / time.Second)})
}
