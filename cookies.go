package gablib

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CookieStore is a flat name to value cookie table.
//
// It deliberately ignores domain, path and expiry scoping: a session talks
// to exactly one origin. An empty value is a deletion, which is how the
// server expires a cookie.
type CookieStore struct {
	cookies map[string]string
}

// NewCookieStore returns an empty store.
func NewCookieStore() *CookieStore {
	return &CookieStore{cookies: make(map[string]string)}
}

// Set applies "name=value" lines, typically the Set-Cookie header values of
// a response. Attributes after the first ';' are ignored except for
// Max-Age and Expires, which can turn the line into a deletion. Lines
// without '=' or with an empty name are skipped.
func (s *CookieStore) Set(lines ...string) {
	if s.cookies == nil {
		s.cookies = make(map[string]string)
	}
	now := time.Now()
	for _, line := range lines {
		pair, attrs, _ := strings.Cut(line, ";")
		i := strings.IndexByte(pair, '=')
		if i < 1 {
			continue
		}
		name := strings.TrimSpace(pair[:i])
		value := strings.TrimSpace(pair[i+1:])
		if name == "" {
			continue
		}
		if value == "" || expired(attrs, now) {
			delete(s.cookies, name)
			continue
		}
		s.cookies[name] = value
	}
}

// expired reports whether the cookie attributes describe an already
// expired cookie.
func expired(attrs string, now time.Time) bool {
	for _, attr := range strings.Split(attrs, ";") {
		key, val, _ := strings.Cut(strings.TrimSpace(attr), "=")
		switch strings.ToLower(key) {
		case "max-age":
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n <= 0 {
				return true
			}
		case "expires":
			if t, err := http.ParseTime(strings.TrimSpace(val)); err == nil && !t.After(now) {
				return true
			}
		}
	}
	return false
}

// Get returns the percent-decoded value of the named cookie. A '+' is kept
// as is; only %XX sequences are decoded.
func (s *CookieStore) Get(name string) (string, bool) {
	v, ok := s.cookies[name]
	if !ok {
		return "", false
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded, true
	}
	return v, true
}

// Has reports whether at least one cookie is stored.
func (s *CookieStore) Has() bool {
	return len(s.cookies) > 0
}

// Len returns the number of stored cookies.
func (s *CookieStore) Len() int {
	return len(s.cookies)
}

// Names returns the stored cookie names in sorted order.
func (s *CookieStore) Names() []string {
	names := make([]string, 0, len(s.cookies))
	for name := range s.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Header renders the store as a Cookie request header value.
func (s *CookieStore) Header() string {
	names := s.Names()
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + s.cookies[name]
	}
	return strings.Join(parts, "; ")
}

// String implements fmt.Stringer with the Cookie header form.
func (s *CookieStore) String() string {
	return s.Header()
}

// Serialize returns the store as a JSON object of name to raw value.
func (s *CookieStore) Serialize() ([]byte, error) {
	return json.Marshal(s.cookies)
}

// Restore replaces the store contents with a blob produced by Serialize.
// Entries with empty values are dropped. On error the store is unchanged.
func (s *CookieStore) Restore(blob []byte) error {
	var restored map[string]string
	if err := json.Unmarshal(blob, &restored); err != nil {
		return err
	}
	cookies := make(map[string]string, len(restored))
	for name, value := range restored {
		if name != "" && value != "" {
			cookies[name] = value
		}
	}
	s.cookies = cookies
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s *CookieStore) MarshalJSON() ([]byte, error) {
	return s.Serialize()
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *CookieStore) UnmarshalJSON(data []byte) error {
	return s.Restore(data)
}
