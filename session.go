package gablib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// Session is the authenticated context threaded through every
// authenticated call: credentials, cookies, tokens and the bootstrap state
// of the logged-in account.
//
// A Session is not safe for concurrent use. Every transport call mutates
// its cookies and last visited URL; callers that share one identity across
// goroutines must serialize access themselves.
type Session struct {
	creds             Credentials
	baseURL           string
	userAgent         string
	cookies           *CookieStore
	authenticityToken string
	csrfToken         string
	accessToken       string
	bootstrap         *BootstrapState
	lastURL           string
	loggedIn          bool
	persistPath       string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPersistPath makes the session save itself to path after every
// successful call made once it is logged in.
func WithPersistPath(path string) SessionOption {
	return func(s *Session) {
		s.persistPath = path
	}
}

// NewSession validates creds and returns a fresh, logged-out session.
func NewSession(creds Credentials, opts ...SessionOption) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	creds.BaseURL = normalizeBaseURL(creds.BaseURL)

	s := &Session{
		creds:     creds,
		baseURL:   creds.BaseURL,
		userAgent: pickUserAgent(),
		cookies:   NewCookieStore(),
		lastURL:   creds.BaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseURL returns the site origin without a trailing slash.
func (s *Session) BaseURL() string { return s.baseURL }

// Email returns the account email.
func (s *Session) Email() string { return s.creds.Email }

// UserAgent returns the User-Agent this session sends.
func (s *Session) UserAgent() string { return s.userAgent }

// Cookies returns the session cookie store.
func (s *Session) Cookies() *CookieStore { return s.cookies }

// AuthenticityToken returns the login form token, if any.
func (s *Session) AuthenticityToken() string { return s.authenticityToken }

// CSRFToken returns the anti-forgery token, if any.
func (s *Session) CSRFToken() string { return s.csrfToken }

// AccessToken returns the bearer token, if any.
func (s *Session) AccessToken() string { return s.accessToken }

// Bootstrap returns the bootstrap state of the last refresh, or nil.
func (s *Session) Bootstrap() *BootstrapState { return s.bootstrap }

// LastURL returns the URL sent as Referer on the next request.
func (s *Session) LastURL() string { return s.lastURL }

// LoggedIn reports whether login or refresh completed.
func (s *Session) LoggedIn() bool { return s.loggedIn }

// PersistPath returns the file the session saves itself to, if any.
func (s *Session) PersistPath() string { return s.persistPath }

// SetPersistPath changes the file the session saves itself to. Empty
// disables persistence.
func (s *Session) SetPersistPath(path string) { s.persistPath = path }

// MyAccount returns the raw account object of the logged-in user.
func (s *Session) MyAccount() json.RawMessage { return s.bootstrap.MyAccount() }

// ServerVersion returns the site version reported in the bootstrap state.
func (s *Session) ServerVersion() string {
	if s.bootstrap == nil {
		return ""
	}
	return s.bootstrap.Meta.Version
}

// URL joins path onto the base URL.
func (s *Session) URL(path string) string {
	return s.baseURL + path
}

// applyTokens copies every extracted value over the session's, empty ones
// included, so that stale values never survive a refresh.
func (s *Session) applyTokens(t *Tokens) {
	s.authenticityToken = t.AuthenticityToken
	s.csrfToken = t.CSRFToken
	s.accessToken = t.AccessToken
	s.bootstrap = t.Bootstrap
}

// sessionFormat versions the persisted document.
const sessionFormat = 1

type sessionFile struct {
	Format            int             `json:"format"`
	Fingerprint       string          `json:"fingerprint"`
	BaseURL           string          `json:"base_url"`
	UserAgent         string          `json:"user_agent"`
	AuthenticityToken string          `json:"authenticity_token,omitempty"`
	CSRFToken         string          `json:"csrf_token,omitempty"`
	AccessToken       string          `json:"access_token,omitempty"`
	Bootstrap         *BootstrapState `json:"bootstrap_state,omitempty"`
	LastURL           string          `json:"last_url"`
	LoggedIn          bool            `json:"logged_in"`
	Cookies           *CookieStore    `json:"cookies"`
}

// Marshal serializes the session. The document carries a fingerprint of
// the credentials instead of the credentials themselves.
func (s *Session) Marshal() ([]byte, error) {
	data, err := json.Marshal(sessionFile{
		Format:            sessionFormat,
		Fingerprint:       s.creds.Fingerprint(),
		BaseURL:           s.baseURL,
		UserAgent:         s.userAgent,
		AuthenticityToken: s.authenticityToken,
		CSRFToken:         s.csrfToken,
		AccessToken:       s.accessToken,
		Bootstrap:         s.bootstrap,
		LastURL:           s.lastURL,
		LoggedIn:          s.loggedIn,
		Cookies:           s.cookies,
	})
	if err != nil {
		return nil, newError(CodePersist, "could not encode session", 0, err)
	}
	return data, nil
}

// Save writes the session to path atomically with owner-only permissions.
func (s *Session) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".gablib-session-*")
	if err != nil {
		return newError(CodePersist, "could not create session file", 0, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return newError(CodePersist, "could not write session file", 0, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return newError(CodePersist, "could not write session file", 0, err)
	}
	if err := tmp.Close(); err != nil {
		return newError(CodePersist, "could not write session file", 0, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return newError(CodePersist, "could not replace session file", 0, err)
	}
	return nil
}

// RestoreSession rebuilds a session from Marshal output. It fails with
// ErrSessionMismatch when the document was written for other credentials.
func RestoreSession(data []byte, creds Credentials, opts ...SessionOption) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	creds.BaseURL = normalizeBaseURL(creds.BaseURL)

	var doc sessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, newError(CodePersist, "could not decode session", 0, err)
	}
	if doc.Format != sessionFormat {
		return nil, newError(CodePersist, fmt.Sprintf("unsupported session format %d", doc.Format), 0, nil)
	}
	if doc.Fingerprint != creds.Fingerprint() {
		return nil, newError(CodeSessionMismatch, ErrSessionMismatch.Message, 0, nil)
	}

	cookies := doc.Cookies
	if cookies == nil {
		cookies = NewCookieStore()
	}
	userAgent := doc.UserAgent
	if userAgent == "" {
		userAgent = pickUserAgent()
	}
	lastURL := doc.LastURL
	if lastURL == "" {
		lastURL = creds.BaseURL
	}

	s := &Session{
		creds:             creds,
		baseURL:           creds.BaseURL,
		userAgent:         userAgent,
		cookies:           cookies,
		authenticityToken: doc.AuthenticityToken,
		csrfToken:         doc.CSRFToken,
		accessToken:       doc.AccessToken,
		bootstrap:         doc.Bootstrap,
		lastURL:           lastURL,
		loggedIn:          doc.LoggedIn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadSession reads a session file written by Save.
func LoadSession(path string, creds Credentials, opts ...SessionOption) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(CodePersist, "could not read session file", 0, err)
	}
	return RestoreSession(data, creds, opts...)
}

func fingerprint(email, password, baseURL string) string {
	d := xxhash.New()
	_, _ = d.WriteString(email)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(password)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(baseURL)
	return fmt.Sprintf("%016x", d.Sum64())
}
