package gablib_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomblancdev/gablib-go"
)

const (
	testEmail       = "alice@example.com"
	testPassword    = "correct horse battery staple"
	testAuthToken   = "auth-token-123"
	testCSRFBefore  = "csrf-sign-in"
	testCSRFAfter   = "csrf-landing"
	testAccessToken = "bearer-xyz"
	testUserAgent   = "gablib-test/1.0"
)

// testBootstrap is the bootstrap state served on the landing page.
const testBootstrap = `{
  "meta": {"access_token": "bearer-xyz", "me": "42", "version": "4.2.1", "blocked_by": [7, "8"]},
  "compose": {"default_privacy": "private", "default_sensitive": true, "default_status_expiration": "one_day"},
  "accounts": {"42": {"id": "42", "username": "alice"}}
}`

// mustEncode encodes v as JSON and writes it to w.
// Panics on error - safe in tests since errors indicate test bugs.
func mustEncode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic("failed to encode response: " + err.Error())
	}
}

// mustDecode decodes JSON from r.Body into v.
// Panics on error - safe in tests since errors indicate test bugs.
func mustDecode(r *http.Request, v any) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		panic("failed to decode request: " + err.Error())
	}
}

func testCreds(baseURL string) gablib.Credentials {
	return gablib.Credentials{Email: testEmail, Password: testPassword, BaseURL: baseURL}
}

func newTestClient(t *testing.T, opts ...gablib.Option) *gablib.Client {
	t.Helper()
	opts = append([]gablib.Option{gablib.WithTimeout(5 * time.Second)}, opts...)
	client, err := gablib.NewClient(opts...)
	require.NoError(t, err)
	return client
}

func newTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// loggedInSession restores a logged-in session for baseURL without going
// through the login pages.
func loggedInSession(t *testing.T, baseURL string, opts ...gablib.SessionOption) *gablib.Session {
	t.Helper()
	creds := testCreds(baseURL)
	doc := map[string]any{
		"format":          1,
		"fingerprint":     creds.Fingerprint(),
		"base_url":        baseURL,
		"user_agent":      testUserAgent,
		"csrf_token":      testCSRFAfter,
		"access_token":    testAccessToken,
		"bootstrap_state": json.RawMessage(testBootstrap),
		"last_url":        baseURL + "/",
		"logged_in":       true,
		"cookies":         map[string]string{"_session_id": "authed"},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	sess, err := gablib.RestoreSession(data, creds, opts...)
	require.NoError(t, err)
	require.True(t, sess.LoggedIn())
	return sess
}

func signInPage(csrf, authToken string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta name="csrf-param" content="authenticity_token">
  <meta name="csrf-token" content="%s">
</head>
<body>
  <form action="/auth/sign_in" method="post">
    <input type="hidden" name="authenticity_token" value="%s">
    <input type="email" name="user[email]">
    <input type="password" name="user[password]">
  </form>
</body>
</html>`, csrf, authToken)
}

func landingPage(csrf, bootstrap string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta content="%s" name="csrf-token">
  <script id="initial-state" type="application/json">%s</script>
</head>
<body><div id="gabsocial"></div></body>
</html>`, csrf, bootstrap)
}

// fakeSite serves the three pages of the login flow plus whatever extra
// handlers a test registers.
type fakeSite struct {
	*httptest.Server
	mux *http.ServeMux

	// postStatus overrides the answer to the credential POST when non-zero.
	postStatus atomic.Int32
	// bootstrap is served on the landing page.
	bootstrap atomic.Pointer[string]

	signInGets atomic.Int32
	signInPost atomic.Int32
	landing    atomic.Int32
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	site := &fakeSite{mux: http.NewServeMux()}
	site.setBootstrap(testBootstrap)

	site.mux.HandleFunc("GET /auth/sign_in", func(w http.ResponseWriter, r *http.Request) {
		site.signInGets.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: "anonymous", Path: "/", HttpOnly: true})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(signInPage(testCSRFBefore, testAuthToken)))
	})

	site.mux.HandleFunc("POST /auth/sign_in", func(w http.ResponseWriter, r *http.Request) {
		site.signInPost.Add(1)
		if status := int(site.postStatus.Load()); status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(signInPage(testCSRFBefore, testAuthToken)))
			return
		}
		if err := r.ParseForm(); err != nil ||
			r.PostForm.Get("authenticity_token") != testAuthToken ||
			r.PostForm.Get("user[email]") != testEmail ||
			r.PostForm.Get("user[password]") != testPassword {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(signInPage(testCSRFBefore, testAuthToken)))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: "authed", Path: "/", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: "remember_user_token", Value: "remember", Path: "/"})
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusFound)
	})

	site.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		site.landing.Add(1)
		if c, err := r.Cookie("_session_id"); err != nil || c.Value != "authed" {
			w.Header().Set("Location", "/auth/sign_in")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(landingPage(testCSRFAfter, *site.bootstrap.Load())))
	})

	site.Server = httptest.NewServer(site.mux)
	t.Cleanup(site.Close)
	return site
}

func (s *fakeSite) setBootstrap(state string) {
	s.bootstrap.Store(&state)
}

// handle registers an extra handler that only answers authenticated calls.
func (s *fakeSite) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	})
}
