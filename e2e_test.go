//go:build e2e

// End-to-end tests against a real site.
//
// They read MASTODON_USEREMAIL, MASTODON_PASSWORD and MASTODON_BASEURL,
// optionally from a .env file, and are skipped when any is missing:
//
//	go test -tags e2e -run E2E ./...
//
// Set GABLIB_BROWSER to a tls-client profile name (or "default") when the
// site rejects the Go TLS fingerprint. GABLIB_E2E_POST=1 also runs the test
// that publishes and deletes a status.
package gablib_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomblancdev/gablib-go"
)

func e2eCredentials(t *testing.T) gablib.Credentials {
	t.Helper()
	_ = godotenv.Load()
	creds, err := gablib.DefaultEnvCredentials()
	if err != nil {
		t.Skipf("Skipping: %v", err)
	}
	return creds
}

func e2eClient(t *testing.T) *gablib.Client {
	t.Helper()
	opts := []gablib.Option{gablib.WithTimeout(30 * time.Second)}
	if profile := os.Getenv("GABLIB_BROWSER"); profile != "" {
		if profile == "default" {
			profile = ""
		}
		opts = append(opts, gablib.WithBrowserProfile(profile, os.Getenv("HTTPS_PROXY")))
	}
	client, err := gablib.NewClient(opts...)
	require.NoError(t, err)
	return client
}

// e2eSession logs in once per test binary run and keeps the session in a
// temporary file.
func e2eSession(t *testing.T, client *gablib.Client) *gablib.Session {
	t.Helper()
	path := filepath.Join(os.TempDir(), "gablib-e2e-session.json")
	sess, err := client.Resume(newTestContext(t), e2eCredentials(t), path)
	require.NoError(t, err)
	return sess
}

// TestE2E_Login tests signing in and the bootstrap state.
func TestE2E_Login(t *testing.T) {
	client := e2eClient(t)
	sess := e2eSession(t, client)

	assert.True(t, sess.LoggedIn())
	assert.NotEmpty(t, sess.AccessToken())
	assert.NotEmpty(t, sess.Bootstrap().Meta.Me)
	assert.NotNil(t, sess.MyAccount())
	t.Logf("server version %q: %s", sess.ServerVersion(), gablib.CheckCompatibility(sess.ServerVersion()).Status)
}

// TestE2E_WrongPassword tests that bad credentials fail without a session.
func TestE2E_WrongPassword(t *testing.T) {
	creds := e2eCredentials(t)
	creds.Password += "-wrong"

	sess, err := e2eClient(t).Login(newTestContext(t), creds)

	require.Error(t, err)
	assert.Nil(t, sess)
	assert.True(t, errors.Is(err, gablib.ErrLoginFailed), "got %v", err)
}

// TestE2E_Notifications tests an authenticated read.
func TestE2E_Notifications(t *testing.T) {
	client := e2eClient(t)
	sess := e2eSession(t, client)

	res, err := client.GetNotifications(newTestContext(t), sess, gablib.NotificationOptions{})

	require.NoError(t, err)
	assert.True(t, res.OK, "status %d", res.Status)
}

// TestE2E_Search tests the search endpoint.
func TestE2E_Search(t *testing.T) {
	client := e2eClient(t)
	sess := e2eSession(t, client)

	res, err := client.Search(newTestContext(t), sess, "news", gablib.SearchOptions{Type: gablib.SearchAccount})

	require.NoError(t, err)
	assert.True(t, res.OK, "status %d", res.Status)
}

// TestE2E_PublicAccount tests a public call without a session.
func TestE2E_PublicAccount(t *testing.T) {
	creds := e2eCredentials(t)
	client := e2eClient(t)
	sess := e2eSession(t, client)

	res, err := client.GetAccountByID(newTestContext(t), creds.BaseURL, sess.Bootstrap().Meta.Me)

	require.NoError(t, err)
	assert.True(t, res.OK, "status %d", res.Status)
}

// TestE2E_Stream tests that the stream accepts the session. It reads for a
// few seconds; a quiet account may deliver nothing.
func TestE2E_Stream(t *testing.T) {
	client := e2eClient(t)
	sess := e2eSession(t, client)

	stream, err := client.Stream(newTestContext(t), sess)
	require.NoError(t, err)
	time.AfterFunc(5*time.Second, func() { _ = stream.Close() })

	for stream.Next() {
		t.Logf("event %s: %d bytes", stream.Event().Name(), len(stream.Event().Raw))
	}
	assert.NoError(t, stream.Err())
}

// TestE2E_PostAndDelete tests publishing a status and deleting it again.
func TestE2E_PostAndDelete(t *testing.T) {
	if os.Getenv("GABLIB_E2E_POST") != "1" {
		t.Skip("Skipping: set GABLIB_E2E_POST=1 to publish a status")
	}
	client := e2eClient(t)
	sess := e2eSession(t, client)

	created, err := client.CreateStatus(newTestContext(t), sess, "gablib end-to-end test", gablib.StatusOptions{
		Visibility: gablib.VisibilityPrivate,
	})
	require.NoError(t, err)
	require.True(t, created.OK, "status %d", created.Status)

	var status struct {
		ID gablib.ID `json:"id"`
	}
	require.NoError(t, created.Decode(&status))

	deleted, err := client.DeleteStatus(newTestContext(t), sess, status.ID)
	require.NoError(t, err)
	assert.True(t, deleted.OK, "status %d", deleted.Status)
}
