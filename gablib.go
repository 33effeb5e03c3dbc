// Package gablib provides a Go client for Gab and other Mastodon-derived
// sites that offer no public OAuth application registration.
//
// The client signs in through the site's HTML login form, keeps the
// resulting cookies, CSRF token and bearer token in a [Session], and sends
// every REST call and the server-push event stream through one transport.
//
// # Installation
//
//	go get github.com/tomblancdev/gablib-go
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/tomblancdev/gablib-go"
//	)
//
//	func main() {
//	    client, err := gablib.NewClient()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Reads MASTODON_USEREMAIL, MASTODON_PASSWORD and MASTODON_BASEURL.
//	    creds, err := gablib.DefaultEnvCredentials()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    sess, err := client.Login(context.Background(), creds)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    res, err := client.GetNotifications(context.Background(), sess, gablib.NotificationOptions{})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if !res.OK {
//	        log.Fatalf("notifications: status %d", res.Status)
//	    }
//	    fmt.Println(res.Content)
//	}
//
// # Client Configuration
//
// The client is configured with functional options:
//
//	client, err := gablib.NewClient(
//	    gablib.WithTimeout(10*time.Second),
//	    gablib.WithLogger(logger),
//	    gablib.WithMetrics(prometheus.DefaultRegisterer),
//	)
//
// # Responses and Errors
//
// Every call returns a [Response] envelope. A status outside the expected
// set is not an error: the envelope comes back with OK set to false so the
// caller can branch on routine 403 or 404 answers.
//
// Errors are reserved for failures that abort the operation: bad
// configuration, network failures, and pages whose markup no longer
// matches what the login flow expects. They are all *[Error] values:
//
//	sess, err := client.Login(ctx, creds)
//	if err != nil {
//	    var apiErr *gablib.Error
//	    if errors.As(err, &apiErr) {
//	        switch apiErr.Code {
//	        case gablib.CodeLoginFailed:
//	            // Wrong credentials
//	        case gablib.CodeProtocol:
//	            // The site changed its markup
//	        }
//	    }
//	}
//
// # Session Persistence
//
// A session can save itself after every successful call and be resumed
// later without posting the credentials again:
//
//	sess, err := client.Resume(ctx, creds, "session.json")
//
// The file stores a fingerprint of the credentials and is rejected when
// loaded with different ones.
//
// # Thread Safety
//
// The [Client] is safe for concurrent use. A [Session] is not: every call
// updates its cookies and referer, so callers sharing one session across
// goroutines must serialize access.
//
// # Streaming
//
// [Client.Stream] opens one connection and yields frames. [Client.Subscribe]
// adds bounded reconnects and delivers frames, errors and reconnect notices
// on a channel until the context is cancelled.
package gablib
