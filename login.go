package gablib

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const signInPath = "/auth/sign_in"

// Login turns credentials into an authenticated session.
//
// It fetches the sign-in page for the form tokens, posts the credentials
// (the server answers 302 on success), then loads the landing page to pick
// up the bearer token and bootstrap state; see [Client.RefreshSession].
// Any failing step aborts the login and no session is returned.
//
// Redirects are never followed. The cookies set by the 302 are carried to
// the landing page by the session itself.
func (c *Client) Login(ctx context.Context, creds Credentials, opts ...SessionOption) (*Session, error) {
	sess, err := NewSession(creds, opts...)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(zap.String("base_url", sess.baseURL))
	signInURL := sess.URL(signInPath)

	// Step 1: sign-in page.
	page, err := c.Send(ctx, sess, &Request{URL: signInURL, Kind: BodyForm})
	if err != nil {
		return nil, wrapStep(err, "could not request sign-in page")
	}
	if !page.OK {
		return nil, newError(CodeProtocol, fmt.Sprintf("sign-in page returned status %d", page.Status), page.Status, nil)
	}
	tokens, err := c.extractor.Extract(pageText(page))
	if err != nil {
		return nil, wrapStep(err, "could not read sign-in page")
	}
	sess.applyTokens(tokens)
	sess.lastURL = signInURL
	if sess.authenticityToken == "" {
		return nil, newError(CodeProtocol, "sign-in page has no authenticity token", page.Status, nil)
	}
	log.Info("fetched sign-in page")

	// Step 2: credentials. Success is the redirect itself.
	result, err := c.Send(ctx, sess, &Request{
		URL:    signInURL,
		Method: http.MethodPost,
		Kind:   BodyForm,
		Body: Form{
			"authenticity_token": sess.authenticityToken,
			"user[email]":        sess.creds.Email,
			"user[password]":     sess.creds.Password,
		},
		Expect: []int{http.StatusFound},
	})
	if err != nil {
		return nil, wrapStep(err, "could not post sign-in form")
	}
	if !result.OK {
		return nil, newError(CodeLoginFailed,
			fmt.Sprintf("expected a redirect after sign-in, got status %d; check the credentials", result.Status),
			result.Status, nil)
	}
	log.Info("credentials accepted")

	// Steps 3 and 4: the landing page is requested directly with the new
	// cookies instead of following the Location header.
	if err := c.RefreshSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RefreshSession reloads the authenticated landing page and replaces the
// session's tokens and bootstrap state with what it carries. It is the last
// step of [Client.Login] and can be used on its own to pick up a new bearer
// token while the cookies are still valid.
func (c *Client) RefreshSession(ctx context.Context, sess *Session) error {
	if sess == nil {
		return newError(CodeBadRequest, "session is required", 0, nil)
	}

	page, err := c.Send(ctx, sess, &Request{URL: sess.URL("/"), Kind: BodyForm})
	if err != nil {
		return wrapStep(err, "could not obtain authenticated page")
	}
	if !page.OK {
		return newError(CodeLoginFailed,
			fmt.Sprintf("authenticated page returned status %d", page.Status), page.Status, nil)
	}

	tokens, err := c.extractor.Extract(pageText(page))
	if err != nil {
		return wrapStep(err, "could not read authenticated page")
	}
	if tokens.Bootstrap == nil {
		return newError(CodeProtocol, "authenticated page has no initial state", page.Status, nil)
	}
	if tokens.AccessToken == "" {
		return newError(CodeProtocol, "initial state has no access token", page.Status, nil)
	}

	sess.applyTokens(tokens)
	sess.loggedIn = true
	c.persist(sess)

	c.logger.Info("session refreshed",
		zap.String("base_url", sess.baseURL),
		zap.String("account_id", sess.bootstrap.Meta.Me.String()),
		zap.String("server_version", sess.ServerVersion()))
	c.checkServerVersion(sess.ServerVersion())
	return nil
}

// Resume returns a logged-in session persisted at path. A stored session
// for the same credentials is refreshed; when there is none, it does not
// match, or its refresh fails, a full login is performed. The returned
// session keeps saving itself to path.
func (c *Client) Resume(ctx context.Context, creds Credentials, path string) (*Session, error) {
	if path == "" {
		return nil, newError(CodeBadRequest, "session path is required", 0, nil)
	}

	sess, err := LoadSession(path, creds, WithPersistPath(path))
	switch {
	case err == nil:
		refreshErr := c.RefreshSession(ctx, sess)
		if refreshErr == nil {
			return sess, nil
		}
		if errors.Is(refreshErr, ErrTimeout) || errors.Is(refreshErr, ErrTransport) {
			return nil, refreshErr
		}
		c.logger.Info("stored session is stale, logging in again", zap.Error(refreshErr))
	case errors.Is(err, ErrConfig):
		return nil, err
	default:
		c.logger.Info("no usable stored session, logging in", zap.String("path", path), zap.Error(err))
	}

	return c.Login(ctx, creds, WithPersistPath(path))
}

// checkServerVersion logs when the site reports a version outside the
// supported range. Sites that do not report a version are not flagged.
func (c *Client) checkServerVersion(version string) {
	if version == "" {
		return
	}
	result := CheckCompatibility(version)
	if result.Status != Compatible {
		c.logger.Warn("server version outside supported range",
			zap.String("server_version", version),
			zap.String("supported_range", result.SupportedRange),
			zap.String("status", result.Status.String()))
	}
}

// wrapStep prefixes a step failure while keeping its code.
func wrapStep(err error, message string) error {
	var e *Error
	if errors.As(err, &e) {
		return newError(e.Code, message+": "+e.Message, e.Status, e.Cause)
	}
	return handleError(err, message)
}

func pageText(r *Response) string {
	if s, ok := r.Content.(string); ok {
		return s
	}
	return r.Text()
}
