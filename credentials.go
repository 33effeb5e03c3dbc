package gablib

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	oaierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
)

// Default environment variable names read by [DefaultEnvCredentials].
const (
	DefaultEmailEnv    = "MASTODON_USEREMAIL"
	DefaultPasswordEnv = "MASTODON_PASSWORD"
	DefaultBaseURLEnv  = "MASTODON_BASEURL"
)

// Credentials identify an account on a site.
type Credentials struct {
	Email    string
	Password string
	BaseURL  string
}

// EnvNames names the environment variables holding each credential.
type EnvNames struct {
	Email    string
	Password string
	BaseURL  string
}

// DefaultEnvNames returns the default environment variable names.
func DefaultEnvNames() EnvNames {
	return EnvNames{
		Email:    DefaultEmailEnv,
		Password: DefaultPasswordEnv,
		BaseURL:  DefaultBaseURLEnv,
	}
}

// EnvCredentials reads credentials from the named environment variables and
// validates them. Empty names fall back to the defaults.
func EnvCredentials(names EnvNames) (Credentials, error) {
	def := DefaultEnvNames()
	if names.Email == "" {
		names.Email = def.Email
	}
	if names.Password == "" {
		names.Password = def.Password
	}
	if names.BaseURL == "" {
		names.BaseURL = def.BaseURL
	}

	creds := Credentials{
		Email:    os.Getenv(names.Email),
		Password: os.Getenv(names.Password),
		BaseURL:  os.Getenv(names.BaseURL),
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, newError(CodeConfig,
			fmt.Sprintf("environment values missing or invalid: %s, %s, %s", names.Email, names.Password, names.BaseURL),
			0, errorCause(err))
	}
	return creds, nil
}

// DefaultEnvCredentials reads credentials from MASTODON_USEREMAIL,
// MASTODON_PASSWORD and MASTODON_BASEURL.
func DefaultEnvCredentials() (Credentials, error) {
	return EnvCredentials(DefaultEnvNames())
}

// Validate checks that all three values are present, that the email is a
// valid address and that the base URL is an absolute http(s) URL.
func (c Credentials) Validate() error {
	var errs []error

	if v := validate.RequiredString("email", "credentials", c.Email); v != nil {
		errs = append(errs, v)
	} else if v := validate.FormatOf("email", "credentials", "email", c.Email, strfmt.Default); v != nil {
		errs = append(errs, v)
	}

	if v := validate.RequiredString("password", "credentials", c.Password); v != nil {
		errs = append(errs, v)
	}

	if v := validate.RequiredString("baseUrl", "credentials", c.BaseURL); v != nil {
		errs = append(errs, v)
	} else if !isSiteURL(c.BaseURL) {
		errs = append(errs, oaierrors.InvalidType("baseUrl", "credentials", "absolute http(s) URL", c.BaseURL))
	}

	if len(errs) > 0 {
		return newError(CodeConfig, "invalid credentials", 0, oaierrors.CompositeValidationError(errs...))
	}
	return nil
}

// Fingerprint identifies the credentials without revealing them. It is a
// fast non-cryptographic hash used only to stop a session file from being
// loaded for a different account.
func (c Credentials) Fingerprint() string {
	return fingerprint(c.Email, c.Password, normalizeBaseURL(c.BaseURL))
}

func isSiteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// errorCause unwraps a gablib error to the error it carries.
func errorCause(err error) error {
	if e, ok := err.(*Error); ok && e.Cause != nil {
		return e.Cause
	}
	return err
}
