// Command gabctl signs in to a Gab-style site and exercises the gablib API
// from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomblancdev/gablib-go"
)

const appName = "gabctl"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// app holds the global flags and what PersistentPreRunE builds from them.
type app struct {
	envFile     string
	emailEnv    string
	passwordEnv string
	baseURLEnv  string
	sessionPath string
	timeout     time.Duration
	browser     string
	logLevel    string
	logFormat   string

	logger *zap.Logger
	client *gablib.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Command-line client for Gab and Mastodon-derived sites",
		Long: `gabctl signs in through the site's login form and calls its API.

Credentials come from the environment (MASTODON_USEREMAIL, MASTODON_PASSWORD,
MASTODON_BASEURL by default), optionally loaded from a .env file. With
--session the signed-in session is kept in a file and reused.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading credentials")
	flags.StringVar(&a.emailEnv, "email-env", gablib.DefaultEmailEnv, "environment variable holding the account email")
	flags.StringVar(&a.passwordEnv, "password-env", gablib.DefaultPasswordEnv, "environment variable holding the password")
	flags.StringVar(&a.baseURLEnv, "baseurl-env", gablib.DefaultBaseURLEnv, "environment variable holding the site URL")
	flags.StringVar(&a.sessionPath, "session", "", "session file to resume from and keep up to date")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "per-request timeout")
	flags.StringVar(&a.browser, "browser", "", `send requests with a browser TLS fingerprint ("default" or a profile name such as chrome_133)`)
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "console", "log format (console, json)")

	cmd.AddCommand(
		newLoginCmd(a),
		newRefreshCmd(a),
		newWhoamiCmd(a),
		newStreamCmd(a),
		newSearchCmd(a),
		newNotificationsCmd(a),
		newPostCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	if err := godotenv.Load(a.envFile); err != nil {
		// The default file is optional; an explicit one is not.
		if cmd.Flags().Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}

	logger, err := newLogger(a.logLevel, a.logFormat)
	if err != nil {
		return err
	}
	a.logger = logger.Named(appName)

	opts := []gablib.Option{
		gablib.WithTimeout(a.timeout),
		gablib.WithLogger(a.logger),
	}
	if a.browser != "" {
		profile := a.browser
		if profile == "default" {
			profile = ""
		}
		opts = append(opts, gablib.WithBrowserProfile(profile, os.Getenv("HTTPS_PROXY")))
	}

	a.client, err = gablib.NewClient(opts...)
	return err
}

func newLogger(level, format string) (*zap.Logger, error) {
	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), atom)
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel)), nil
}

func (a *app) credentials() (gablib.Credentials, error) {
	return gablib.EnvCredentials(gablib.EnvNames{
		Email:    a.emailEnv,
		Password: a.passwordEnv,
		BaseURL:  a.baseURLEnv,
	})
}

// session resumes the session file when one is configured and logs in
// otherwise.
func (a *app) session(ctx context.Context) (*gablib.Session, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	if a.sessionPath != "" {
		return a.client.Resume(ctx, creds, a.sessionPath)
	}
	return a.client.Login(ctx, creds)
}
