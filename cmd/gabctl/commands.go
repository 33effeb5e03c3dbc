package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomblancdev/gablib-go"
)

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := a.credentials()
			if err != nil {
				return err
			}
			var opts []gablib.SessionOption
			if a.sessionPath != "" {
				opts = append(opts, gablib.WithPersistPath(a.sessionPath))
			}
			sess, err := a.client.Login(cmd.Context(), creds, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in to %s as account %s (site version %s)\n",
				sess.BaseURL(), sess.Bootstrap().Meta.Me, sess.ServerVersion())
			return nil
		},
	}
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload tokens for the stored session without signing in again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.sessionPath == "" {
				return fmt.Errorf("refresh needs --session")
			}
			creds, err := a.credentials()
			if err != nil {
				return err
			}
			sess, err := gablib.LoadSession(a.sessionPath, creds, gablib.WithPersistPath(a.sessionPath))
			if err != nil {
				return err
			}
			if err := a.client.RefreshSession(cmd.Context(), sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session refreshed for account %s\n", sess.Bootstrap().Meta.Me)
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			account := sess.MyAccount()
			if account == nil {
				return fmt.Errorf("the site did not report the signed-in account")
			}
			return printJSON(cmd.OutOrStdout(), account)
		},
	}
}

func newStreamCmd(a *app) *cobra.Command {
	var (
		reconnect bool
		attempts  int
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow the event stream until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.session(ctx)
			if err != nil {
				return err
			}

			policy := gablib.DefaultReconnectPolicy()
			policy.MaxAttempts = attempts
			events := a.client.Subscribe(ctx, sess, gablib.StreamOptions{
				NoReconnect: !reconnect,
				Reconnect:     &policy,
			})

			out := cmd.OutOrStdout()
			var lastErr error
			for ev := range events {
				switch ev.Kind {
				case gablib.EventMessage:
					fmt.Fprintln(out, ev.Raw)
				case gablib.EventMalformed:
					a.logger.Warn("malformed frame", zap.Int("bytes", len(ev.Raw)))
				case gablib.EventError:
					lastErr = ev.Err
					a.logger.Error("stream error", zap.Error(ev.Err))
				case gablib.EventReconnecting:
					a.logger.Info("reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay))
				case gablib.EventEnded:
					a.logger.Info("stream ended")
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			return lastErr
		},
	}

	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "reconnect after errors")
	cmd.Flags().IntVar(&attempts, "max-attempts", gablib.DefaultReconnectPolicy().MaxAttempts, "consecutive reconnect attempts before giving up")
	return cmd
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		kind     string
		page     int32
		verified bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search the site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			opts := gablib.SearchOptions{Page: page, Type: gablib.SearchType(kind)}
			if cmd.Flags().Changed("verified") {
				opts.OnlyVerified = &verified
			}
			res, err := a.client.Search(cmd.Context(), sess, args[0], opts)
			return printResponse(cmd.OutOrStdout(), res, err)
		},
	}

	cmd.Flags().StringVar(&kind, "type", string(gablib.SearchStatus), "result type (status, account, group, hashtag, link, feed, top, all)")
	cmd.Flags().Int32Var(&page, "page", 0, "result page, starting at 1")
	cmd.Flags().BoolVar(&verified, "verified", false, "only verified accounts")
	return cmd
}

func newNotificationsCmd(a *app) *cobra.Command {
	var (
		maxID, sinceID string
		types          []string
		following      bool
		markRead       bool
	)

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			if markRead {
				res, err := a.client.MarkNotificationsRead(cmd.Context(), sess)
				if err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("mark read: status %d", res.Status)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "notifications marked read")
				return nil
			}

			opts := gablib.NotificationOptions{
				MaxID:         gablib.ID(maxID),
				SinceID:       gablib.ID(sinceID),
				OnlyFollowing: following,
			}
			for _, t := range types {
				opts.Types = append(opts.Types, gablib.NotificationType(t))
			}
			res, err := a.client.GetNotifications(cmd.Context(), sess, opts)
			return printResponse(cmd.OutOrStdout(), res, err)
		},
	}

	cmd.Flags().StringVar(&maxID, "max-id", "", "return notifications older than this id")
	cmd.Flags().StringVar(&sinceID, "since-id", "", "return notifications newer than this id")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only these types (follow, reblog, favourite, poll, mention, group_moderation_event)")
	cmd.Flags().BoolVar(&following, "only-following", false, "only from accounts you follow")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark all notifications read instead of listing them")
	return cmd
}

func newPostCmd(a *app) *cobra.Command {
	var (
		visibility  string
		spoiler     string
		replyTo     string
		media       []string
		pollOptions []string
		pollExpiry  time.Duration
		sensitive   bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "post TEXT",
		Short: "Publish a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := gablib.StatusOptions{
				Visibility: gablib.Visibility(visibility),
				Spoiler:    spoiler,
				ReplyID:    gablib.ID(replyTo),
			}
			if cmd.Flags().Changed("sensitive") {
				opts.Sensitive = &sensitive
			}
			if len(pollOptions) > 0 {
				if len(pollOptions) > gablib.MaxPollOptions {
					return fmt.Errorf("a poll has at most %d options", gablib.MaxPollOptions)
				}
				opts.Poll = gablib.NewPoll(pollOptions...)
				if pollExpiry > 0 && !opts.Poll.SetExpiry(pollExpiry) {
					return fmt.Errorf("poll expiry must be between %s and %s", gablib.MinPollExpiry, gablib.MaxPollExpiry)
				}
			}
			if dryRun {
				return printJSON(cmd.OutOrStdout(), map[string]any{"text": args[0], "options": opts})
			}

			sess, err := a.session(ctx)
			if err != nil {
				return err
			}
			for _, path := range media {
				id, err := upload(cmd, a, sess, path)
				if err != nil {
					return err
				}
				opts.MediaIDs = append(opts.MediaIDs, id)
			}

			res, err := a.client.CreateStatus(ctx, sess, args[0], opts)
			return printResponse(cmd.OutOrStdout(), res, err)
		},
	}

	cmd.Flags().StringVar(&visibility, "visibility", "", "public, private or unlisted (account default when empty)")
	cmd.Flags().StringVar(&spoiler, "spoiler", "", "content warning")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the status to reply to")
	cmd.Flags().StringArrayVar(&media, "media", nil, "file to attach (repeatable)")
	cmd.Flags().StringArrayVar(&pollOptions, "poll-option", nil, "poll choice (repeatable)")
	cmd.Flags().DurationVar(&pollExpiry, "poll-expiry", 0, "how long the poll stays open")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "mark media as sensitive")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the request options instead of posting")
	return cmd
}

func upload(cmd *cobra.Command, a *app, sess *gablib.Session, path string) (gablib.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	res, err := a.client.UploadMedia(cmd.Context(), sess, filepath.Base(path), data)
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", fmt.Errorf("upload %s: status %d", path, res.Status)
	}
	var media struct {
		ID gablib.ID `json:"id"`
	}
	if err := res.Decode(&media); err != nil {
		return "", err
	}
	return media.ID, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (site API %s, supported %s)\n",
				appName, gablib.Version, gablib.APIVersion, gablib.APIVersionRange)
			return nil
		},
	}
}

func printResponse(w io.Writer, res *gablib.Response, err error) error {
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%s: status %d", res.URL, res.Status)
	}
	return printJSON(w, res.Content)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
