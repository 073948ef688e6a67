package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ent0n29/parley/internal/app"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/reliability"
)

func newAskCmd() *cobra.Command {
	var (
		userID    string
		sessionID string
		attempts  int
	)

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one turn and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			rt, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Cleanup() }()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			req := dispatch.Request{
				UserID:    userID,
				SessionID: sessionID,
				Message:   strings.Join(args, " "),
			}
			out := cmd.OutOrStdout()

			var res *dispatch.Result
			err = reliability.Retry(cmd.Context(), attempts, 500*time.Millisecond, 5*time.Second, func(attempt int) error {
				streamed := false
				r, err := rt.Dispatcher.Dispatch(cmd.Context(), req, func(fragment string) error {
					streamed = true
					_, werr := fmt.Fprint(out, fragment)
					return werr
				})
				if err != nil && streamed && reliability.IsRetryable(err) {
					// Part of the reply is already on the terminal.
					return fmt.Errorf("reply interrupted: %v", err)
				}
				if err != nil && dispatch.ReasonOf(err) != dispatch.ReasonPersistPartial {
					if reliability.IsRetryable(err) {
						rt.Logger.WithError(err).WithField("attempt", attempt).Warn("turn failed, retrying")
					}
					return err
				}
				res = r
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			if res.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Warning)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", res.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli", "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (random when empty)")
	cmd.Flags().IntVar(&attempts, "attempts", 3, "attempts for retryable failures")
	return cmd
}
