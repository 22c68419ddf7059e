package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"factoryos-sync/internal/offline"
	syncws "factoryos-sync/internal/websocket"
)

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var noNotify bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected: drain the queue on reconnect and print incoming changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireToken(); err != nil {
				return err
			}

			out := newFormatter(rootOpts, cmd)
			auto := offline.NewAutoSync(s.executor, s.monitor, s.queue, offline.StaticToken(s.cfg.Token), s.cfg.SyncInterval)
			auto.OnResult = func(r offline.SyncResult) {
				out.Success(map[string]any{"event": "drain", "result": r}, func(w io.Writer) {
					fmt.Fprintf(w, "drain: synced %d, failed %d, conflicts %d\n", r.Synced, r.Failed, r.Conflicts)
				})
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { s.monitor.Run(gctx); return nil })
			g.Go(func() error { auto.Run(gctx); return nil })

			if !noNotify {
				notifier, err := offline.NewNotifier(s.cfg.ServerURL, s.cfg.Token, s.cfg.ClientID)
				if err != nil {
					return err
				}
				changes := make(chan struct{}, 1)
				g.Go(func() error {
					return notifier.Listen(gctx, func(syncws.ChangesAvailablePayload) {
						select {
						case changes <- struct{}{}:
						default:
						}
					})
				})
				g.Go(func() error {
					return followChanges(gctx, s, out, changes)
				})
			}

			log.Printf("[Sync] watching %s as %s", s.cfg.ServerURL, s.cfg.ClientID)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "do not open the notification channel")

	return cmd
}

// followChanges pulls from the moment watching started each time the server
// announces new entries.
func followChanges(ctx context.Context, s *session, out *OutputFormatter, changes <-chan struct{}) error {
	cursor := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			res, err := pullChanges(ctx, s.api, s.cfg.ClientID, nil, cursor, 0, true)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[Sync] pull after notification failed: %v", err)
				continue
			}
			cursor = res.SyncTimestamp
			if len(res.Entries) == 0 {
				continue
			}
			out.Success(map[string]any{"event": "changes", "entries": res.Entries}, func(w io.Writer) {
				printEntries(w, res.Entries)
			})
		}
	}
}
