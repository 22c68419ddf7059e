package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the local queue once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.requireToken(); err != nil {
				return err
			}
			if !s.monitor.Probe(ctx) {
				return fmt.Errorf("server %s is unreachable; %d mutations stay queued", s.cfg.ServerURL, s.queue.Counts().Waiting())
			}

			result := s.executor.SyncQueue(ctx, s.cfg.Token)
			counts := s.queue.Counts()
			return newFormatter(rootOpts, cmd).Success(map[string]any{
				"result": result,
				"queue":  counts,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "synced %d, failed %d, conflicts %d\n", result.Synced, result.Failed, result.Conflicts)
				fmt.Fprintf(w, "queue: %d waiting, %d need attention\n", counts.Waiting(), counts.NeedsAttention())
			})
		},
	}
}
