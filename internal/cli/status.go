package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/offline"
)

type statusReport struct {
	ClientID   string                 `json:"client_id"`
	Online     bool                   `json:"online"`
	Queue      offline.Counts         `json:"queue"`
	LastSyncAt *time.Time             `json:"last_sync_at,omitempty"`
	Server     *domain.StatusResponse `json:"server,omitempty"`
	ServerErr  string                 `json:"server_error,omitempty"`
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local queue state and the server's view of this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			report := statusReport{
				ClientID:   s.cfg.ClientID,
				Online:     s.monitor.Probe(ctx),
				Queue:      s.queue.Counts(),
				LastSyncAt: s.queue.LastSyncAt(),
			}
			if report.Online && s.cfg.Token != "" {
				if report.Server, err = s.api.Status(ctx, s.cfg.ClientID); err != nil {
					report.ServerErr = err.Error()
				}
			}

			return newFormatter(rootOpts, cmd).Success(report, func(w io.Writer) {
				state := "offline"
				if report.Online {
					state = "online"
				}
				fmt.Fprintf(w, "client %s is %s\n", report.ClientID, state)
				fmt.Fprintf(w, "queue: %d pending, %d syncing, %d failed, %d conflict\n",
					report.Queue.Pending, report.Queue.Syncing, report.Queue.Failed, report.Queue.Conflict)
				if report.LastSyncAt != nil {
					fmt.Fprintf(w, "last drain: %s\n", report.LastSyncAt.Local().Format(time.DateTime))
				}
				switch {
				case report.Server != nil:
					fmt.Fprintf(w, "server: %d pending entries, %d unresolved conflicts\n",
						report.Server.PendingEntries, report.Server.UnresolvedConflicts)
				case report.ServerErr != "":
					fmt.Fprintf(w, "server: %s\n", report.ServerErr)
				}
			})
		},
	}
}
