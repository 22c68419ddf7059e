package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"factoryos-sync/internal/offline"
)

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage locally queued mutations",
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))

	return cmd
}

func parseStatuses(raw []string) ([]offline.MutationStatus, error) {
	var out []offline.MutationStatus
	for _, r := range raw {
		s := offline.MutationStatus(strings.ToLower(strings.TrimSpace(r)))
		switch s {
		case offline.StatusPending, offline.StatusSyncing, offline.StatusFailed, offline.StatusConflict:
			out = append(out, s)
		default:
			return nil, fmt.Errorf("invalid status %q", r)
		}
	}
	return out, nil
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		statuses   []string
		entityType string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatuses(statuses)
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			list := s.queue.List(offline.Filter{Statuses: st, EntityType: entityType})
			return newFormatter(rootOpts, cmd).Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "queue is empty")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tCREATED\tWHAT\tERROR")
				for _, m := range list {
					what := m.Description
					if what == "" {
						what = m.Method + " " + m.URL
					}
					fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n", m.ID, m.Status, m.Retries, m.MaxRetries,
						m.CreatedAt.Local().Format(time.DateTime), what, m.ErrorMessage)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (pending,syncing,failed,conflict)")
	cmd.Flags().StringVar(&entityType, "type", "", "only this entity type")

	return cmd
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Return failed or conflicting mutations to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				if err := s.queue.Retry(id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return newFormatter(rootOpts, cmd).Success(map[string]any{"retried": args}, func(w io.Writer) {
				fmt.Fprintf(w, "%d mutation(s) back to pending\n", len(args))
			})
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>...",
		Short: "Drop mutations from the queue without sending them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				if err := s.queue.Discard(id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return newFormatter(rootOpts, cmd).Success(map[string]any{"discarded": args}, func(w io.Writer) {
				fmt.Fprintf(w, "%d mutation(s) discarded\n", len(args))
			})
		},
	}
}

func newQueueClearCommand(rootOpts *RootOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queued mutations, all of them unless --status is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatuses(statuses)
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			n := s.queue.Clear(st...)
			return newFormatter(rootOpts, cmd).Success(map[string]any{"removed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d mutation(s)\n", n)
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses")

	return cmd
}
