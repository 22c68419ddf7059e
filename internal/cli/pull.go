package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/offline"
)

type PullOptions struct {
	*RootOptions
	Since       string
	EntityTypes []string
	Limit       int
	All         bool
}

type pullResult struct {
	Entries       []*domain.SyncEntry `json:"entries"`
	HasMore       bool                `json:"has_more"`
	SyncTimestamp time.Time           `json:"sync_timestamp"`
}

func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch changes other clients made since a cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var since time.Time
			if opts.Since != "" {
				t, err := time.Parse(time.RFC3339Nano, opts.Since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				since = t
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireToken(); err != nil {
				return err
			}

			res, err := pullChanges(ctx, s.api, s.cfg.ClientID, opts.EntityTypes, since, opts.Limit, opts.All)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Success(res, func(w io.Writer) {
				printEntries(w, res.Entries)
				fmt.Fprintf(w, "cursor: %s", res.SyncTimestamp.Format(time.RFC3339Nano))
				if res.HasMore {
					fmt.Fprint(w, " (more available)")
				}
				fmt.Fprintln(w)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "cursor (RFC3339); from the beginning when empty")
	cmd.Flags().StringSliceVar(&opts.EntityTypes, "types", nil, "entity types; all when empty")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size; server default when zero")
	cmd.Flags().BoolVar(&opts.All, "all", false, "follow pages until the feed is exhausted")

	return cmd
}

func pullChanges(ctx context.Context, api *offline.API, clientID string, types []string, since time.Time, limit int, all bool) (*pullResult, error) {
	res := &pullResult{Entries: []*domain.SyncEntry{}, SyncTimestamp: since}
	for {
		page, err := api.Pull(ctx, &domain.PullRequest{
			ClientID:          clientID,
			EntityTypes:       types,
			LastSyncTimestamp: res.SyncTimestamp,
			Limit:             limit,
		})
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, page.Entries...)
		res.HasMore = page.HasMore
		res.SyncTimestamp = page.SyncTimestamp

		if !all || !page.HasMore {
			return res, nil
		}
	}
}

func printEntries(w io.Writer, entries []*domain.SyncEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYNC ID\tENTITY\tOP\tVERSION\tSTATUS\tCLIENT\tSERVER TIME")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%d\t%s\t%s\t%s\n", e.SyncID, e.EntityType, e.EntityID, e.Operation,
			e.Version, e.Status, e.ClientID, e.ServerTimestamp.Format(time.RFC3339Nano))
	}
	tw.Flush()
}
