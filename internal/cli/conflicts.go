package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"factoryos-sync/internal/domain"
)

func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve server-side conflicts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the tenant's unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireToken(); err != nil {
				return err
			}

			resp, err := s.api.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Success(resp.Conflicts, func(w io.Writer) {
				printEntries(w, resp.Conflicts)
			})
		},
	})
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))

	return cmd
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		resolution string
		merged     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <sync-id>",
		Short: "Resolve a conflict with accept_client, accept_server or merge",
		Example: `  syncctl conflicts resolve 5c1d... --resolution accept_client
  syncctl conflicts resolve 5c1d... --resolution merge --merged '{"state":"idle"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &domain.ResolveConflictRequest{Resolution: domain.ManualResolution(resolution)}
			switch req.Resolution {
			case domain.AcceptClient, domain.AcceptServer:
			case domain.AcceptMerged:
				if merged == "" || !json.Valid([]byte(merged)) {
					return fmt.Errorf("--merged must be valid JSON for a merge")
				}
				req.MergedData = json.RawMessage(merged)
			default:
				return fmt.Errorf("invalid resolution %q", resolution)
			}

			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireToken(); err != nil {
				return err
			}

			resp, err := s.api.Resolve(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Success(resp.Entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s is now %s (%s), server version %d\n",
					resp.Entry.SyncID, resp.Entry.Status, resp.Entry.Resolution, resp.Entry.ServerVersion)
			})
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "accept_client | accept_server | merge")
	cmd.Flags().StringVar(&merged, "merged", "", "merged payload as JSON (merge only)")
	cmd.MarkFlagRequired("resolution")

	return cmd
}
