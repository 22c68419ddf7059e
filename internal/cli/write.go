package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/offline"
)

type WriteOptions struct {
	*RootOptions
	EntityType string
	EntityID   string
	Operation  string
	Payload    string
	Version    int64
	Strategy   string
}

func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Push one entity change, queueing it when the server is unreachable",
		Example: `  syncctl write --type machine --id m-1 --op UPDATE --version 3 \
    --payload '{"state":"running"}' --strategy FIELD_MERGE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "type", "", "entity type")
	cmd.Flags().StringVar(&opts.EntityID, "id", "", "entity id")
	cmd.Flags().StringVar(&opts.Operation, "op", "UPDATE", "operation (INSERT|UPDATE|DELETE)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "entity payload as JSON")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "version the change is based on")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "conflict strategy; server default when empty")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("id")

	return cmd
}

func runWrite(cmd *cobra.Command, opts *WriteOptions) error {
	op := domain.Operation(strings.ToUpper(opts.Operation))
	switch op {
	case domain.OperationInsert, domain.OperationUpdate, domain.OperationDelete:
	default:
		return fmt.Errorf("invalid operation %q", opts.Operation)
	}

	var strategy domain.Strategy
	if opts.Strategy != "" {
		s, ok := domain.ParseStrategy(opts.Strategy)
		if !ok {
			return fmt.Errorf("invalid strategy %q", opts.Strategy)
		}
		strategy = s
	}

	var payload json.RawMessage
	if opts.Payload != "" {
		if !json.Valid([]byte(opts.Payload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		payload = json.RawMessage(opts.Payload)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := offline.NewPushMutation(s.cfg.ClientID, s.cfg.DeviceInfo, domain.PushEntry{
		EntityType: opts.EntityType,
		EntityID:   opts.EntityID,
		Operation:  op,
		Payload:    payload,
		Version:    opts.Version,
	}, strategy)
	if err != nil {
		return err
	}
	m.MaxRetries = s.cfg.MaxRetries

	s.monitor.Probe(ctx)
	res, err := s.client.Perform(ctx, m)
	if err != nil {
		return err
	}

	return newFormatter(opts.RootOptions, cmd).Success(res, func(w io.Writer) {
		if res.Queued {
			fmt.Fprintf(w, "queued %s", res.MutationID)
			if res.Message != "" {
				fmt.Fprintf(w, " (%s)", res.Message)
			}
			fmt.Fprintln(w)
			return
		}
		fmt.Fprintf(w, "sent %s\n", res.MutationID)
	})
}
