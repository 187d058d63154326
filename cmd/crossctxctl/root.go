package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/controlplane/brokersvc"
	"github.com/cordum/crossctx/core/model"
	"github.com/spf13/cobra"
)

const defaultBrokerAddr = "localhost:50080"

// brokerClient is the broker RPC surface used by the CLI.
type brokerClient interface {
	RequestContext(ctx context.Context, in *brokersvc.RequestContextRequest) (model.Result, error)
	CancelRequest(ctx context.Context, requestID, requesterID string) (model.ContextRequest, error)
	RespondApproval(ctx context.Context, requestID, responderID string, answer model.ApprovalAnswer) (model.ContextRequest, error)
	PendingApprovals(ctx context.Context, roomID, targetID string) ([]model.ContextRequest, error)
	OutgoingRequests(ctx context.Context, roomID, requesterID string) ([]model.ContextRequest, error)
	GetPolicy(ctx context.Context, participantID, roomID string) (*brokersvc.PolicyMessage, error)
	SetPolicy(ctx context.Context, in *brokersvc.PolicyMessage) error
	AddAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error
	RemoveAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error
	RegisterParticipant(ctx context.Context, p model.Participant) (model.Participant, error)
	SetRole(ctx context.Context, actorID, roomID, participantID string, role model.Role) error
	RemoveParticipant(ctx context.Context, roomID, participantID string) error
	Members(ctx context.Context, roomID string) ([]model.Participant, error)
	AuditTrail(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error)
	IndexFragment(ctx context.Context, in *brokersvc.IndexFragmentRequest) (string, error)
	Close() error
}

type dialFunc func(addr string) (brokerClient, error)

func dialBroker(addr string) (brokerClient, error) {
	client, err := brokersvc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Format  string
	Timeout time.Duration

	dial dialFunc
}

func newRootCommand(dial dialFunc) *cobra.Command {
	opts := &RootOptions{dial: dial}
	addr := strings.TrimSpace(os.Getenv("BROKER_GRPC_ADDR"))
	if addr == "" {
		addr = defaultBrokerAddr
	} else if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	cmd := &cobra.Command{
		Use:           "crossctxctl",
		Short:         "Operate the cross-participant context broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", addr, "broker gRPC address")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 45*time.Second, "per-call timeout")

	cmd.AddCommand(
		newPolicyCommand(opts),
		newAllowlistCommand(opts),
		newParticipantCommand(opts),
		newAuditCommand(opts),
		newRequestCommand(opts),
		newCancelCommand(opts),
		newRespondCommand(opts),
		newPendingCommand(opts),
		newOutgoingCommand(opts),
		newIndexCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// withClient dials the broker and runs fn under the configured timeout.
func (o *RootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c brokerClient) error) error {
	client, err := o.dial(o.Addr)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", o.Addr, err)
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()
	return fn(ctx, client)
}

// emit writes v as JSON or calls text for the human form.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func requireFlags(cmd *cobra.Command, names ...string) error {
	var missing []string
	for _, name := range names {
		if v, err := cmd.Flags().GetString(name); err != nil || strings.TrimSpace(v) == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required: %s", strings.Join(missing, ", "))
	}
	return nil
}
