package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cordum/crossctx/core/controlplane/brokersvc"
	"github.com/cordum/crossctx/core/infra/buildinfo"
	"github.com/cordum/crossctx/core/model"
	"github.com/spf13/cobra"
)

func newPolicyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Show or change a participant's sharing policy"}

	var participant, room string
	get := &cobra.Command{
		Use:   "get",
		Short: "Show the sharing policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "participant", "room"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				pol, err := c.GetPolicy(ctx, participant, room)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), pol, func(w io.Writer) {
					fmt.Fprintf(w, "%s in %s: %s\n", pol.ParticipantID, pol.RoomID, pol.Mode)
					if len(pol.Allowlist) > 0 {
						fmt.Fprintf(w, "allowlist: %s\n", strings.Join(pol.Allowlist, ", "))
					}
				})
			})
		},
	}
	get.Flags().StringVar(&participant, "participant", "", "participant id")
	get.Flags().StringVar(&room, "room", "", "room id")

	var mode string
	var allow []string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the sharing mode (never, ask_each_time, always_allow)",
		Example: `  crossctxctl policy set --participant bob --room r1 --mode ask_each_time
  crossctxctl policy set --participant bob --room r1 --mode always_allow --allow alice,carol`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "participant", "room", "mode"); err != nil {
				return err
			}
			if _, err := model.PolicyFromMode(mode, allow); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				msg := &brokersvc.PolicyMessage{
					ParticipantID: participant,
					RoomID:        room,
					Mode:          model.PolicyMode(strings.ToLower(strings.TrimSpace(mode))),
					Allowlist:     model.NormalizeIDs(allow),
				}
				if err := c.SetPolicy(ctx, msg); err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), msg, func(w io.Writer) {
					fmt.Fprintf(w, "%s in %s set to %s\n", participant, room, msg.Mode)
				})
			})
		},
	}
	set.Flags().StringVar(&participant, "participant", "", "participant id")
	set.Flags().StringVar(&room, "room", "", "room id")
	set.Flags().StringVar(&mode, "mode", "", "never | ask_each_time | always_allow")
	set.Flags().StringSliceVar(&allow, "allow", nil, "allowlist for always_allow (comma separated)")

	cmd.AddCommand(get, set)
	return cmd
}

func newAllowlistCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "allowlist", Short: "Edit a participant's allowlist"}
	for _, add := range []bool{true, false} {
		add := add
		var participant, room, requester string
		use, short := "remove", "Remove a requester from the allowlist"
		if add {
			use, short = "add", "Add a requester to the allowlist"
		}
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := requireFlags(cmd, "participant", "room", "requester"); err != nil {
					return err
				}
				return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
					var err error
					if add {
						err = c.AddAllowlistEntry(ctx, participant, room, requester)
					} else {
						err = c.RemoveAllowlistEntry(ctx, participant, room, requester)
					}
					if err != nil {
						return err
					}
					out := map[string]string{"participant_id": participant, "room_id": room, "requester_id": requester, "action": use}
					return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
						fmt.Fprintf(w, "allowlist %s: %s for %s in %s\n", use, requester, participant, room)
					})
				})
			},
		}
		sub.Flags().StringVar(&participant, "participant", "", "allowlist owner")
		sub.Flags().StringVar(&room, "room", "", "room id")
		sub.Flags().StringVar(&requester, "requester", "", "requester to add or remove")
		cmd.AddCommand(sub)
	}
	return cmd
}

func newParticipantCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "participant", Short: "Manage room participants"}

	var id, room, role, actor, joinRole string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a participant in a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "id", "room"); err != nil {
				return err
			}
			r, ok := model.ParseRole(joinRole)
			if !ok {
				return fmt.Errorf("unknown role %q", joinRole)
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				p, err := c.RegisterParticipant(ctx, model.Participant{ID: id, RoomID: room, Role: r})
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), p, func(w io.Writer) {
					fmt.Fprintf(w, "%s joined %s as %s\n", p.ID, p.RoomID, p.Role)
				})
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "participant id")
	add.Flags().StringVar(&room, "room", "", "room id")
	add.Flags().StringVar(&joinRole, "role", string(model.RoleMember), "admin | member | viewer")

	setRole := &cobra.Command{
		Use:   "role",
		Short: "Change a participant's role (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "actor", "id", "room", "role"); err != nil {
				return err
			}
			r, ok := model.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				if err := c.SetRole(ctx, actor, room, id, r); err != nil {
					return err
				}
				out := map[string]string{"participant_id": id, "room_id": room, "role": string(r)}
				return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "%s in %s is now %s\n", id, room, r)
				})
			})
		},
	}
	setRole.Flags().StringVar(&actor, "actor", "", "admin performing the change")
	setRole.Flags().StringVar(&id, "id", "", "participant id")
	setRole.Flags().StringVar(&room, "room", "", "room id")
	setRole.Flags().StringVar(&role, "role", "", "admin | member | viewer")

	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a participant; their pending requests are withdrawn",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "id", "room"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				if err := c.RemoveParticipant(ctx, room, id); err != nil {
					return err
				}
				out := map[string]string{"participant_id": id, "room_id": room}
				return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "%s removed from %s\n", id, room)
				})
			})
		},
	}
	remove.Flags().StringVar(&id, "id", "", "participant id")
	remove.Flags().StringVar(&room, "room", "", "room id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a room's participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "room"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				members, err := c.Members(ctx, room)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), members, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tROLE\tJOINED")
					for _, p := range members {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Role, p.JoinedAt.Format(time.RFC3339))
					}
					_ = tw.Flush()
				})
			})
		},
	}
	list.Flags().StringVar(&room, "room", "", "room id")

	cmd.AddCommand(add, setRole, remove, list)
	return cmd
}

func newAuditCommand(opts *RootOptions) *cobra.Command {
	var participant, room string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit entries where the participant is requester or target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "participant", "room"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				entries, err := c.AuditTrail(ctx, participant, room)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TIME\tREQUESTER\tTARGET\tDECISION\tREASON\tOUTCOME\tFRAGMENTS")
					for _, e := range entries {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
							e.Timestamp.Format(time.RFC3339), e.RequesterID, e.TargetID, e.Decision, e.Reason, e.Outcome, len(e.FragmentIDs))
					}
					_ = tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "participant id")
	cmd.Flags().StringVar(&room, "room", "", "room id")
	return cmd
}

func newRequestCommand(opts *RootOptions) *cobra.Command {
	var requester, target, room, query string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request context from another participant (blocks while approval is pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "requester", "target", "room", "query"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				res, err := c.RequestContext(ctx, &brokersvc.RequestContextRequest{
					RequesterID: requester,
					TargetID:    target,
					RoomID:      room,
					Query:       query,
				})
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
					if res.NoRelevantContext || res.Bundle == nil {
						fmt.Fprintf(w, "request %s: no relevant context\n", res.RequestID)
						return
					}
					fmt.Fprintf(w, "request %s: %d fragment(s)\n", res.RequestID, len(res.Bundle.Fragments))
					for _, f := range res.Bundle.Fragments {
						fmt.Fprintf(w, "- [%.2f] %s %s\n  %s\n", f.Similarity, f.ID, f.Timestamp.Format(time.RFC3339), f.Content)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requesting participant")
	cmd.Flags().StringVar(&target, "target", "", "participant whose context is requested")
	cmd.Flags().StringVar(&room, "room", "", "room id")
	cmd.Flags().StringVar(&query, "query", "", "what the requester is looking for")
	return cmd
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	var requester string
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "requester"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				req, err := c.CancelRequest(ctx, args[0], requester)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), req, func(w io.Writer) {
					printRequest(w, req)
				})
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requester that opened the request")
	return cmd
}

func newRespondCommand(opts *RootOptions) *cobra.Command {
	var responder, answer string
	cmd := &cobra.Command{
		Use:   "respond <request-id>",
		Short: "Answer an approval prompt (grant, always_allow, deny)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "responder", "answer"); err != nil {
				return err
			}
			a := model.ApprovalAnswer(strings.ToLower(strings.TrimSpace(answer)))
			if !a.Valid() {
				return fmt.Errorf("unknown answer %q", answer)
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				req, err := c.RespondApproval(ctx, args[0], responder, a)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), req, func(w io.Writer) {
					printRequest(w, req)
				})
			})
		},
	}
	cmd.Flags().StringVar(&responder, "responder", "", "target participant answering")
	cmd.Flags().StringVar(&answer, "answer", "", "grant | always_allow | deny")
	return cmd
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	var target, room string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List approval prompts awaiting a target's answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "target", "room"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				reqs, err := c.PendingApprovals(ctx, room, target)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), reqs, func(w io.Writer) {
					if len(reqs) == 0 {
						fmt.Fprintln(w, "no pending approvals")
						return
					}
					for _, req := range reqs {
						printRequest(w, req)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target participant")
	cmd.Flags().StringVar(&room, "room", "", "room id")
	return cmd
}

func newOutgoingCommand(opts *RootOptions) *cobra.Command {
	var requester, room string
	cmd := &cobra.Command{
		Use:   "outgoing",
		Short: "List a requester's context requests still waiting on a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "requester", "room"); err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				reqs, err := c.OutgoingRequests(ctx, room, requester)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), reqs, func(w io.Writer) {
					if len(reqs) == 0 {
						fmt.Fprintln(w, "no outgoing requests")
						return
					}
					for _, req := range reqs {
						printRequest(w, req)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requesting participant")
	cmd.Flags().StringVar(&room, "room", "", "room id")
	return cmd
}

func newIndexCommand(opts *RootOptions) *cobra.Command {
	var room, owner, content, file string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index a message or document fragment for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "room", "owner"); err != nil {
				return err
			}
			if file != "" {
				// #nosec G304 -- operator-provided path.
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				content = string(data)
			}
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("required: --content or --file")
			}
			return opts.withClient(cmd, func(ctx context.Context, c brokerClient) error {
				id, err := c.IndexFragment(ctx, &brokersvc.IndexFragmentRequest{RoomID: room, OwnerID: owner, Content: content})
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), map[string]string{"id": id}, func(w io.Writer) {
					fmt.Fprintln(w, id)
				})
			})
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room id")
	cmd.Flags().StringVar(&owner, "owner", "", "participant that owns the fragment")
	cmd.Flags().StringVar(&content, "content", "", "fragment text")
	cmd.Flags().StringVar(&file, "file", "", "read fragment text from a file")
	return cmd
}

func newVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version": buildinfo.Version,
				"commit":  buildinfo.Commit,
				"date":    buildinfo.Date,
			}
			return opts.emit(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintln(w, buildinfo.Info())
			})
		},
	}
}

func printRequest(w io.Writer, req model.ContextRequest) {
	fmt.Fprintf(w, "%s %s -> %s in %s: %s", req.ID, req.RequesterID, req.TargetID, req.RoomID, req.Status)
	if req.ResolutionReason != "" {
		fmt.Fprintf(w, " (%s)", req.ResolutionReason)
	}
	fmt.Fprintln(w)
}
