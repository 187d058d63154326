package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cordum/crossctx/core/controlplane/brokersvc"
	"github.com/cordum/crossctx/core/infra/buildinfo"
	"github.com/cordum/crossctx/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	calls    []string
	policy   *brokersvc.PolicyMessage
	result   model.Result
	outgoing []model.ContextRequest
	err      error
	closed   bool
}

func (f *fakeClient) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeClient) RequestContext(_ context.Context, in *brokersvc.RequestContextRequest) (model.Result, error) {
	f.record("request %s %s %s %s", in.RequesterID, in.TargetID, in.RoomID, in.Query)
	return f.result, f.err
}

func (f *fakeClient) CancelRequest(_ context.Context, requestID, requesterID string) (model.ContextRequest, error) {
	f.record("cancel %s %s", requestID, requesterID)
	return model.ContextRequest{ID: requestID, RequesterID: requesterID, Status: model.StatusDenied, ResolutionReason: model.ReasonCancelledByRequester}, f.err
}

func (f *fakeClient) RespondApproval(_ context.Context, requestID, responderID string, answer model.ApprovalAnswer) (model.ContextRequest, error) {
	f.record("respond %s %s %s", requestID, responderID, answer)
	return model.ContextRequest{ID: requestID, TargetID: responderID, Status: model.StatusGranted}, f.err
}

func (f *fakeClient) PendingApprovals(_ context.Context, roomID, targetID string) ([]model.ContextRequest, error) {
	f.record("pending %s %s", roomID, targetID)
	return nil, f.err
}

func (f *fakeClient) OutgoingRequests(_ context.Context, roomID, requesterID string) ([]model.ContextRequest, error) {
	f.record("outgoing %s %s", roomID, requesterID)
	return f.outgoing, f.err
}

func (f *fakeClient) GetPolicy(_ context.Context, participantID, roomID string) (*brokersvc.PolicyMessage, error) {
	f.record("policy get %s %s", participantID, roomID)
	return f.policy, f.err
}

func (f *fakeClient) SetPolicy(_ context.Context, in *brokersvc.PolicyMessage) error {
	f.record("policy set %s %s %s %v", in.ParticipantID, in.RoomID, in.Mode, in.Allowlist)
	return f.err
}

func (f *fakeClient) AddAllowlistEntry(_ context.Context, participantID, roomID, requesterID string) error {
	f.record("allow add %s %s %s", participantID, roomID, requesterID)
	return f.err
}

func (f *fakeClient) RemoveAllowlistEntry(_ context.Context, participantID, roomID, requesterID string) error {
	f.record("allow remove %s %s %s", participantID, roomID, requesterID)
	return f.err
}

func (f *fakeClient) RegisterParticipant(_ context.Context, p model.Participant) (model.Participant, error) {
	f.record("register %s %s %s", p.ID, p.RoomID, p.Role)
	return p, f.err
}

func (f *fakeClient) SetRole(_ context.Context, actorID, roomID, participantID string, role model.Role) error {
	f.record("role %s %s %s %s", actorID, roomID, participantID, role)
	return f.err
}

func (f *fakeClient) RemoveParticipant(_ context.Context, roomID, participantID string) error {
	f.record("remove %s %s", roomID, participantID)
	return f.err
}

func (f *fakeClient) Members(_ context.Context, roomID string) ([]model.Participant, error) {
	f.record("members %s", roomID)
	return []model.Participant{{ID: "alice", RoomID: roomID, Role: model.RoleMember}}, f.err
}

func (f *fakeClient) AuditTrail(_ context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	f.record("audit %s %s", participantID, roomID)
	return []model.AuditEntry{{ID: "a1", RoomID: roomID, RequesterID: "alice", TargetID: participantID, Decision: model.DecisionDenied, Reason: model.ReasonDeniedByTarget, Timestamp: time.Now()}}, f.err
}

func (f *fakeClient) IndexFragment(_ context.Context, in *brokersvc.IndexFragmentRequest) (string, error) {
	f.record("index %s %s %s", in.RoomID, in.OwnerID, in.Content)
	return "frag-1", f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func runCLI(t *testing.T, fc *fakeClient, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand(func(string) (brokerClient, error) { return fc, nil })
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestPolicyCommands(t *testing.T) {
	fc := &fakeClient{policy: &brokersvc.PolicyMessage{ParticipantID: "bob", RoomID: "r1", Mode: model.ModeAlwaysAllow, Allowlist: []string{"alice"}}}

	out, err := runCLI(t, fc, "policy", "get", "--participant", "bob", "--room", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "always_allow")
	assert.Contains(t, out, "allowlist: alice")

	_, err = runCLI(t, fc, "policy", "set", "--participant", "bob", "--room", "r1", "--mode", "always_allow", "--allow", "carol,alice")
	require.NoError(t, err)
	assert.Equal(t, "policy set bob r1 always_allow [alice carol]", fc.calls[len(fc.calls)-1])
	assert.True(t, fc.closed)

	_, err = runCLI(t, fc, "policy", "set", "--participant", "bob", "--room", "r1", "--mode", "sometimes")
	require.Error(t, err)
}

func TestMissingFlagsAreReported(t *testing.T) {
	fc := &fakeClient{}
	_, err := runCLI(t, fc, "request", "--requester", "alice", "--room", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--target")
	assert.Contains(t, err.Error(), "--query")
	assert.Empty(t, fc.calls)
}

func TestAllowlistAndParticipantCommands(t *testing.T) {
	fc := &fakeClient{}
	steps := [][]string{
		{"allowlist", "add", "--participant", "bob", "--room", "r1", "--requester", "alice"},
		{"allowlist", "remove", "--participant", "bob", "--room", "r1", "--requester", "alice"},
		{"participant", "add", "--id", "carol", "--room", "r1"},
		{"participant", "role", "--actor", "ada", "--id", "carol", "--room", "r1", "--role", "viewer"},
		{"participant", "remove", "--id", "carol", "--room", "r1"},
		{"participant", "list", "--room", "r1"},
	}
	for _, args := range steps {
		_, err := runCLI(t, fc, args...)
		require.NoError(t, err, "%v", args)
	}
	assert.Equal(t, []string{
		"allow add bob r1 alice",
		"allow remove bob r1 alice",
		"register carol r1 member",
		"role ada r1 carol viewer",
		"remove r1 carol",
		"members r1",
	}, fc.calls)

	_, err := runCLI(t, fc, "participant", "add", "--id", "x", "--room", "r1", "--role", "owner")
	require.Error(t, err)
}

func TestRequestOutputFormats(t *testing.T) {
	fc := &fakeClient{result: model.Result{
		RequestID: "req-1",
		Bundle: &model.ContextBundle{RequestID: "req-1", RoomID: "r1", TargetID: "bob", Fragments: []model.Fragment{
			{ID: "f1", OwnerID: "bob", Content: "token is [REDACTED:api_key]", Similarity: 0.91},
		}},
	}}

	out, err := runCLI(t, fc, "request", "--requester", "alice", "--target", "bob", "--room", "r1", "--query", "auth")
	require.NoError(t, err)
	assert.Contains(t, out, "1 fragment(s)")
	assert.Contains(t, out, "[REDACTED:api_key]")

	out, err = runCLI(t, fc, "--format", "json", "request", "--requester", "alice", "--target", "bob", "--room", "r1", "--query", "auth")
	require.NoError(t, err)
	var res model.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Bundle)
	assert.Equal(t, "f1", res.Bundle.Fragments[0].ID)

	fc.result = model.Result{RequestID: "req-2", NoRelevantContext: true}
	out, err = runCLI(t, fc, "request", "--requester", "alice", "--target", "bob", "--room", "r1", "--query", "billing")
	require.NoError(t, err)
	assert.Contains(t, out, "no relevant context")

	_, err = runCLI(t, fc, "--format", "yaml", "audit", "--participant", "bob", "--room", "r1")
	require.Error(t, err)
}

func TestRespondCancelAndAudit(t *testing.T) {
	fc := &fakeClient{}

	out, err := runCLI(t, fc, "respond", "req-1", "--responder", "bob", "--answer", "GRANT")
	require.NoError(t, err)
	assert.Contains(t, out, "GRANTED")

	_, err = runCLI(t, fc, "respond", "req-1", "--responder", "bob", "--answer", "later")
	require.Error(t, err)

	out, err = runCLI(t, fc, "cancel", "req-1", "--requester", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, model.ReasonCancelledByRequester)

	out, err = runCLI(t, fc, "audit", "--participant", "bob", "--room", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "denied_by_target")

	out, err = runCLI(t, fc, "pending", "--target", "bob", "--room", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending approvals")
}

func TestOutgoingListsThenCancels(t *testing.T) {
	fc := &fakeClient{outgoing: []model.ContextRequest{
		{ID: "req-7", RequesterID: "alice", TargetID: "bob", RoomID: "r1", Status: model.StatusPending},
	}}

	out, err := runCLI(t, fc, "outgoing", "--requester", "alice", "--room", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "req-7 alice -> bob in r1: PENDING")
	assert.Equal(t, "outgoing r1 alice", fc.calls[0])

	_, err = runCLI(t, fc, "cancel", "req-7", "--requester", "alice")
	require.NoError(t, err)

	fc.outgoing = nil
	out, err = runCLI(t, fc, "outgoing", "--requester", "alice", "--room", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "no outgoing requests")

	_, err = runCLI(t, fc, "outgoing", "--room", "r1")
	require.Error(t, err)
}

func TestIndexReadsFile(t *testing.T) {
	fc := &fakeClient{}
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("deploy runs on fridays"), 0o600))

	out, err := runCLI(t, fc, "index", "--room", "r1", "--owner", "bob", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "frag-1")
	assert.Equal(t, "index r1 bob deploy runs on fridays", fc.calls[0])

	_, err = runCLI(t, fc, "index", "--room", "r1", "--owner", "bob")
	require.Error(t, err)
}

func TestBrokerErrorsPropagate(t *testing.T) {
	fc := &fakeClient{err: fmt.Errorf("%w: bob shares nothing", model.ErrPermissionDenied)}
	_, err := runCLI(t, fc, "request", "--requester", "alice", "--target", "bob", "--room", "r1", "--query", "auth")
	require.True(t, errors.Is(err, model.ErrPermissionDenied))
}

func TestVersionDoesNotDial(t *testing.T) {
	cmd := newRootCommand(func(string) (brokerClient, error) {
		return nil, errors.New("version must not dial")
	})
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, buildinfo.Info()+"\n", buf.String())
}
