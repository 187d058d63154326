package brokersvc

import (
	"context"
	"fmt"
	"os"

	"github.com/cordum/crossctx/core/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a remote broker. Errors unwrap to the broker's sentinels.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the broker at addr. BROKER_TLS_CA enables TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{grpc.WithTransportCredentials(transportCredentials())}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func transportCredentials() credentials.TransportCredentials {
	if caPath := os.Getenv("BROKER_TLS_CA"); caPath != "" {
		if creds, err := credentials.NewClientTLSFromFile(caPath, ""); err == nil {
			return creds
		}
	}
	return insecure.NewCredentials()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

func (c *Client) RequestContext(ctx context.Context, in *RequestContextRequest) (model.Result, error) {
	out := new(RequestContextResponse)
	if err := c.invoke(ctx, "RequestContext", in, out); err != nil {
		return model.Result{}, err
	}
	return out.Result, nil
}

func (c *Client) CancelRequest(ctx context.Context, requestID, requesterID string) (model.ContextRequest, error) {
	out := new(ContextRequestResponse)
	err := c.invoke(ctx, "CancelRequest", &CancelRequestRequest{RequestID: requestID, RequesterID: requesterID}, out)
	return out.Request, err
}

func (c *Client) RespondApproval(ctx context.Context, requestID, responderID string, answer model.ApprovalAnswer) (model.ContextRequest, error) {
	out := new(ContextRequestResponse)
	err := c.invoke(ctx, "RespondApproval", &RespondApprovalRequest{RequestID: requestID, ResponderID: responderID, Answer: answer}, out)
	return out.Request, err
}

func (c *Client) PendingApprovals(ctx context.Context, roomID, targetID string) ([]model.ContextRequest, error) {
	out := new(PendingApprovalsResponse)
	err := c.invoke(ctx, "PendingApprovals", &PendingApprovalsRequest{RoomID: roomID, TargetID: targetID}, out)
	return out.Requests, err
}

func (c *Client) OutgoingRequests(ctx context.Context, roomID, requesterID string) ([]model.ContextRequest, error) {
	out := new(OutgoingRequestsResponse)
	err := c.invoke(ctx, "OutgoingRequests", &OutgoingRequestsRequest{RoomID: roomID, RequesterID: requesterID}, out)
	return out.Requests, err
}

func (c *Client) GetPolicy(ctx context.Context, participantID, roomID string) (*PolicyMessage, error) {
	out := new(PolicyMessage)
	if err := c.invoke(ctx, "GetPolicy", &PolicyRequest{ParticipantID: participantID, RoomID: roomID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetPolicy(ctx context.Context, in *PolicyMessage) error {
	return c.invoke(ctx, "SetPolicy", in, new(Empty))
}

func (c *Client) AddAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error {
	return c.invoke(ctx, "AddAllowlistEntry", &AllowlistRequest{ParticipantID: participantID, RoomID: roomID, RequesterID: requesterID}, new(Empty))
}

func (c *Client) RemoveAllowlistEntry(ctx context.Context, participantID, roomID, requesterID string) error {
	return c.invoke(ctx, "RemoveAllowlistEntry", &AllowlistRequest{ParticipantID: participantID, RoomID: roomID, RequesterID: requesterID}, new(Empty))
}

func (c *Client) RegisterParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	out := new(ParticipantMessage)
	err := c.invoke(ctx, "RegisterParticipant", &ParticipantMessage{Participant: p}, out)
	return out.Participant, err
}

func (c *Client) SetRole(ctx context.Context, actorID, roomID, participantID string, role model.Role) error {
	return c.invoke(ctx, "SetRole", &SetRoleRequest{ActorID: actorID, RoomID: roomID, ParticipantID: participantID, Role: role}, new(Empty))
}

func (c *Client) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	return c.invoke(ctx, "RemoveParticipant", &RemoveParticipantRequest{RoomID: roomID, ParticipantID: participantID}, new(Empty))
}

func (c *Client) Members(ctx context.Context, roomID string) ([]model.Participant, error) {
	out := new(MembersResponse)
	err := c.invoke(ctx, "Members", &MembersRequest{RoomID: roomID}, out)
	return out.Participants, err
}

func (c *Client) AuditTrail(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error) {
	out := new(AuditTrailResponse)
	err := c.invoke(ctx, "AuditTrail", &AuditTrailRequest{ParticipantID: participantID, RoomID: roomID}, out)
	return out.Entries, err
}

func (c *Client) IndexFragment(ctx context.Context, in *IndexFragmentRequest) (string, error) {
	out := new(IndexFragmentResponse)
	err := c.invoke(ctx, "IndexFragment", in, out)
	return out.ID, err
}
