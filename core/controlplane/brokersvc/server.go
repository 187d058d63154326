package brokersvc

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/cordum/crossctx/core/broker"
	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/retrieval"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
)

// BrokerServer is the server side of crossctx.v1.Broker.
type BrokerServer interface {
	RequestContext(context.Context, *RequestContextRequest) (*RequestContextResponse, error)
	CancelRequest(context.Context, *CancelRequestRequest) (*ContextRequestResponse, error)
	RespondApproval(context.Context, *RespondApprovalRequest) (*ContextRequestResponse, error)
	PendingApprovals(context.Context, *PendingApprovalsRequest) (*PendingApprovalsResponse, error)
	OutgoingRequests(context.Context, *OutgoingRequestsRequest) (*OutgoingRequestsResponse, error)
	GetPolicy(context.Context, *PolicyRequest) (*PolicyMessage, error)
	SetPolicy(context.Context, *PolicyMessage) (*Empty, error)
	AddAllowlistEntry(context.Context, *AllowlistRequest) (*Empty, error)
	RemoveAllowlistEntry(context.Context, *AllowlistRequest) (*Empty, error)
	RegisterParticipant(context.Context, *ParticipantMessage) (*ParticipantMessage, error)
	SetRole(context.Context, *SetRoleRequest) (*Empty, error)
	RemoveParticipant(context.Context, *RemoveParticipantRequest) (*Empty, error)
	Members(context.Context, *MembersRequest) (*MembersResponse, error)
	AuditTrail(context.Context, *AuditTrailRequest) (*AuditTrailResponse, error)
	IndexFragment(context.Context, *IndexFragmentRequest) (*IndexFragmentResponse, error)
}

// unary builds a method descriptor for a typed handler.
func unary[Req, Resp any](name string, call func(BrokerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(BrokerServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes crossctx.v1.Broker.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RequestContext", BrokerServer.RequestContext),
		unary("CancelRequest", BrokerServer.CancelRequest),
		unary("RespondApproval", BrokerServer.RespondApproval),
		unary("PendingApprovals", BrokerServer.PendingApprovals),
		unary("OutgoingRequests", BrokerServer.OutgoingRequests),
		unary("GetPolicy", BrokerServer.GetPolicy),
		unary("SetPolicy", BrokerServer.SetPolicy),
		unary("AddAllowlistEntry", BrokerServer.AddAllowlistEntry),
		unary("RemoveAllowlistEntry", BrokerServer.RemoveAllowlistEntry),
		unary("RegisterParticipant", BrokerServer.RegisterParticipant),
		unary("SetRole", BrokerServer.SetRole),
		unary("RemoveParticipant", BrokerServer.RemoveParticipant),
		unary("Members", BrokerServer.Members),
		unary("AuditTrail", BrokerServer.AuditTrail),
		unary("IndexFragment", BrokerServer.IndexFragment),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crossctx/v1/broker.json",
}

type server struct {
	broker *broker.Broker
}

// NewServer returns a gRPC server with the broker service and reflection
// registered.
func NewServer(b *broker.Broker, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, &server{broker: b})
	reflection.Register(gs)
	return gs
}

// Serve listens on addr and blocks until the server stops or ctx ends.
// BROKER_TLS_CERT and BROKER_TLS_KEY enable TLS.
func Serve(ctx context.Context, addr string, b *broker.Broker) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	serverCreds := grpc.Creds(insecure.NewCredentials())
	if cert := os.Getenv("BROKER_TLS_CERT"); cert != "" {
		key := os.Getenv("BROKER_TLS_KEY")
		if key == "" {
			logging.Warn("brokersvc", "tls cert provided without key, continuing insecure")
		} else if creds, err := credentials.NewServerTLSFromFile(cert, key); err != nil {
			logging.Warn("brokersvc", "failed to load tls credentials, continuing insecure", "error", err)
		} else {
			serverCreds = grpc.Creds(creds)
		}
	}
	gs := NewServer(b, serverCreds)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	logging.Info("brokersvc", "listening", "addr", addr)
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *server) RequestContext(ctx context.Context, req *RequestContextRequest) (*RequestContextResponse, error) {
	res, err := s.broker.RequestContext(ctx, broker.Request{
		RequesterID: req.RequesterID,
		TargetID:    req.TargetID,
		RoomID:      req.RoomID,
		Query:       req.Query,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &RequestContextResponse{Result: res}, nil
}

func (s *server) CancelRequest(ctx context.Context, req *CancelRequestRequest) (*ContextRequestResponse, error) {
	out, err := s.broker.CancelRequest(ctx, req.RequestID, req.RequesterID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ContextRequestResponse{Request: out}, nil
}

func (s *server) RespondApproval(ctx context.Context, req *RespondApprovalRequest) (*ContextRequestResponse, error) {
	out, err := s.broker.RespondApproval(ctx, req.RequestID, req.ResponderID, req.Answer)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ContextRequestResponse{Request: out}, nil
}

func (s *server) PendingApprovals(_ context.Context, req *PendingApprovalsRequest) (*PendingApprovalsResponse, error) {
	return &PendingApprovalsResponse{Requests: s.broker.PendingApprovals(req.RoomID, req.TargetID)}, nil
}

func (s *server) OutgoingRequests(ctx context.Context, req *OutgoingRequestsRequest) (*OutgoingRequestsResponse, error) {
	reqs, err := s.broker.OutgoingRequests(ctx, req.RoomID, req.RequesterID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OutgoingRequestsResponse{Requests: reqs}, nil
}

func (s *server) GetPolicy(ctx context.Context, req *PolicyRequest) (*PolicyMessage, error) {
	pol, err := s.broker.GetPolicy(ctx, req.ParticipantID, req.RoomID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PolicyMessage{
		ParticipantID: req.ParticipantID,
		RoomID:        req.RoomID,
		Mode:          pol.Mode(),
		Allowlist:     model.AllowlistOf(pol),
	}, nil
}

func (s *server) SetPolicy(ctx context.Context, req *PolicyMessage) (*Empty, error) {
	pol, err := model.PolicyFromMode(string(req.Mode), req.Allowlist)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.broker.SetPolicy(ctx, req.ParticipantID, req.RoomID, pol); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *server) AddAllowlistEntry(ctx context.Context, req *AllowlistRequest) (*Empty, error) {
	if err := s.broker.AddAllowlistEntry(ctx, req.ParticipantID, req.RoomID, req.RequesterID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *server) RemoveAllowlistEntry(ctx context.Context, req *AllowlistRequest) (*Empty, error) {
	if err := s.broker.RemoveAllowlistEntry(ctx, req.ParticipantID, req.RoomID, req.RequesterID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *server) RegisterParticipant(ctx context.Context, req *ParticipantMessage) (*ParticipantMessage, error) {
	p, err := s.broker.RegisterParticipant(ctx, req.Participant)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ParticipantMessage{Participant: p}, nil
}

func (s *server) SetRole(ctx context.Context, req *SetRoleRequest) (*Empty, error) {
	if err := s.broker.SetRole(ctx, req.ActorID, req.RoomID, req.ParticipantID, req.Role); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *server) RemoveParticipant(ctx context.Context, req *RemoveParticipantRequest) (*Empty, error) {
	if err := s.broker.RemoveParticipant(ctx, req.RoomID, req.ParticipantID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *server) Members(ctx context.Context, req *MembersRequest) (*MembersResponse, error) {
	members, err := s.broker.Members(ctx, req.RoomID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MembersResponse{Participants: members}, nil
}

func (s *server) AuditTrail(ctx context.Context, req *AuditTrailRequest) (*AuditTrailResponse, error) {
	entries, err := s.broker.AuditTrail(ctx, req.ParticipantID, req.RoomID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AuditTrailResponse{Entries: entries}, nil
}

func (s *server) IndexFragment(ctx context.Context, req *IndexFragmentRequest) (*IndexFragmentResponse, error) {
	id, err := s.broker.IndexFragment(ctx, retrieval.FragmentInput{
		ID:        req.ID,
		RoomID:    req.RoomID,
		OwnerID:   req.OwnerID,
		Content:   req.Content,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &IndexFragmentResponse{ID: id}, nil
}
