// Package gateway bridges participants' UIs to the context broker: REST calls
// for requests, responses and audit, and a websocket stream of approval prompts.
package gateway

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cordum/crossctx/core/controlplane/brokersvc"
	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/config"
	"github.com/cordum/crossctx/core/infra/logging"
	infraMetrics "github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/infra/schema"
	"github.com/cordum/crossctx/core/model"
	"github.com/gorilla/websocket"
)

const (
	component       = "gateway"
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 10 * time.Second
)

//go:embed schemas/*.json
var schemaFS embed.FS

// BrokerAPI is the subset of the broker client the gateway drives.
type BrokerAPI interface {
	RequestContext(ctx context.Context, in *brokersvc.RequestContextRequest) (model.Result, error)
	CancelRequest(ctx context.Context, requestID, requesterID string) (model.ContextRequest, error)
	RespondApproval(ctx context.Context, requestID, responderID string, answer model.ApprovalAnswer) (model.ContextRequest, error)
	PendingApprovals(ctx context.Context, roomID, targetID string) ([]model.ContextRequest, error)
	OutgoingRequests(ctx context.Context, roomID, requesterID string) ([]model.ContextRequest, error)
	AuditTrail(ctx context.Context, participantID, roomID string) ([]model.AuditEntry, error)
}

var _ BrokerAPI = (*brokersvc.Client)(nil)

type server struct {
	broker  BrokerAPI
	bus     bus.Bus
	auth    AuthProvider
	metrics infraMetrics.GatewayMetrics
	limiter *participantLimiter
	origins originPolicy
	stream  *websocket.Upgrader

	requestSchema  *schema.Validator
	responseSchema *schema.Validator
}

func newServer(broker BrokerAPI, b bus.Bus, auth AuthProvider, m infraMetrics.GatewayMetrics) (*server, error) {
	if broker == nil || b == nil {
		return nil, errors.New("gateway requires broker client and bus")
	}
	reqSchema, err := loadSchema("context_request")
	if err != nil {
		return nil, err
	}
	respSchema, err := loadSchema("approval_response")
	if err != nil {
		return nil, err
	}
	origins := originPolicyFromEnv()
	return &server{
		broker:         broker,
		bus:            b,
		auth:           auth,
		metrics:        m,
		origins:        origins,
		stream:         newStreamUpgrader(origins),
		requestSchema:  reqSchema,
		responseSchema: respSchema,
	}, nil
}

func loadSchema(name string) (*schema.Validator, error) {
	data, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	return schema.Compile(name, data)
}

// Run dials the broker, connects to NATS and serves HTTP until ctx ends.
func Run(ctx context.Context, cfg *config.Config) error {
	client, err := brokersvc.Dial(cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer client.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	auth, err := NewBasicAuthProvider()
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	s, err := newServer(client, natsBus, auth, infraMetrics.NewGatewayProm("crossctx_gateway"))
	if err != nil {
		return err
	}
	s.limiter = participantLimiterFromEnv()
	return startHTTPServer(ctx, s, cfg.GatewayAddr, cfg.MetricsAddr)
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(component, "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logging.Info(component, "http listening", "addr", httpAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(component, "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Requester side
	mux.HandleFunc("POST /api/v1/context", s.instrumented("/api/v1/context", s.handleRequestContext))
	mux.HandleFunc("POST /api/v1/requests/{request_id}/cancel", s.instrumented("/api/v1/requests/{request_id}/cancel", s.handleCancelRequest))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/participants/{participant_id}/requests", s.instrumented("/api/v1/rooms/{room_id}/participants/{participant_id}/requests", s.handleOutgoingRequests))

	// Target side
	mux.HandleFunc("POST /api/v1/approvals/{request_id}/respond", s.instrumented("/api/v1/approvals/{request_id}/respond", s.handleRespond))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/participants/{participant_id}/approvals", s.instrumented("/api/v1/rooms/{room_id}/participants/{participant_id}/approvals", s.handlePendingApprovals))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/participants/{participant_id}/stream", s.instrumented("/api/v1/rooms/{room_id}/participants/{participant_id}/stream", s.handleStream))

	// Audit
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/audit", s.instrumented("/api/v1/rooms/{room_id}/audit", s.handleAuditTrail))

	return corsMiddleware(s.origins, apiKeyMiddleware(s.auth, rateLimitMiddleware(s.limiter, mux)))
}

// --- Handlers ---

func (s *server) handleRequestContext(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := s.requestSchema.Validate(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req brokersvc.RequestContextRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.requireParticipant(r, req.RequesterID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	res, err := s.broker.RequestContext(r.Context(), &req)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequestBody struct {
	RequesterID string `json:"requester_id"`
}

func (s *server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	requester := s.principalOr(r, body.RequesterID)
	if requester == "" {
		http.Error(w, "requester_id required", http.StatusBadRequest)
		return
	}
	if err := s.requireParticipant(r, requester); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	req, err := s.broker.CancelRequest(r.Context(), r.PathValue("request_id"), requester)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *server) handleRespond(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	doc["request_id"] = r.PathValue("request_id")
	resp, err := s.decodeResponse(doc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	responder := s.principalOr(r, resp.ResponderID)
	if responder == "" {
		http.Error(w, "responder_id required", http.StatusBadRequest)
		return
	}
	if err := s.requireParticipant(r, responder); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	req, err := s.broker.RespondApproval(r.Context(), resp.RequestID, responder, resp.Answer)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleOutgoingRequests lists the caller's own requests still waiting on a
// target, which carry the ids the cancel route needs.
func (s *server) handleOutgoingRequests(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	participantID := r.PathValue("participant_id")
	if err := s.requireParticipant(r, participantID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	reqs, err := s.broker.OutgoingRequests(r.Context(), roomID, participantID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if reqs == nil {
		reqs = []model.ContextRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	participantID := r.PathValue("participant_id")
	if err := s.requireParticipant(r, participantID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	reqs, err := s.broker.PendingApprovals(r.Context(), roomID, participantID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if reqs == nil {
		reqs = []model.ContextRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	participantID := s.principalOr(r, r.URL.Query().Get("participant"))
	if participantID == "" {
		http.Error(w, "participant required", http.StatusBadRequest)
		return
	}
	if err := s.requireParticipant(r, participantID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	entries, err := s.broker.AuditTrail(r.Context(), participantID, roomID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// decodeResponse validates an approval response document and converts it.
func (s *server) decodeResponse(doc any) (approvalResponse, error) {
	var out approvalResponse
	if err := s.responseSchema.Validate(doc); err != nil {
		return out, err
	}
	data, ok := doc.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return out, err
		}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	out.RequestID = strings.TrimSpace(out.RequestID)
	out.ResponderID = strings.TrimSpace(out.ResponderID)
	return out, nil
}

type approvalResponse struct {
	RequestID   string               `json:"request_id"`
	ResponderID string               `json:"responder_id,omitempty"`
	Answer      model.ApprovalAnswer `json:"answer"`
}

func (s *server) requireParticipant(r *http.Request, participantID string) error {
	if s == nil || s.auth == nil {
		return nil
	}
	return s.auth.RequireParticipant(r, participantID)
}

// principalOr falls back to the authenticated principal when the client omits an id.
func (s *server) principalOr(r *http.Request, requested string) string {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		return requested
	}
	if auth := authFromRequest(r); auth != nil {
		return auth.PrincipalID
	}
	return ""
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return nil, false
	}
	if len(raw) > maxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if len(raw) == 0 {
		http.Error(w, "body required", http.StatusBadRequest)
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps broker sentinels to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrRequestExpired):
		return http.StatusRequestTimeout
	case errors.Is(err, model.ErrRetrievalFailed),
		errors.Is(err, model.ErrEmbeddingUnavailable),
		errors.Is(err, model.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrAuditWriteFailed):
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func writeBrokerError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		logging.Error(component, "broker call failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
