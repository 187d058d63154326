package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cordum/crossctx/core/infra/logging"
	"github.com/cordum/crossctx/core/model"
	"github.com/cordum/crossctx/core/protocol/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 2 * pingPeriod
	maxFrameBytes  = 16 << 10
	sendBufferSize = 64

	// KindStreamError reports a rejected inbound frame back to the client.
	KindStreamError = "stream.error"
)

func newStreamUpgrader(origins originPolicy) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin:  origins.allows,
		Subprotocols: []string{wsAPIKeyProtocol},
	}
}

// streamConn serialises writes to one participant's websocket.
type streamConn struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newStreamConn(ws *websocket.Conn) *streamConn {
	return &streamConn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// enqueue drops the connection when the client cannot keep up.
func (c *streamConn) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *streamConn) enqueueEnvelope(env *events.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *streamConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *streamConn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// promptScope is the part of a prompt or withdrawal that names its recipient.
// Subject tokens are lossy, so the payload decides delivery.
type promptScope struct {
	RoomID   string `json:"room_id"`
	TargetID string `json:"target_id"`
}

// handleStream delivers approval prompts and withdrawals for one participant
// in one room, and accepts that participant's answers.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("room_id"))
	participantID := strings.TrimSpace(r.PathValue("participant_id"))
	subject := events.ApprovalSubject(participantID)
	if roomID == "" || subject == "" {
		http.Error(w, "room and participant required", http.StatusBadRequest)
		return
	}
	if err := s.requireParticipant(r, participantID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	pending, err := s.broker.PendingApprovals(r.Context(), roomID, participantID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	ws, err := s.stream.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "ws upgrade failed", "error", err)
		return
	}
	conn := newStreamConn(ws)
	defer conn.close(websocket.CloseNormalClosure, "")
	logging.Info(component, "stream connected", "room_id", roomID, "participant_id", participantID, "remote", r.RemoteAddr)

	sub, err := s.bus.Subscribe(subject, "", func(env *events.Envelope) error {
		switch env.Kind {
		case events.KindApprovalPrompt, events.KindApprovalWithdrawn:
		default:
			return nil
		}
		var scope promptScope
		if err := json.Unmarshal(env.Payload, &scope); err != nil || scope.RoomID != roomID || scope.TargetID != participantID {
			return nil
		}
		if err := conn.enqueueEnvelope(env); err != nil {
			logging.Warn(component, "stream event dropped", "participant_id", participantID, "error", err)
		}
		return nil
	})
	if err != nil {
		logging.Error(component, "bus subscribe failed", "subject", subject, "error", err)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	go conn.writeLoop()

	for _, req := range pending {
		env, err := events.NewEnvelope(events.KindApprovalPrompt, promptFor(req))
		if err != nil {
			continue
		}
		if err := conn.enqueueEnvelope(env); err != nil {
			return
		}
	}

	s.readResponses(conn, participantID)
	logging.Info(component, "stream closed", "room_id", roomID, "participant_id", participantID)
}

// readResponses publishes the participant's answers until the socket closes.
func (s *server) readResponses(conn *streamConn, participantID string) {
	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.publishResponse(data, participantID); err != nil {
			s.streamError(conn, err)
		}
	}
}

// publishResponse validates an inbound answer and forwards it to the broker.
// The responder is always the stream's participant.
func (s *server) publishResponse(data []byte, participantID string) error {
	resp, err := s.decodeResponse(data)
	if err != nil {
		return err
	}
	if resp.ResponderID != "" && resp.ResponderID != participantID {
		return errors.New("responder_id does not match stream participant")
	}
	env, err := events.NewEnvelope(events.KindApprovalResponse, events.ApprovalResponse{
		RequestID:   resp.RequestID,
		ResponderID: participantID,
		Answer:      resp.Answer,
		RespondedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(events.SubjectApprovalResponses, env)
}

func (s *server) streamError(conn *streamConn, cause error) {
	env, err := events.NewEnvelope(KindStreamError, map[string]string{"error": cause.Error()})
	if err != nil {
		return
	}
	_ = conn.enqueueEnvelope(env)
}

func promptFor(req model.ContextRequest) events.ApprovalPrompt {
	return events.ApprovalPrompt{
		RequestID:   req.ID,
		RoomID:      req.RoomID,
		RequesterID: req.RequesterID,
		TargetID:    req.TargetID,
		Query:       req.Query,
		ExpiresAt:   req.ExpiresAt,
	}
}
