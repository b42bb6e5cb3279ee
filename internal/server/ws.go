package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/processor"
)

// handleWS upgrades the request and runs the session's read pump until
// the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := q.Get("user_id")
	token := bearerToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	t := connection.NewWSTransport(conn, s.cfg.WriteTimeout, s.logger)
	c, err := s.sessions.Connect(r.Context(), sessionID, userID, token, t)
	if err != nil {
		code, reason := rejection(err)
		_ = t.CloseWith(code, reason)
		s.logger.Info("connection rejected",
			"session_id", sessionID,
			"remote_addr", t.RemoteAddr(),
			"reason", reason,
			"error", err,
		)
		return
	}
	t.OnPong(func() { _ = s.sessions.Heartbeat(sessionID) })

	s.pumps.Add(1)
	defer s.pumps.Done()

	s.reply(sessionID, dispatch.Message{
		Type:    TypeConnected,
		Payload: Welcome{SessionID: c.SessionID, UserID: c.UserID},
	})
	s.readPump(c, conn, t)
}

// readPump reads frames until the socket fails. An abnormal drop leaves
// the session resumable; a clean close from the client ends it.
func (s *Server) readPump(c *connection.Connection, conn *websocket.Conn, t *connection.WSTransport) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if s.sessions.Release(c.SessionID, t, !clean) {
				s.logger.Debug("read pump ended", "session_id", c.SessionID, "clean", clean, "error", err)
			}
			return
		}

		_ = s.sessions.Heartbeat(c.SessionID)
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *connection.Connection, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.replyError(c.SessionID, "", CodeInvalidMessage, "malformed JSON")
		return
	}
	if in.Type == "" {
		s.replyError(c.SessionID, in.ID, CodeInvalidMessage, "missing type")
		return
	}

	switch in.Type {
	case TypePing:
		s.reply(c.SessionID, dispatch.Message{Type: TypePong, ID: in.ID})

	case TypeSubscribe, TypeUnsubscribe:
		s.handleTopic(c, in)

	default:
		s.enqueue(c, in)
	}
}

func (s *Server) handleTopic(c *connection.Connection, in Inbound) {
	var (
		err   error
		reply = TypeSubscribed
	)
	if in.Type == TypeSubscribe {
		err = s.sessions.Subscribe(c.SessionID, in.Topic)
	} else {
		reply = TypeUnsubscribed
		err = s.sessions.Unsubscribe(c.SessionID, in.Topic)
	}
	if err != nil {
		s.replyError(c.SessionID, in.ID, CodeSubscribeFailed, err.Error())
		return
	}
	s.reply(c.SessionID, dispatch.Message{
		Type:    reply,
		ID:      in.ID,
		Payload: TopicReply{Topic: in.Topic, Subscriptions: c.Subscriptions()},
	})
}

func (s *Server) enqueue(c *connection.Connection, in Inbound) {
	priority, err := processor.ParsePriority(in.Priority)
	if err != nil {
		s.replyError(c.SessionID, in.ID, CodeInvalidPriority, err.Error())
		return
	}

	msg := processor.Message{Type: in.Type, Payload: in.Payload, Metadata: in.Metadata}
	taskID, err := s.proc.QueueMessage(msg, c.SessionID, c.UserID,
		processor.WithPriority(priority),
		processor.WithCallback(s.resultCallback(in.ID)),
	)
	if err != nil {
		code := CodeInvalidMessage
		switch {
		case errors.Is(err, processor.ErrQueueFull):
			code = CodeQueueFull
		case errors.Is(err, processor.ErrShuttingDown):
			code = CodeUnavailable
		}
		s.replyError(c.SessionID, in.ID, code, err.Error())
		return
	}

	s.reply(c.SessionID, dispatch.Message{
		Type:    TypeAccepted,
		ID:      in.ID,
		Payload: Accepted{TaskID: taskID, Priority: priority.String()},
	})
}

// resultCallback sends the task outcome back to the originating session.
// The accepted reply and the result may arrive in either order.
func (s *Server) resultCallback(requestID string) processor.Callback {
	return func(task *processor.Task, processingTime time.Duration) {
		res := TaskResult{
			TaskID:       task.ID,
			Type:         task.Message.Type,
			Status:       task.Status().String(),
			Attempts:     task.Attempts(),
			ProcessingMs: processingTime.Milliseconds(),
		}
		if err := task.Err(); err != nil {
			res.Error = err.Error()
		} else {
			res.Result = task.Result()
		}
		s.reply(task.SessionID, dispatch.Message{Type: TypeResult, ID: requestID, Payload: res})
	}
}

func (s *Server) reply(sessionID string, msg dispatch.Message) {
	// Replies outlive the request that triggered them; the dispatcher
	// bounds each write with its own timeout.
	if err := s.sender.SendMessage(context.WithoutCancel(s.ctx), sessionID, msg); err != nil {
		s.logger.Debug("reply not delivered", "session_id", sessionID, "type", msg.Type, "error", err)
	}
}

func (s *Server) replyError(sessionID, requestID, code, message string) {
	s.reply(sessionID, dispatch.Message{
		Type:    TypeError,
		ID:      requestID,
		Payload: ErrorReply{Code: code, Message: message},
	})
}

// rejection maps a registry error to a close code and reason.
func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, connection.ErrAuthenticationFailed):
		return CloseUnauthorized, "authentication failed"
	case errors.Is(err, connection.ErrCapacityExceeded):
		return websocket.CloseTryAgainLater, "server at capacity"
	case errors.Is(err, connection.ErrInvalidSession):
		return websocket.ClosePolicyViolation, "invalid session"
	default:
		return websocket.CloseInternalServerErr, "connect failed"
	}
}

// bearerToken reads the connect token from the Authorization header or
// the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
