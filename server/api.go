package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/protocol"
)

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleHandshake claims the control session (POST /api/v1/handshake)
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req protocol.HandshakeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
			return
		}
	}

	token, err := s.sessions.Acquire(req.Secret, r.Header.Get("Origin"), r.RemoteAddr)
	switch {
	case errors.Is(err, ErrInvalidSecret):
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, err.Error())
		return
	case errors.Is(err, ErrSessionClaimed):
		writeError(w, http.StatusConflict, protocol.ErrCodeSessionClaimed, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.HandshakeResponse{Token: token})
}

// requireSession rejects requests without the current session token.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.Validate(r.Header.Get(HeaderSessionToken), r.Header.Get("Origin"), r.RemoteAddr) {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "missing or invalid session token")
			return
		}
		s.sessions.RefreshTimeout()
		next.ServeHTTP(w, r)
	})
}

// handleRelease gives up the control session (DELETE /api/v1/handshake)
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.sessions.Release()
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports the agent state (GET /api/v1/status)
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() protocol.StatusResponse {
	resp := protocol.StatusResponse{
		LastStatus: string(s.hub.LastStatus()),
		Clients:    s.hub.Count(),
	}
	if s.config.Readers != nil {
		resp.Readers = s.config.Readers()
	}
	if c := s.config.Controller; c != nil {
		mode, active := c.Active()
		resp.Active = active
		if active {
			resp.Mode = mode.String()
		}
		resp.ReversalFailures = c.ReversalFailures()
	}
	return resp
}

// handleStart starts a card session (POST /api/v1/sessions)
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
		return
	}
	if err := s.start(req.Mode); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

// handleStop stops the running session (DELETE /api/v1/sessions)
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.config.Controller.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// handleBattery reads the reader battery (GET /api/v1/reader/battery)
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	level, err := s.config.Controller.BatteryLevel(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BatteryResponse{Level: level})
}

// handleCalibrate calibrates the reader (POST /api/v1/reader/calibrate)
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	cal, err := s.config.Controller.Calibrate(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.CalibrationResponse{Values: cal})
}

// handleClearFingerprints forgets provisioned readers (DELETE /api/v1/fingerprints)
func (s *Server) handleClearFingerprints(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Controller.ClearFingerprints(r.Context()); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// start begins a session under the server's base context so it outlives the
// request that asked for it.
func (s *Server) start(mode string) error {
	c := s.config.Controller
	switch mode {
	case protocol.ModeReading:
		return c.StartReading(s.baseCtx)
	case protocol.ModeTokenizing:
		return c.StartTokenizing(s.baseCtx)
	default:
		return fmt.Errorf("%w: unknown mode %q", errInvalidRequest, mode)
	}
}

var errInvalidRequest = errors.New("invalid request")

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	status, code := controllerErrorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, code, err.Error())
}

func controllerErrorStatus(err error) (int, string) {
	var e *emv.Error
	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, protocol.ErrCodeInvalidRequest
	case errors.Is(err, emv.ErrSessionActive):
		return http.StatusConflict, protocol.ErrCodeSessionActive
	case errors.As(err, &e):
		return http.StatusServiceUnavailable, protocol.ErrCodeReader
	default:
		return http.StatusInternalServerError, protocol.ErrCodeInternalError
	}
}

// handleWebSocket upgrades an authenticated request and serves the client
// until it disconnects. The token is passed as ?token=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !s.sessions.Validate(token, r.Header.Get("Origin"), r.RemoteAddr) {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "missing or invalid session token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := s.hub.Register(conn)
	defer func() {
		s.hub.Unregister(client)
		client.Close()
	}()

	client.Send(protocol.WebSocketMessage{Type: protocol.WSTypeStatus, Payload: s.status()})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "client", client.ID, "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.sessions.RefreshTimeout()

		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.sendError(client, "", protocol.ErrCodeParse, "invalid message format")
			continue
		}

		handler, ok := s.registry.Get(req.Type)
		if !ok {
			s.sendError(client, req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("unknown message type: %s", req.Type))
			continue
		}
		if err := handler(s.baseCtx, client, req); err != nil {
			s.logger.Debug("handler failed", "type", req.Type, "err", err)
		}
	}
}

// registerHandlers wires the WebSocket request types
func (s *Server) registerHandlers() {
	s.registry.Handle(protocol.WSTypeAnswer, s.wsAnswer)
	s.registry.Handle(protocol.WSTypeStart, s.wsStart)
	s.registry.Handle(protocol.WSTypeStop, s.wsStop)
	s.registry.Handle(protocol.WSTypeStatus, s.wsStatus)
}

func (s *Server) wsAnswer(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var answer protocol.AnswerPayload
	if err := json.Unmarshal(req.Payload, &answer); err != nil {
		return s.respond(client, req, nil, fmt.Errorf("%w: %v", errInvalidRequest, err))
	}
	if !s.prompter.Answer(req.ID, answer) {
		return s.respond(client, req, nil, fmt.Errorf("no prompt %q is waiting", req.ID))
	}
	return s.respond(client, req, nil, nil)
}

func (s *Server) wsStart(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var start protocol.StartRequest
	if err := json.Unmarshal(req.Payload, &start); err != nil {
		return s.respond(client, req, nil, fmt.Errorf("%w: %v", errInvalidRequest, err))
	}
	return s.respond(client, req, nil, s.start(start.Mode))
}

func (s *Server) wsStop(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	s.config.Controller.Stop()
	return s.respond(client, req, nil, nil)
}

func (s *Server) wsStatus(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	return s.respond(client, req, s.status(), nil)
}

// respond answers a WebSocket request and returns err for logging.
func (s *Server) respond(client *Client, req protocol.WebSocketRequest, payload any, err error) error {
	resp := protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    protocol.WSTypeResponse,
		Success: err == nil,
		Payload: payload,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if sendErr := client.Send(resp); sendErr != nil {
		return sendErr
	}
	return err
}

// sendError sends a structured error to a WebSocket client
func (s *Server) sendError(client *Client, requestID, code, message string) {
	resp := protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]string{"code": code},
	}
	if err := client.Send(resp); err != nil {
		s.logger.Warn("failed to send error response", "client", client.ID, "err", err)
	}
}
