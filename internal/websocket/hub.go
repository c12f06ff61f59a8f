package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/auth"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/state"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Outbound queue per client. Slow consumers drop frames; the ping
	// loop reaps dead connections.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WriteData wraps a frame for the client send channel so binary audio and
// JSON messages share one writer.
type WriteData struct {
	Type    int
	Payload []byte
}

// VoiceController drives the recognition lifecycle for channel clients.
type VoiceController interface {
	StartRecognition(ctx context.Context, sessionID string, continuous bool, mode string, cfg repositories.AudioConfig) (entities.Recognition, error)
	StopRecognition(ctx context.Context, sessionID, recognitionID string) (entities.Recognition, error)
	SubmitChunk(ctx context.Context, sessionID, recognitionID string, chunk []byte) error
}

// Hub maintains the set of channel clients and fans session state and
// synthesized audio out to the clients attached to each session.
type Hub struct {
	// Registered clients, authenticated or not.
	clients map[*Client]bool

	// Authenticated clients grouped by session ID.
	groups map[string]map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients and groups
	mu sync.RWMutex

	tokens    *auth.TokenService
	manager   *session.Manager
	states    *state.Broadcaster
	voice     VoiceController
	validator *MessageValidator
	logger    *zap.Logger
}

// NewHub creates a new WebSocket hub. The voice controller is attached
// separately because it is constructed after the hub during wiring.
func NewHub(tokens *auth.TokenService, manager *session.Manager, states *state.Broadcaster, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		tokens:     tokens,
		manager:    manager,
		states:     states,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
}

// AttachVoice wires the recognition controller. Must be called before Run.
func (h *Hub) AttachVoice(v VoiceController) {
	h.voice = v
}

// Run starts the hub's main loop for handling client registration.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("channel client connected", zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			_, known := h.clients[client]
			if known {
				delete(h.clients, client)
				h.leaveGroupLocked(client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()

			if known {
				h.stopOrphanedRecognition(client)
				h.logger.Info("channel client disconnected",
					zap.String("session_id", client.sessionID),
					zap.Int("total_clients", total),
				)
			}
		}
	}
}

// leaveGroupLocked removes the client from its session group. Caller holds
// the hub mutex.
func (h *Hub) leaveGroupLocked(client *Client) {
	if client.sessionID == "" {
		return
	}
	group, ok := h.groups[client.sessionID]
	if !ok {
		return
	}
	delete(group, client)
	if len(group) == 0 {
		delete(h.groups, client.sessionID)
	}
}

// stopOrphanedRecognition ends a recognition run whose client went away so
// the microphone flag does not linger until the idle sweep.
func (h *Hub) stopOrphanedRecognition(client *Client) {
	if client.recognitionID == "" || h.voice == nil {
		return
	}
	if _, err := h.voice.StopRecognition(context.Background(), client.sessionID, client.recognitionID); err != nil {
		h.logger.Debug("orphaned recognition already gone",
			zap.String("recognition_id", client.recognitionID),
			zap.Error(err),
		)
	}
}

// HandleWebSocket upgrades an HTTP request to a channel connection. A token
// in the query string authenticates immediately; otherwise the client must
// send an authenticate message before it receives session traffic.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan WriteData, sendBufferSize),
		logger: h.logger,
	}

	client.sendJSON(&ConnectionStatusMessage{
		BaseMessage: newBase(MessageTypeConnectionStatus),
		Status:      "connected",
	})

	if token := c.QueryParam("token"); token != "" {
		h.completeAuthentication(client, token, c.QueryParam("session_id"))
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	return nil
}

// authenticate validates the channel token and joins the client to its
// session group.
func (h *Hub) authenticate(client *Client, token, sessionID string) error {
	claims, err := h.tokens.ValidateChannelToken(token)
	if err != nil {
		return err
	}
	if sessionID != "" && sessionID != claims.SessionID {
		return fmt.Errorf("token not issued for session %s: %w", sessionID, entities.ErrAuthenticationRejected)
	}
	if _, err := h.manager.Get(claims.SessionID); err != nil {
		return fmt.Errorf("session %s: %w", claims.SessionID, entities.ErrAuthenticationRejected)
	}

	client.authenticated = true
	client.sessionID = claims.SessionID

	h.mu.Lock()
	group, ok := h.groups[claims.SessionID]
	if !ok {
		group = make(map[*Client]bool)
		h.groups[claims.SessionID] = group
	}
	group[client] = true
	h.mu.Unlock()

	return nil
}

// completeAuthentication runs the handshake and reports the outcome. A
// rejected handshake leaves the connection open without session traffic.
func (h *Hub) completeAuthentication(client *Client, token, sessionID string) {
	if err := h.authenticate(client, token, sessionID); err != nil {
		h.logger.Warn("channel authentication rejected",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		client.sendJSON(&AuthenticationStatusMessage{
			BaseMessage:   newBase(MessageTypeAuthenticationStatus),
			Authenticated: false,
			Error:         "invalid or expired channel token",
		})
		return
	}

	client.sendJSON(&AuthenticationStatusMessage{
		BaseMessage:   newBase(MessageTypeAuthenticationStatus),
		Authenticated: true,
		SessionID:     client.sessionID,
	})

	// Authenticated clients start from a fresh snapshot so they do not
	// wait for the next state change.
	if sess, err := h.manager.Get(client.sessionID); err == nil {
		client.sendJSON(&UIStateUpdateMessage{
			BaseMessage: newBase(MessageTypeUIStateUpdate),
			Snapshot:    h.states.Snapshot(sess),
		})
	}

	h.logger.Info("channel client authenticated", zap.String("session_id", client.sessionID))
}

// processMessage routes a parsed text message to its handler.
func (h *Hub) processMessage(client *Client, messageBytes []byte) {
	parsed, err := h.validator.ValidateMessage(messageBytes)
	if err != nil {
		h.logger.Warn("invalid channel message", zap.Error(err))
		client.sendJSON(CreateErrorMessage("invalid_message", err.Error()))
		return
	}

	switch msg := parsed.(type) {
	case *AuthenticateMessage:
		h.handleAuthenticate(client, msg)

	case *PingMessage:
		client.sendJSON(CreatePongMessage(msg.Data))

	case *ListeningStartMessage:
		if !h.requireAuth(client) {
			return
		}
		h.handleListeningStart(client, msg)

	case *ListeningEndMessage:
		if !h.requireAuth(client) {
			return
		}
		h.handleListeningEnd(client, msg)

	case *BaseMessage:
		if !h.requireAuth(client) {
			return
		}
		h.handleStateRequest(client, msg.Type)
	}
}

func (h *Hub) requireAuth(client *Client) bool {
	if client.authenticated {
		return true
	}
	client.sendJSON(CreateErrorMessage("authentication_required", "authenticate before sending requests"))
	return false
}

func (h *Hub) handleAuthenticate(client *Client, msg *AuthenticateMessage) {
	if client.authenticated {
		client.sendJSON(&AuthenticationStatusMessage{
			BaseMessage:   newBase(MessageTypeAuthenticationStatus),
			Authenticated: true,
			SessionID:     client.sessionID,
		})
		return
	}
	h.completeAuthentication(client, msg.Token, msg.SessionID)
}

func (h *Hub) handleListeningStart(client *Client, msg *ListeningStartMessage) {
	if h.voice == nil {
		client.sendJSON(CreateErrorMessage("listening_unavailable", "recognition is not configured"))
		return
	}

	cfg := repositories.AudioConfig{
		SampleRate: msg.SampleRate,
		Encoding:   msg.Encoding,
		Language:   msg.Language,
	}
	rec, err := h.voice.StartRecognition(context.Background(), client.sessionID, msg.Continuous, msg.Mode, cfg)
	if err != nil {
		h.logger.Error("failed to start recognition",
			zap.String("session_id", client.sessionID),
			zap.Error(err),
		)
		client.sendJSON(CreateErrorMessage(errorCode(err), "failed to start listening"))
		return
	}

	client.recognitionID = rec.ID
	client.sendJSON(&RecognitionStartedMessage{
		BaseMessage:   newBase(MessageTypeRecognitionStarted),
		SessionID:     client.sessionID,
		RecognitionID: rec.ID,
		Continuous:    rec.Continuous,
		Mode:          string(rec.Mode),
	})
}

func (h *Hub) handleListeningEnd(client *Client, msg *ListeningEndMessage) {
	if h.voice == nil {
		client.sendJSON(CreateErrorMessage("listening_unavailable", "recognition is not configured"))
		return
	}

	recognitionID := msg.RecognitionID
	if recognitionID == "" {
		recognitionID = client.recognitionID
	}
	if recognitionID == "" {
		client.sendJSON(CreateErrorMessage("no_active_recognition", "no listening run to end"))
		return
	}

	rec, err := h.voice.StopRecognition(context.Background(), client.sessionID, recognitionID)
	if err != nil {
		client.sendJSON(CreateErrorMessage(errorCode(err), "failed to end listening"))
		return
	}
	if client.recognitionID == recognitionID {
		client.recognitionID = ""
	}

	client.sendJSON(&RecognitionEndedMessage{
		BaseMessage:   newBase(MessageTypeRecognitionEnded),
		SessionID:     client.sessionID,
		RecognitionID: rec.ID,
		Transcript:    rec.Transcript(),
	})
}

// handleStateRequest serves resync requests over the channel itself so a
// client can recover after missed pushes.
func (h *Hub) handleStateRequest(client *Client, t MessageType) {
	sess, err := h.manager.Get(client.sessionID)
	if err != nil {
		client.sendJSON(CreateErrorMessage("session_not_found", "session expired or removed"))
		return
	}

	switch t {
	case MessageTypeUIStateRequest:
		client.sendJSON(&UIStateUpdateMessage{
			BaseMessage: newBase(MessageTypeUIStateUpdate),
			Snapshot:    h.states.Snapshot(sess),
		})
	case MessageTypeQuestionStateRequest:
		client.sendJSON(&QuestionStateUpdateMessage{
			BaseMessage: newBase(MessageTypeQuestionStateUpdate),
			Snapshot:    h.states.Snapshot(sess),
		})
	case MessageTypeTTSStatusRequest:
		client.sendJSON(&TTSStatusUpdateMessage{
			BaseMessage: newBase(MessageTypeTTSStatusUpdate),
			Status:      h.states.TTSStatus(client.sessionID),
		})
	}
}

// processBinaryAudioChunk forwards captured audio into the active
// recognition run. Chunks without a run are dropped.
func (h *Hub) processBinaryAudioChunk(client *Client, chunk []byte) {
	if !client.authenticated || client.recognitionID == "" || h.voice == nil {
		return
	}
	if err := h.voice.SubmitChunk(context.Background(), client.sessionID, client.recognitionID, chunk); err != nil {
		h.logger.Debug("audio chunk dropped",
			zap.String("session_id", client.sessionID),
			zap.String("recognition_id", client.recognitionID),
			zap.Error(err),
		)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, entities.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, entities.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, entities.ErrTranscriptionUnavailable):
		return "transcription_unavailable"
	default:
		return "internal_error"
	}
}

// UIStateUpdated implements state.Sink.
func (h *Hub) UIStateUpdated(snap state.Snapshot) {
	h.broadcastJSON(snap.SessionID, &UIStateUpdateMessage{
		BaseMessage: newBase(MessageTypeUIStateUpdate),
		Snapshot:    snap,
	})
}

// QuestionStateUpdated implements state.Sink.
func (h *Hub) QuestionStateUpdated(snap state.Snapshot) {
	h.broadcastJSON(snap.SessionID, &QuestionStateUpdateMessage{
		BaseMessage: newBase(MessageTypeQuestionStateUpdate),
		Snapshot:    snap,
	})
}

// TTSStatusUpdated implements state.Sink.
func (h *Hub) TTSStatusUpdated(status state.TTSStatus) {
	h.broadcastJSON(status.SessionID, &TTSStatusUpdateMessage{
		BaseMessage: newBase(MessageTypeTTSStatusUpdate),
		Status:      status,
	})
}

// SpeakingStarted implements speech.AudioSink. It precedes the binary
// audio frames of one utterance.
func (h *Hub) SpeakingStarted(sessionID, contextID, text string) {
	h.broadcastJSON(sessionID, &SpeechStartMessage{
		BaseMessage: newBase(MessageTypeSpeechStart),
		SessionID:   sessionID,
		ContextID:   contextID,
		Text:        text,
	})
}

// SpeechAudio implements speech.AudioSink. Frames are forwarded raw; the
// surrounding speech_start and speech_end messages carry the context ID.
func (h *Hub) SpeechAudio(sessionID, contextID string, chunk []byte) {
	h.broadcastFrame(sessionID, websocket.BinaryMessage, chunk)
}

// SpeakingEnded implements speech.AudioSink.
func (h *Hub) SpeakingEnded(sessionID, contextID string, interrupted bool) {
	h.broadcastJSON(sessionID, &SpeechEndMessage{
		BaseMessage: newBase(MessageTypeSpeechEnd),
		SessionID:   sessionID,
		ContextID:   contextID,
		Interrupted: interrupted,
	})
}

func (h *Hub) broadcastJSON(sessionID string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}
	h.broadcastFrame(sessionID, websocket.TextMessage, payload)
}

func (h *Hub) broadcastFrame(sessionID string, messageType int, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.groups[sessionID] {
		client.enqueue(messageType, payload)
	}
}

// Client represents a single channel connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan WriteData
	logger *zap.Logger

	authenticated bool
	sessionID     string
	recognitionID string
}

// enqueue hands a frame to the write pump without blocking. Full buffers
// drop the frame.
func (c *Client) enqueue(messageType int, payload []byte) {
	select {
	case c.send <- WriteData{Type: messageType, Payload: payload}:
	default:
		c.logger.Warn("client send buffer full, dropping frame",
			zap.String("session_id", c.sessionID),
			zap.Int("frame_type", messageType),
		)
	}
}

func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal outbound message", zap.Error(err))
		return
	}
	c.enqueue(websocket.TextMessage, payload)
}

// readPump pumps messages from the WebSocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error",
					zap.String("session_id", c.sessionID),
					zap.Error(err),
				)
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.hub.processMessage(c, message)
		case websocket.BinaryMessage:
			c.hub.processBinaryAudioChunk(c, message)
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case writeData, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(writeData.Type, writeData.Payload); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("session_id", c.sessionID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
