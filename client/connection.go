package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/internal/state"
	"github.com/adwidya/recall/internal/websocket"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBackoff     = 2 * time.Second
	defaultPollInterval         = 3 * time.Second
	defaultHandshakeTimeout     = 10 * time.Second
)

// ConnState is the connection manager's lifecycle state.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateAuthenticated ConnState = "authenticated"
	// StatePolling is entered once reconnect attempts are exhausted; the
	// manager then fetches snapshots over plain HTTP instead of the
	// channel.
	StatePolling ConnState = "polling"
)

// EventSink receives connection lifecycle changes and server pushes.
// Embed NopSink to implement only the events you care about.
type EventSink interface {
	StateChanged(previous, current ConnState)
	SnapshotReceived(snapshot state.Snapshot)
	TTSStatusReceived(status state.TTSStatus)
	SpeechStarted(contextID, text string)
	SpeechAudio(contextID string, chunk []byte)
	SpeechEnded(contextID string, interrupted bool)
	RecognitionEnded(recognitionID, transcript string)
	AuthenticationFailed(reason string)
}

// NopSink ignores every event.
type NopSink struct{}

func (NopSink) StateChanged(previous, current ConnState)          {}
func (NopSink) SnapshotReceived(snapshot state.Snapshot)          {}
func (NopSink) TTSStatusReceived(status state.TTSStatus)          {}
func (NopSink) SpeechStarted(contextID, text string)              {}
func (NopSink) SpeechAudio(contextID string, chunk []byte)        {}
func (NopSink) SpeechEnded(contextID string, interrupted bool)    {}
func (NopSink) RecognitionEnded(recognitionID, transcript string) {}
func (NopSink) AuthenticationFailed(reason string)                {}

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	// MaxReconnectAttempts bounds consecutive failed dials before the
	// manager abandons the channel for polling.
	MaxReconnectAttempts int
	// ReconnectBackoff is the fixed delay between reconnect attempts.
	ReconnectBackoff time.Duration
	// PollInterval paces the ui-state polling fallback.
	PollInterval time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// Connection maintains the realtime channel to the server: dial, in-band
// token authentication, push dispatch and bounded reconnects. Once the
// reconnect budget is exhausted it permanently falls back to polling the
// ui-state endpoint; polling and the channel are never active together.
type Connection struct {
	api    *APIClient
	config ConnConfig
	sink   EventSink
	logger *zap.Logger

	mu           sync.Mutex
	state        ConnState
	conn         *gorilla.Conn
	token        string
	lastRevision uint64
	speakingCtx  string
	started      bool
	cancel       context.CancelFunc
	done         chan struct{}

	writeMu sync.Mutex
}

// NewConnection creates a connection manager over the given API client.
// A nil sink drops all events.
func NewConnection(apiClient *APIClient, config ConnConfig, sink EventSink, logger *zap.Logger) *Connection {
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = defaultReconnectBackoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Connection{
		api:    apiClient,
		config: config,
		sink:   sink,
		logger: logger,
		state:  StateDisconnected,
	}
}

// Open starts the connection manager. It returns immediately; progress
// is reported through the sink as state changes.
func (c *Connection) Open() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connection already open")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
	return nil
}

// Close tears the channel down and stops reconnects and polling.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done

	c.mu.Lock()
	c.started = false
	c.conn = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestUIState asks the server to re-emit the current snapshot over
// the channel.
func (c *Connection) RequestUIState() error {
	return c.send(frame(websocket.MessageTypeUIStateRequest))
}

// RequestQuestionState asks the server to re-emit question progress.
func (c *Connection) RequestQuestionState() error {
	return c.send(frame(websocket.MessageTypeQuestionStateRequest))
}

// RequestTTSStatus asks the server to re-emit the playback queue status.
func (c *Connection) RequestTTSStatus() error {
	return c.send(frame(websocket.MessageTypeTTSStatusRequest))
}

// Ping sends an application level ping; the server echoes the data back
// in a pong frame.
func (c *Connection) Ping(data string) error {
	return c.send(websocket.PingMessage{
		BaseMessage: frame(websocket.MessageTypePing),
		Data:        data,
	})
}

func frame(t websocket.MessageType) websocket.BaseMessage {
	return websocket.BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func (c *Connection) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel not connected: %w", entities.ErrTransportDropped)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Connection) setState(next ConnState) {
	c.mu.Lock()
	previous := c.state
	if previous == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.sink.StateChanged(previous, next)
}

func (c *Connection) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			c.logger.Warn("Channel dial failed",
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", c.config.MaxReconnectAttempts),
				zap.Error(err),
			)
			if attempts >= c.config.MaxReconnectAttempts {
				c.pollLoop(ctx)
				return
			}
			c.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.ReconnectBackoff):
			}
			continue
		}

		attempts = 0
		c.mu.Lock()
		c.conn = conn
		// A fresh channel re-baselines staleness; the server re-sends
		// its current snapshot after authentication.
		c.lastRevision = 0
		c.mu.Unlock()
		c.setState(StateConnected)

		if err := c.authenticate(); err != nil {
			c.logger.Warn("Failed to send authenticate frame", zap.Error(err))
		}

		err = c.readLoop(conn)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Channel dropped, scheduling reconnect", zap.Error(err))
		c.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.ReconnectBackoff):
		}
	}
}

// dial fetches a fresh channel token (they are short lived) and opens
// the websocket.
func (c *Connection) dial(ctx context.Context) (*gorilla.Conn, error) {
	endpoint, err := c.api.WebSocketURL()
	if err != nil {
		return nil, err
	}

	token, _, err := c.api.ChannelToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel token: %w", err)
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	dialer := gorilla.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// authenticate performs the in-band token handshake. The outcome arrives
// as an authentication_status frame on the read loop.
func (c *Connection) authenticate() error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	return c.send(websocket.AuthenticateMessage{
		BaseMessage: frame(websocket.MessageTypeAuthenticate),
		Token:       token,
		SessionID:   c.api.SessionID(),
	})
}

func (c *Connection) readLoop(conn *gorilla.Conn) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("channel read failed: %v: %w", err, entities.ErrTransportDropped)
		}
		switch messageType {
		case gorilla.TextMessage:
			c.dispatchText(payload)
		case gorilla.BinaryMessage:
			c.mu.Lock()
			contextID := c.speakingCtx
			c.mu.Unlock()
			c.sink.SpeechAudio(contextID, payload)
		}
	}
}

func (c *Connection) dispatchText(payload []byte) {
	var base websocket.BaseMessage
	if err := json.Unmarshal(payload, &base); err != nil {
		c.logger.Warn("Undecodable channel frame", zap.Error(err))
		return
	}

	switch base.Type {
	case websocket.MessageTypeConnectionStatus:
		c.logger.Debug("Channel established")

	case websocket.MessageTypeAuthenticationStatus:
		var msg websocket.AuthenticationStatusMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		if msg.Authenticated {
			c.setState(StateAuthenticated)
			c.logger.Info("Channel authenticated", zap.String("session_id", msg.SessionID))
			return
		}
		// The connection stays open but the server withholds pushes.
		c.logger.Warn("Channel authentication rejected", zap.String("reason", msg.Error))
		c.sink.AuthenticationFailed(msg.Error)

	case websocket.MessageTypeUIStateUpdate:
		var msg websocket.UIStateUpdateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.deliverSnapshot(msg.Snapshot)

	case websocket.MessageTypeQuestionStateUpdate:
		var msg websocket.QuestionStateUpdateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.deliverSnapshot(msg.Snapshot)

	case websocket.MessageTypeTTSStatusUpdate:
		var msg websocket.TTSStatusUpdateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.sink.TTSStatusReceived(msg.Status)

	case websocket.MessageTypeRecognitionStarted:
		var msg websocket.RecognitionStartedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.logger.Debug("Recognition started",
			zap.String("recognition_id", msg.RecognitionID),
			zap.Bool("continuous", msg.Continuous),
		)

	case websocket.MessageTypeRecognitionEnded:
		var msg websocket.RecognitionEndedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.sink.RecognitionEnded(msg.RecognitionID, msg.Transcript)

	case websocket.MessageTypeSpeechStart:
		var msg websocket.SpeechStartMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.mu.Lock()
		c.speakingCtx = msg.ContextID
		c.mu.Unlock()
		c.sink.SpeechStarted(msg.ContextID, msg.Text)

	case websocket.MessageTypeSpeechEnd:
		var msg websocket.SpeechEndMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.mu.Lock()
		if c.speakingCtx == msg.ContextID {
			c.speakingCtx = ""
		}
		c.mu.Unlock()
		c.sink.SpeechEnded(msg.ContextID, msg.Interrupted)

	case websocket.MessageTypePong:
		c.logger.Debug("Pong received")

	case websocket.MessageTypeError:
		var msg websocket.ErrorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.logger.Warn("Server reported error",
			zap.String("code", msg.Code),
			zap.String("message", msg.Message),
		)

	default:
		c.logger.Debug("Unhandled channel frame", zap.String("type", string(base.Type)))
	}
}

// deliverSnapshot forwards a snapshot unless it is stale. Pushes and
// poll results share the revision sequence, so a snapshot at or below
// the last seen revision means no change.
func (c *Connection) deliverSnapshot(snapshot state.Snapshot) {
	c.mu.Lock()
	if snapshot.Revision != 0 && snapshot.Revision <= c.lastRevision {
		c.mu.Unlock()
		return
	}
	if snapshot.Revision > c.lastRevision {
		c.lastRevision = snapshot.Revision
	}
	c.mu.Unlock()
	c.sink.SnapshotReceived(snapshot)
}

// pollLoop is the permanent fallback once the reconnect budget is
// spent: the session snapshot is fetched over plain HTTP at a fixed
// interval. It holds until the connection is closed.
func (c *Connection) pollLoop(ctx context.Context) {
	c.setState(StatePolling)
	c.logger.Warn("Reconnect attempts exhausted, falling back to polling",
		zap.Duration("poll_interval", c.config.PollInterval))

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, c.config.PollInterval)
			snapshot, err := c.api.UIState(pollCtx)
			cancel()
			if err != nil {
				c.logger.Debug("Poll failed", zap.Error(err))
				continue
			}
			c.deliverSnapshot(snapshot)
		}
	}
}
