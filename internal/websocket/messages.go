package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adwidya/recall/internal/state"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server message types
const (
	MessageTypeAuthenticate         MessageType = "authenticate"
	MessageTypeListeningStart       MessageType = "listening_start"
	MessageTypeListeningEnd         MessageType = "listening_end"
	MessageTypeUIStateRequest       MessageType = "ui_state_request"
	MessageTypeQuestionStateRequest MessageType = "question_state_request"
	MessageTypeTTSStatusRequest     MessageType = "tts_status_request"
	MessageTypePing                 MessageType = "ping"
)

// Server to client message types
const (
	MessageTypeConnectionStatus     MessageType = "connection_status"
	MessageTypeAuthenticationStatus MessageType = "authentication_status"
	MessageTypeUIStateUpdate        MessageType = "ui_state_update"
	MessageTypeQuestionStateUpdate  MessageType = "question_state_update"
	MessageTypeTTSStatusUpdate      MessageType = "tts_status_update"
	MessageTypeRecognitionStarted   MessageType = "recognition_started"
	MessageTypeRecognitionEnded     MessageType = "recognition_ended"
	MessageTypeSpeechStart          MessageType = "speech_start"
	MessageTypeSpeechEnd            MessageType = "speech_end"
	MessageTypePong                 MessageType = "pong"
	MessageTypeError                MessageType = "error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// AuthenticateMessage carries the channel token handshake.
type AuthenticateMessage struct {
	BaseMessage
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

// AuthenticationStatusMessage reports the handshake outcome.
type AuthenticationStatusMessage struct {
	BaseMessage
	Authenticated bool   `json:"authenticated"`
	SessionID     string `json:"session_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ConnectionStatusMessage is sent once after the upgrade.
type ConnectionStatusMessage struct {
	BaseMessage
	Status string `json:"status"`
}

// ListeningStartMessage asks the server to start a recognition run.
type ListeningStartMessage struct {
	BaseMessage
	Continuous bool   `json:"continuous"`
	Mode       string `json:"mode,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Language   string `json:"language,omitempty"`
}

// ListeningEndMessage closes the client's active recognition run.
type ListeningEndMessage struct {
	BaseMessage
	RecognitionID string `json:"recognition_id,omitempty"`
}

// RecognitionStartedMessage acknowledges a listening_start.
type RecognitionStartedMessage struct {
	BaseMessage
	SessionID     string `json:"session_id"`
	RecognitionID string `json:"recognition_id"`
	Continuous    bool   `json:"continuous"`
	Mode          string `json:"mode"`
}

// RecognitionEndedMessage acknowledges a listening_end with the final
// transcript of the run.
type RecognitionEndedMessage struct {
	BaseMessage
	SessionID     string `json:"session_id"`
	RecognitionID string `json:"recognition_id"`
	Transcript    string `json:"transcript"`
}

// UIStateUpdateMessage pushes a state snapshot.
type UIStateUpdateMessage struct {
	BaseMessage
	Snapshot state.Snapshot `json:"snapshot"`
}

// QuestionStateUpdateMessage pushes question progress.
type QuestionStateUpdateMessage struct {
	BaseMessage
	Snapshot state.Snapshot `json:"snapshot"`
}

// TTSStatusUpdateMessage pushes the playback queue status.
type TTSStatusUpdateMessage struct {
	BaseMessage
	Status state.TTSStatus `json:"status"`
}

// SpeechStartMessage precedes the binary audio frames of one utterance.
type SpeechStartMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	ContextID string `json:"context_id"`
	Text      string `json:"text"`
}

// SpeechEndMessage follows the last binary audio frame of one utterance.
type SpeechEndMessage struct {
	BaseMessage
	SessionID   string `json:"session_id"`
	ContextID   string `json:"context_id"`
	Interrupted bool   `json:"interrupted"`
}

// PingMessage is an application level health check.
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage answers a ping.
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// ErrorMessage reports a request failure to the client.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// MessageValidator parses and validates incoming messages.
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses an incoming message into its typed form.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeAuthenticate:
		var msg AuthenticateMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid authenticate message: %w", err)
		}
		if msg.Token == "" {
			return nil, fmt.Errorf("token is required")
		}
		return &msg, nil

	case MessageTypeListeningStart:
		var msg ListeningStartMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_start message: %w", err)
		}
		if msg.SampleRate != 0 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
			return nil, fmt.Errorf("sample_rate must be between 8000 and 48000")
		}
		return &msg, nil

	case MessageTypeListeningEnd:
		var msg ListeningEndMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_end message: %w", err)
		}
		return &msg, nil

	case MessageTypeUIStateRequest, MessageTypeQuestionStateRequest, MessageTypeTTSStatusRequest:
		return &base, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBase(MessageTypePong),
		Data:        data,
	}
}
