package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/internal/api"
	"github.com/adwidya/recall/internal/state"
)

const apiRequestTimeout = 15 * time.Second

// APIClient talks to the orchestrator's HTTP API. It backs the capture
// session's recognition calls and the connection manager's polling
// fallback.
type APIClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	sessionID string
}

// NewAPIClient creates a client for the server at baseURL, e.g.
// http://localhost:8080. An empty sessionID is adopted from the first
// server response that carries one.
func NewAPIClient(baseURL, sessionID string, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: apiRequestTimeout},
		logger:    logger,
		sessionID: sessionID,
	}
}

// SessionID returns the session this client is bound to. Empty until
// the server has assigned one.
func (a *APIClient) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *APIClient) adoptSession(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == "" {
		a.sessionID = id
		a.logger.Info("Session assigned by server", zap.String("session_id", id))
	}
}

// WebSocketURL derives the realtime channel endpoint from the API base
// URL.
func (a *APIClient) WebSocketURL() (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", a.baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// ChannelToken fetches a fresh channel token for the websocket
// handshake. The server creates the session if the client does not hold
// one yet.
func (a *APIClient) ChannelToken(ctx context.Context) (string, time.Time, error) {
	endpoint := a.baseURL + "/api/v1/channel/token"
	if id := a.SessionID(); id != "" {
		endpoint += "?session_id=" + url.QueryEscape(id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}

	var out api.ChannelTokenResponse
	if err := a.doJSON(req, &out); err != nil {
		return "", time.Time{}, err
	}
	a.adoptSession(out.SessionID)
	return out.Token, out.ExpiresAt, nil
}

// UIState polls the current session snapshot. It serves the fallback
// path when the realtime channel is unavailable.
func (a *APIClient) UIState(ctx context.Context) (state.Snapshot, error) {
	endpoint := a.baseURL + "/api/v1/ui-state"
	if id := a.SessionID(); id != "" {
		endpoint += "?session_id=" + url.QueryEscape(id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}

	var snapshot state.Snapshot
	if err := a.doJSON(req, &snapshot); err != nil {
		return state.Snapshot{}, err
	}
	a.adoptSession(snapshot.SessionID)
	return snapshot, nil
}

// StartRecognition opens a recognition run and returns its ID.
func (a *APIClient) StartRecognition(ctx context.Context, continuous bool, mode string) (string, error) {
	body := api.RecognitionStartRequest{
		SessionID:  a.SessionID(),
		Continuous: continuous,
		Mode:       mode,
	}

	var out api.RecognitionResponse
	if err := a.postJSON(ctx, "/api/v1/recognition/start", body, &out); err != nil {
		return "", err
	}
	a.adoptSession(out.SessionID)
	return out.RecognitionID, nil
}

// StopRecognition closes a recognition run so the server can act on its
// accumulated transcript.
func (a *APIClient) StopRecognition(ctx context.Context, recognitionID string) error {
	body := api.RecognitionStopRequest{
		SessionID:     a.SessionID(),
		RecognitionID: recognitionID,
	}
	return a.postJSON(ctx, "/api/v1/recognition/stop", body, nil)
}

// SubmitChunk uploads one captured audio chunk into a recognition run.
func (a *APIClient) SubmitChunk(ctx context.Context, recognitionID string, chunk []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("session_id", a.SessionID()); err != nil {
		return fmt.Errorf("failed to write session field: %w", err)
	}
	if err := writer.WriteField("recognition_id", recognitionID); err != nil {
		return fmt.Errorf("failed to write recognition field: %w", err)
	}
	part, err := writer.CreateFormFile("audio_chunk", "chunk.raw")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v1/recognition/chunk", &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("chunk upload failed: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chunk rejected with %d: %s: %w", resp.StatusCode, snippet, entities.ErrTranscriptionUnavailable)
	}
	return nil
}

func (a *APIClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.doJSON(req, out)
}

func (a *APIClient) doJSON(req *http.Request, out interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", req.URL.Path, err)
	}
	return nil
}
