package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/auth"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/speech"
	"github.com/adwidya/recall/internal/state"
	"github.com/adwidya/recall/internal/websocket"
	"github.com/adwidya/recall/usecase"
)

// archiveFetchLimit bounds the fallback read when the live transcript is
// empty.
const archiveFetchLimit = 50

// Handler wires the HTTP surface to the session, study and speech services.
// All fields except Archive are required.
type Handler struct {
	Sessions *session.Manager
	States   *state.Broadcaster
	Engine   *speech.Engine
	Voice    *usecase.VoiceService
	Study    *usecase.StudyService
	Tokens   *auth.TokenService
	Archive  repositories.ConversationArchive
	Synth    repositories.Synthesizer
	Hub      *websocket.Hub
	// HistoryLimit caps transcript responses. Zero serves everything.
	HistoryLimit int
	Logger       *zap.Logger
}

// Register mounts every route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "recall-server",
		})
	})

	// Realtime channel. The first frame must be an authenticate message
	// carrying a token from /api/v1/channel/token.
	e.GET("/ws", h.Hub.HandleWebSocket)

	v1 := e.Group("/api/v1")

	v1.POST("/chat", h.chat)
	v1.GET("/chat/history", h.chatHistory)

	v1.GET("/ui-state", h.getUIState)
	v1.POST("/ui-state", h.updateUIState)

	v1.GET("/questions/state", h.getQuestionState)
	v1.POST("/questions/state", h.updateQuestionState)

	v1.GET("/channel/token", h.channelToken)

	v1.POST("/recognition/start", h.startRecognition)
	v1.POST("/recognition/stop", h.stopRecognition)
	v1.POST("/recognition/chunk", h.submitChunk)

	v1.POST("/tts/queue", h.enqueueSpeech)
	v1.GET("/tts/queue", h.speechQueueStatus)
	v1.DELETE("/tts/queue", h.clearSpeechQueue)
	v1.POST("/tts/speak", h.speak)
	v1.GET("/tts/preferences", h.getPreferences)
	v1.POST("/tts/preferences", h.updatePreferences)
}

// chat runs one typed message through the same pipeline spoken utterances
// take. An omitted session_id starts a fresh session.
func (h *Handler) chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_message",
			Message: "Message text is required",
		})
	}

	sess := h.Sessions.GetOrCreate(req.SessionID)
	reply, err := h.Voice.HandleUtterance(c.Request().Context(), sess.ID, req.Message, "text")
	if err != nil {
		h.Logger.Error("Chat message failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "chat_failed",
			Message: "Could not process the message",
		})
	}

	return c.JSON(http.StatusOK, ChatResponse{
		SessionID: sess.ID,
		Reply:     reply,
		HasTopic:  sess.Topic() != "",
	})
}

// chatHistory serves the session transcript. When the live transcript is
// empty and an archive is configured, archived turns are returned so a
// client reconnecting after an expiry still sees its conversation.
func (h *Handler) chatHistory(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_session",
			Message: "session_id query parameter is required",
		})
	}

	resp := HistoryResponse{SessionID: sessionID, Messages: []entities.ChatMessage{}}
	if sess, err := h.Sessions.Get(sessionID); err == nil {
		resp.Messages = sess.History(h.HistoryLimit)
	}
	if len(resp.Messages) == 0 && h.Archive != nil {
		turns, err := h.Archive.RecentTurns(c.Request().Context(), sessionID, archiveFetchLimit)
		if err != nil {
			h.Logger.Warn("Archive lookup failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		} else {
			resp.Archived = turns
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// getUIState is the polling fallback for clients whose realtime channel is
// down. It serves the same snapshot the channel pushes.
func (h *Handler) getUIState(c echo.Context) error {
	sess := h.Sessions.GetOrCreate(c.QueryParam("session_id"))
	return c.JSON(http.StatusOK, h.States.Snapshot(sess))
}

func (h *Handler) updateUIState(c echo.Context) error {
	var req UIStateUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	sess := h.Sessions.GetOrCreate(req.SessionID)
	if req.AutoRead != nil {
		prefs := sess.Preferences()
		prefs.AutoRead = *req.AutoRead
		sess.SetPreferences(prefs)
	} else {
		sess.Touch()
	}

	return c.JSON(http.StatusOK, h.States.Snapshot(sess))
}

func (h *Handler) getQuestionState(c echo.Context) error {
	sess := h.Sessions.GetOrCreate(c.QueryParam("session_id"))
	resp := QuestionStateResponse{
		SessionID:     sess.ID,
		QuestionState: sess.QuestionState(),
		Questions:     sess.Questions(),
	}
	if q, ok := sess.CurrentQuestion(); ok {
		resp.CurrentQuestion = q.Text
	}
	return c.JSON(http.StatusOK, resp)
}

// updateQuestionState drives the question cursor. next and previous move
// it with wraparound and announce the question in the transcript; evaluate
// grades an answer; update (the default) overwrites the progress counters.
func (h *Handler) updateQuestionState(c echo.Context) error {
	var req QuestionStateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	sess := h.Sessions.GetOrCreate(req.SessionID)

	switch req.Action {
	case "next", "previous":
		delta := 1
		announce := "Let's try this question: %s"
		if req.Action == "previous" {
			delta = -1
			announce = "Let's go back to this question: %s"
		}
		q, ok := sess.AdvanceQuestion(delta)
		if !ok {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "no_questions",
				Message: "No questions are loaded for this session",
			})
		}
		sess.AddMessage(entities.MessageRoleAssistant, fmt.Sprintf(announce, q.Text), "text")
		h.States.PublishQuestionState(sess)
		st := sess.QuestionState()
		return c.JSON(http.StatusOK, QuestionCursorResponse{
			SessionID: sess.ID,
			Question:  q.Text,
			Index:     st.CurrentIndex,
			Total:     st.TotalQuestions,
		})

	case "evaluate":
		if strings.TrimSpace(req.Answer) == "" {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "missing_answer",
				Message: "An answer is required to evaluate",
			})
		}
		if _, ok := sess.CurrentQuestion(); !ok {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "no_questions",
				Message: "No questions are loaded for this session",
			})
		}
		feedback := h.Study.Feedback(c.Request().Context(), sess, req.Answer)
		h.States.PublishQuestionState(sess)
		st := sess.QuestionState()
		return c.JSON(http.StatusOK, EvaluationResponse{
			SessionID:    sess.ID,
			Feedback:     feedback,
			Evaluation:   string(st.LastVerdict),
			MasteryLevel: st.Mastery(),
		})

	case "", "update":
		st := sess.QuestionState()
		if req.CurrentIndex != nil {
			st.CurrentIndex = *req.CurrentIndex
		}
		if req.Correct != nil {
			st.Correct = *req.Correct
		}
		if req.PartiallyCorrect != nil {
			st.PartiallyCorrect = *req.PartiallyCorrect
		}
		if req.Incorrect != nil {
			st.Incorrect = *req.Incorrect
		}
		st = sess.SetQuestionProgress(st)
		h.States.PublishQuestionState(sess)
		resp := QuestionStateResponse{
			SessionID:     sess.ID,
			QuestionState: st,
		}
		if q, ok := sess.CurrentQuestion(); ok {
			resp.CurrentQuestion = q.Text
		}
		return c.JSON(http.StatusOK, resp)

	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unknown_action",
			Message: "Action must be next, previous, evaluate or update",
		})
	}
}

// channelToken issues the short-lived JWT the realtime channel requires.
func (h *Handler) channelToken(c echo.Context) error {
	sess := h.Sessions.GetOrCreate(c.QueryParam("session_id"))
	token, expiresAt, err := h.Tokens.GenerateChannelToken(sess.ID)
	if err != nil {
		h.Logger.Error("Failed to generate channel token",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate channel token",
		})
	}
	return c.JSON(http.StatusOK, ChannelTokenResponse{
		SessionID: sess.ID,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func (h *Handler) startRecognition(c echo.Context) error {
	var req RecognitionStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	sess := h.Sessions.GetOrCreate(req.SessionID)
	rec, err := h.Voice.StartRecognition(c.Request().Context(), sess.ID, req.Continuous, req.Mode, repositories.AudioConfig{
		SampleRate: req.SampleRate,
		Encoding:   req.Encoding,
		Language:   req.Language,
	})
	if err != nil {
		h.Logger.Error("Failed to start recognition",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "recognition_start_failed",
			Message: "Could not start speech recognition",
		})
	}

	return c.JSON(http.StatusOK, RecognitionResponse{
		SessionID:     sess.ID,
		RecognitionID: rec.ID,
		Mode:          string(rec.Mode),
		Continuous:    rec.Continuous,
	})
}

// stopRecognition finalizes a run. The accumulated transcript is returned
// so dictation clients can read back what was captured.
func (h *Handler) stopRecognition(c echo.Context) error {
	var req RecognitionStopRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	rec, err := h.Voice.StopRecognition(c.Request().Context(), req.SessionID, req.RecognitionID)
	if err != nil {
		if errors.Is(err, entities.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "session_not_found",
				Message: "Unknown or expired session",
			})
		}
		h.Logger.Error("Failed to stop recognition",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "recognition_stop_failed",
			Message: "Could not stop speech recognition",
		})
	}

	return c.JSON(http.StatusOK, RecognitionResponse{
		SessionID:     req.SessionID,
		RecognitionID: rec.ID,
		Mode:          string(rec.Mode),
		Continuous:    rec.Continuous,
		Transcript:    rec.Transcript(),
	})
}

// submitChunk feeds one multipart audio chunk into the active run. The
// transcript is not echoed back: finalized utterances dispatch server-side
// and the reply reaches the client over the channel or by polling.
func (h *Handler) submitChunk(c echo.Context) error {
	sessionID := c.FormValue("session_id")
	recognitionID := c.FormValue("recognition_id")
	file, err := c.FormFile("audio_chunk")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_chunk",
			Message: "audio_chunk form field is required",
		})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unreadable_chunk",
			Message: "Could not read the uploaded chunk",
		})
	}
	defer src.Close()
	chunk, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unreadable_chunk",
			Message: "Could not read the uploaded chunk",
		})
	}

	if err := h.Voice.SubmitChunk(c.Request().Context(), sessionID, recognitionID, chunk); err != nil {
		if errors.Is(err, entities.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "session_not_found",
				Message: "Unknown or expired session",
			})
		}
		h.Logger.Warn("Audio chunk dropped",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "transcription_unavailable",
			Message: "The chunk could not be transcribed and was dropped",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "accepted",
	})
}

func (h *Handler) enqueueSpeech(c echo.Context) error {
	var req SpeechQueueRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_text",
			Message: "Text is required",
		})
	}

	sess := h.Sessions.GetOrCreate(req.SessionID)
	sr, position, err := h.Engine.Enqueue(sess.ID, req.Text, entities.SpeechPriority(req.Priority))
	if err != nil {
		h.Logger.Error("Failed to enqueue speech",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "enqueue_failed",
			Message: "Could not queue the text for playback",
		})
	}

	_, _, pending := h.Engine.Status(sess.ID)
	return c.JSON(http.StatusOK, SpeechQueueResponse{
		SessionID:     sess.ID,
		ContextID:     sr.ContextID,
		QueuePosition: position,
		QueueLength:   pending,
	})
}

func (h *Handler) speechQueueStatus(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_session",
			Message: "session_id query parameter is required",
		})
	}
	speaking, contextID, pending := h.Engine.Status(sessionID)
	return c.JSON(http.StatusOK, SpeechQueueStatus{
		SessionID:   sessionID,
		IsPlaying:   speaking,
		ContextID:   contextID,
		QueueLength: pending,
	})
}

func (h *Handler) clearSpeechQueue(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_session",
			Message: "session_id query parameter is required",
		})
	}
	dropped := h.Engine.CancelAll(sessionID)
	return c.JSON(http.StatusOK, SpeechQueueClearResponse{
		SessionID: sessionID,
		Dropped:   dropped,
		Message:   "Playback stopped and queue cleared",
	})
}

// speak synthesizes text in one shot and returns the raw audio. Poll-mode
// clients use it because they have no channel to receive pushed frames on.
func (h *Handler) speak(c echo.Context) error {
	var req SpeakRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_text",
			Message: "Text is required",
		})
	}

	opts := repositories.SynthesisOptions{Voice: req.VoiceID, Model: req.ModelID}
	if req.SessionID != "" {
		if sess, err := h.Sessions.Get(req.SessionID); err == nil {
			prefs := sess.Preferences()
			if opts.Voice == "" {
				opts.Voice = prefs.Voice
			}
			if opts.Model == "" {
				opts.Model = prefs.Model
			}
		}
	}

	audio, err := h.Synth.Synthesize(c.Request().Context(), req.Text, opts)
	if err != nil {
		h.Logger.Error("One-shot synthesis failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "synthesis_unavailable",
			Message: "Could not synthesize the text",
		})
	}
	var buf bytes.Buffer
	for chunk := range audio {
		buf.Write(chunk)
	}

	return c.Blob(http.StatusOK, "audio/pcm", buf.Bytes())
}

func (h *Handler) getPreferences(c echo.Context) error {
	sess := h.Sessions.GetOrCreate(c.QueryParam("session_id"))
	return c.JSON(http.StatusOK, PreferencesResponse{
		SessionID:   sess.ID,
		Preferences: sess.Preferences(),
	})
}

func (h *Handler) updatePreferences(c echo.Context) error {
	var req PreferencesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	sess := h.Sessions.GetOrCreate(req.SessionID)
	prefs := sess.Preferences()
	if req.VoiceID != nil {
		prefs.Voice = *req.VoiceID
	}
	if req.ModelID != nil {
		prefs.Model = *req.ModelID
	}
	if req.AutoRead != nil {
		prefs.AutoRead = *req.AutoRead
	}
	sess.SetPreferences(prefs)

	return c.JSON(http.StatusOK, PreferencesResponse{
		SessionID:   sess.ID,
		Preferences: sess.Preferences(),
	})
}
