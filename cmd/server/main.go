package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/adwidya/recall/adapters"
	"github.com/adwidya/recall/adapters/llm"
	"github.com/adwidya/recall/adapters/mongo"
	"github.com/adwidya/recall/adapters/stt"
	"github.com/adwidya/recall/adapters/tts"
	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/api"
	"github.com/adwidya/recall/internal/auth"
	"github.com/adwidya/recall/internal/config"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/speech"
	"github.com/adwidya/recall/internal/state"
	"github.com/adwidya/recall/internal/websocket"
	"github.com/adwidya/recall/usecase"
)

func main() {
	// A missing .env file is fine: deployments set real environment
	// variables instead.
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Session registry and state fan-out.
	sessions := session.NewManager(logger)
	states := state.NewBroadcaster(logger)
	tokens := auth.NewTokenService([]byte(cfg.JWTSecret), cfg.ChannelTokenTTL)

	// Realtime channel. The hub doubles as the push sink for state
	// snapshots and as the audio sink for synthesized speech.
	hub := websocket.NewHub(tokens, sessions, states, logger)
	go hub.Run()
	states.AddSink(hub)

	// Speech synthesis and playback.
	synth, err := tts.NewCartesiaTTS(tts.NewCartesiaConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("text to speech unavailable", zap.Error(err))
	}
	engine := speech.NewEngine(synth, sessions, states, hub, logger)
	defer engine.Close()

	// Language model.
	llmConfig, err := llm.GeminiConfigFromEnv()
	if err != nil {
		logger.Fatal("language model unavailable", zap.Error(err))
	}
	gemini, err := llm.NewGeminiLLM(ctx, llmConfig, logger)
	if err != nil {
		logger.Fatal("language model unavailable", zap.Error(err))
	}
	study := usecase.NewStudyService(gemini, logger)

	// Speech recognition.
	var transcriber repositories.Transcriber
	if cfg.Transcriber == "whisper" {
		transcriber = stt.NewWhisperTranscriber(stt.WhisperConfigFromEnv(), logger)
	} else {
		transcriber = stt.NewGoogleTranscriber(logger)
	}

	// Conversation archive. Without a MongoDB URI turns stay in memory and
	// are lost on restart.
	var archive repositories.ConversationArchive
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.NewClient(cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("conversation archive unavailable", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mongoClient.Close(closeCtx)
		}()
		archive = mongo.NewTurnArchive(mongoClient.Database, logger)
	} else {
		archive = adapters.NewMemoryTurnArchive()
		logger.Info("no MONGODB_URI configured, archiving turns in memory")
	}

	voice := usecase.NewVoiceService(sessions, states, engine, study, transcriber, archive, logger)
	hub.AttachVoice(voice)

	// Background cleanup. Rotations and stalled ends surface to clients
	// through the next UI snapshot; expiry drops every per-session resource.
	janitor := session.NewJanitor(sessions, cfg.SweepInterval, cfg.SegmentDuration, logger)
	janitor.OnRotated = func(sess *entities.Session, _ entities.Recognition) {
		states.PublishUIState(sess)
	}
	janitor.OnEnded = func(sess *entities.Session, _ entities.Recognition) {
		states.PublishUIState(sess)
	}
	janitor.OnExpired = func(sessionID string) {
		engine.Drop(sessionID)
		states.Forget(sessionID)
		voice.DropSession(sessionID)
	}
	janitor.Start()
	defer janitor.Stop()

	// HTTP surface.
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := &api.Handler{
		Sessions:     sessions,
		States:       states,
		Engine:       engine,
		Voice:        voice,
		Study:        study,
		Tokens:       tokens,
		Archive:      archive,
		Synth:        synth,
		Hub:          hub,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	}
	handler.Register(e)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("recall server started",
		zap.String("port", cfg.Port),
		zap.String("transcriber", cfg.Transcriber))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
