// Command voiceclient is a terminal reference client for the recall server.
// It opens the realtime channel, captures microphone audio into recognition
// chunks and prints every event the server pushes back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/adwidya/recall/adapters/audio"
	"github.com/adwidya/recall/client"
	"github.com/adwidya/recall/internal/state"
)

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("RECALL_SERVER", "http://localhost:8080"), "server base URL")
	sessionID := flag.String("session", "", "session ID to resume, empty for a new session")
	mode := flag.String("mode", "conversation", "recognition mode: command, dictation or conversation")
	oneshot := flag.Bool("oneshot", false, "stop after a single utterance instead of listening continuously")
	segment := flag.Duration("segment", 45*time.Second, "continuous listening segment length")
	sampleRate := flag.Int("sample-rate", 16000, "microphone sample rate in Hz")
	listDevices := flag.Bool("devices", false, "list audio input devices and exit")
	flag.Parse()

	if *listDevices {
		devices, err := audio.ListInputDevices()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to list devices:", err)
			os.Exit(1)
		}
		for _, d := range devices {
			fmt.Printf("%3d  %s (%d channels)\n", d.Index, d.Name, d.Channels)
		}
		return
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	api := client.NewAPIClient(*server, *sessionID, logger)

	// Bind the session before anything else runs so the channel and the
	// capture loop cannot each get a fresh one assigned.
	bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	snap, err := api.UIState(bootCtx)
	cancel()
	if err != nil {
		logger.Fatal("server unreachable", zap.String("server", *server), zap.Error(err))
	}
	fmt.Printf("session %s\n", snap.SessionID)

	conn := client.NewConnection(api, client.ConnConfig{}, &consoleSink{}, logger)
	if err := conn.Open(); err != nil {
		logger.Fatal("failed to open channel", zap.Error(err))
	}
	defer conn.Close()

	mic := audio.NewMicrophone(*sampleRate, 0, logger)
	capture := client.NewCaptureSession(mic, api, client.CaptureConfig{
		Mode:            *mode,
		SegmentDuration: *segment,
	}, logger)

	if err := capture.Start(context.Background(), !*oneshot); err != nil {
		logger.Fatal("failed to start capture", zap.Error(err))
	}

	if *oneshot {
		fmt.Println("listening, Ctrl+C to finish the utterance and quit")
	} else {
		fmt.Println("listening continuously, Ctrl+C to quit")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println("\nstopping")
	if err := capture.Stop(); err != nil {
		logger.Warn("capture stop failed", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// consoleSink prints channel events. Audio frames are discarded rather than
// played; they fall through to NopSink.
type consoleSink struct {
	client.NopSink
}

func (*consoleSink) StateChanged(previous, current client.ConnState) {
	fmt.Printf("[channel] %s -> %s\n", previous, current)
}

func (*consoleSink) SnapshotReceived(snap state.Snapshot) {
	fmt.Printf("[state] rev=%d mic=%t continuous=%t speaking=%t question %d/%d\n",
		snap.Revision,
		snap.UIState.MicrophoneActive,
		snap.UIState.ContinuousListening,
		snap.UIState.AssistantSpeaking,
		snap.QuestionState.CurrentIndex+1,
		snap.QuestionState.TotalQuestions)
	if snap.CurrentQuestion != "" {
		fmt.Printf("[question] %s\n", snap.CurrentQuestion)
	}
}

func (*consoleSink) TTSStatusReceived(status state.TTSStatus) {
	fmt.Printf("[tts] speaking=%t queued=%d\n", status.Speaking, status.QueueLength)
}

func (*consoleSink) SpeechStarted(contextID, text string) {
	fmt.Printf("[assistant] %s\n", text)
}

func (*consoleSink) SpeechEnded(contextID string, interrupted bool) {
	if interrupted {
		fmt.Println("[assistant] (interrupted)")
	}
}

func (*consoleSink) RecognitionEnded(recognitionID, transcript string) {
	if transcript != "" {
		fmt.Printf("[you] %s\n", transcript)
	}
}

func (*consoleSink) AuthenticationFailed(reason string) {
	fmt.Printf("[channel] authentication failed: %s\n", reason)
}
