package stt_test

import (
	"github.com/adwidya/recall/adapters/stt"
	"github.com/adwidya/recall/domain/repositories"
)

var _ repositories.StreamingTranscriber = &stt.GoogleTranscriber{}

var _ repositories.Transcriber = &stt.WhisperTranscriber{}
