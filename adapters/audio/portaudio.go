// Package audio captures microphone input through PortAudio. The capture
// loop in the voice client owns a Microphone exclusively; a second open
// reports the device as unavailable instead of fighting over the stream.
package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
)

const (
	defaultSampleRate      = 16000
	defaultFramesPerBuffer = 1600 // 100ms of audio at 16kHz
	numChannels            = 1
)

// Device describes an audio input device.
type Device struct {
	Index    int
	Name     string
	Channels int
}

// Microphone reads fixed-size PCM chunks from the default input device.
type Microphone struct {
	mu              sync.Mutex
	stream          *portaudio.Stream
	buffer          []int16
	sampleRate      int
	framesPerBuffer int
	open            bool
	logger          *zap.Logger
}

// NewMicrophone creates a microphone with the given capture parameters.
// Zero values fall back to 16kHz mono with 100ms buffers.
func NewMicrophone(sampleRate, framesPerBuffer int, logger *zap.Logger) *Microphone {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	return &Microphone{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		logger:          logger,
	}
}

// SampleRate returns the configured capture rate in Hz.
func (m *Microphone) SampleRate() int {
	return m.sampleRate
}

// Open initializes PortAudio and starts the default input stream. Opening
// an already open microphone fails with ErrDeviceUnavailable.
func (m *Microphone) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return fmt.Errorf("microphone already in use: %w", entities.ErrDeviceUnavailable)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %v: %w", err, entities.ErrDeviceUnavailable)
	}

	m.buffer = make([]int16, m.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(
		numChannels,
		0,
		float64(m.sampleRate),
		len(m.buffer),
		m.buffer,
	)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open input stream: %v: %w", err, entities.ErrDeviceUnavailable)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start input stream: %v: %w", err, entities.ErrDeviceUnavailable)
	}

	m.stream = stream
	m.open = true
	m.logger.Info("Microphone opened",
		zap.Int("sample_rate", m.sampleRate),
		zap.Int("frames_per_buffer", m.framesPerBuffer))
	return nil
}

// ReadChunk blocks until one buffer of audio has been captured and returns
// it as little-endian 16-bit PCM.
func (m *Microphone) ReadChunk() ([]byte, error) {
	m.mu.Lock()
	stream := m.stream
	open := m.open
	m.mu.Unlock()

	if !open {
		return nil, fmt.Errorf("microphone not open: %w", entities.ErrDeviceUnavailable)
	}

	if err := stream.Read(); err != nil {
		return nil, fmt.Errorf("failed to read from input stream: %v: %w", err, entities.ErrDeviceUnavailable)
	}

	return int16ToBytes(m.buffer), nil
}

// Close stops the stream and releases the device.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil
	}
	m.open = false

	if err := m.stream.Stop(); err != nil {
		m.logger.Warn("Failed to stop input stream", zap.Error(err))
	}
	if err := m.stream.Close(); err != nil {
		m.logger.Warn("Failed to close input stream", zap.Error(err))
	}
	m.stream = nil

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %v", err)
	}
	m.logger.Info("Microphone closed")
	return nil
}

// ListInputDevices returns the available audio input devices.
func ListInputDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %v", err)
	}
	defer portaudio.Terminate()

	allDevices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %v", err)
	}

	devices := []Device{}
	for i, info := range allDevices {
		if info.MaxInputChannels > 0 {
			devices = append(devices, Device{
				Index:    i,
				Name:     info.Name,
				Channels: info.MaxInputChannels,
			})
		}
	}
	return devices, nil
}

// int16ToBytes converts samples to little-endian PCM bytes.
func int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data
}
