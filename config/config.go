package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	ModeDelay = "delay"
	ModeNoise = "noise"

	BackendPortaudio = "portaudio"
	BackendOto       = "oto"
)

type Config struct {
	Mode     string
	Backend  string
	LogLevel logrus.Level

	Audio AudioConfig
	Delay DelayConfig
	Noise NoiseConfig
}

// AudioConfig describes the PCM layout of the delay engine and its devices
type AudioConfig struct {
	SampleRate      float64
	SampleBits      int
	Channels        int
	Signed          bool
	BigEndian       bool
	FramesPerBuffer int

	// CaptureFile replaces the microphone with an MP3 file when set
	CaptureFile string
	CaptureLoop bool
}

type DelayConfig struct {
	DelayMillis int
	Pitch       float64
	BufferSize  int
}

type NoiseConfig struct {
	SampleRate float64
	BufferSize int
	Kind       string
	Amplitude  float64
}

// Load reads an optional .env file and then the SNDDELAY_* environment
func Load() (*Config, error) {
	// Try to load .env file (optional)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Mode:    strings.ToLower(p.strVar("SNDDELAY_MODE", ModeDelay)),
		Backend: strings.ToLower(p.strVar("SNDDELAY_BACKEND", BackendPortaudio)),
		Audio: AudioConfig{
			SampleRate:      p.floatVar("SNDDELAY_SAMPLE_RATE", 44100),
			SampleBits:      p.intVar("SNDDELAY_SAMPLE_BITS", 32),
			Channels:        p.intVar("SNDDELAY_CHANNELS", 1),
			Signed:          p.boolVar("SNDDELAY_SIGNED", true),
			BigEndian:       p.boolVar("SNDDELAY_BIG_ENDIAN", true),
			FramesPerBuffer: p.intVar("SNDDELAY_FRAMES_PER_BUFFER", 4096),
			CaptureFile:     p.strVar("SNDDELAY_CAPTURE_FILE", ""),
			CaptureLoop:     p.boolVar("SNDDELAY_CAPTURE_LOOP", true),
		},
		Delay: DelayConfig{
			DelayMillis: p.intVar("SNDDELAY_DELAY_MS", 1000),
			Pitch:       p.floatVar("SNDDELAY_PITCH", 1.0),
			BufferSize:  p.intVar("SNDDELAY_BUFFER_SIZE", 1_000_000),
		},
		Noise: NoiseConfig{
			SampleRate: p.floatVar("SNDDELAY_NOISE_SAMPLE_RATE", 8000),
			BufferSize: p.intVar("SNDDELAY_NOISE_BUFFER_SIZE", 10_000),
			Kind:       strings.ToLower(p.strVar("SNDDELAY_NOISE_KIND", "bytes")),
			Amplitude:  p.floatVar("SNDDELAY_NOISE_AMPLITUDE", 0.5),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	level, err := logrus.ParseLevel(p.strVar("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	switch cfg.Mode {
	case ModeDelay, ModeNoise:
	default:
		return nil, fmt.Errorf("SNDDELAY_MODE must be %q or %q, got %q", ModeDelay, ModeNoise, cfg.Mode)
	}
	switch cfg.Backend {
	case BackendPortaudio, BackendOto:
	default:
		return nil, fmt.Errorf("SNDDELAY_BACKEND must be %q or %q, got %q", BackendPortaudio, BackendOto, cfg.Backend)
	}
	if cfg.Audio.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("SNDDELAY_FRAMES_PER_BUFFER must be positive, got %d", cfg.Audio.FramesPerBuffer)
	}

	return cfg, nil
}

// parser keeps the first malformed variable so Load can report it once
type parser struct {
	err error
}

func (p *parser) strVar(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) intVar(key string, def int) int {
	v := p.strVar(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.ReplaceAll(v, "_", ""))
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) floatVar(key string, def float64) float64 {
	v := p.strVar(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) boolVar(key string, def bool) bool {
	v := p.strVar(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
