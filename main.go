package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/snddelay/audio"
	"github.com/d1nch8g/snddelay/config"
	"github.com/d1nch8g/snddelay/engine"
	"github.com/d1nch8g/snddelay/paudio"
	"github.com/d1nch8g/snddelay/pcm"
	"github.com/d1nch8g/snddelay/sound"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	if err := paudio.Initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize PortAudio")
	}
	defer paudio.Terminate()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create engine")
		return
	}

	if err := runner.Start(); err != nil {
		logger.WithError(err).Error("Failed to start engine")
		return
	}
	logger.WithField("mode", cfg.Mode).Info("Running, press Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("Stopping...")
		if err := runner.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop engine")
		}
	case <-runner.Done():
	}

	// A device stuck in a blocking call can hold the loop for up to one block
	select {
	case <-runner.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("Engine did not stop in time")
	}
}

func newRunner(cfg *config.Config, logger *logrus.Logger) (engine.Runner, error) {
	opts := []engine.Option{engine.WithLogger(logger)}

	if cfg.Mode == config.ModeNoise {
		noise := engine.DefaultNoiseConfig()
		noise.Format = noise.Format.WithSampleRate(cfg.Noise.SampleRate)
		noise.BufferSize = cfg.Noise.BufferSize
		noise.Kind = engine.NoiseKind(cfg.Noise.Kind)
		noise.Amplitude = cfg.Noise.Amplitude
		return engine.NewNoiseEngine(noise, newPlayback(cfg), opts...)
	}

	delay := engine.DelayConfig{
		DelayMillis: cfg.Delay.DelayMillis,
		PitchFactor: cfg.Delay.Pitch,
		Format: pcm.Format{
			SampleRate:    cfg.Audio.SampleRate,
			BitsPerSample: cfg.Audio.SampleBits,
			Channels:      cfg.Audio.Channels,
			Signed:        cfg.Audio.Signed,
			BigEndian:     cfg.Audio.BigEndian,
		},
		BufferSize: cfg.Delay.BufferSize,
	}
	return engine.NewDelayEngine(delay, newCapture(cfg), newPlayback(cfg), opts...)
}

func newCapture(cfg *config.Config) audio.Capture {
	if cfg.Audio.CaptureFile != "" {
		return audio.NewFileCapture(audio.FileConfig{
			Path:            cfg.Audio.CaptureFile,
			Loop:            cfg.Audio.CaptureLoop,
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		})
	}
	return audio.NewPortaudioCapture(audio.Config{
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
	})
}

func newPlayback(cfg *config.Config) sound.Playback {
	if cfg.Backend == config.BackendOto {
		return sound.NewOtoPlayback(sound.OtoConfig{})
	}
	return sound.NewPortaudioPlayback(sound.PlayerConfig{
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
	})
}
