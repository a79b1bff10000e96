// Package speech provides local text-to-speech used as a fallback when no
// audio output device is available for tutor playback.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// Synthesizer speaks text aloud. Speak blocks until the utterance finishes
// or the context is cancelled; Cancel interrupts an in-flight utterance and
// is safe to call at any time, including before the first Speak.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

// CommandConfig configures a CommandSynthesizer.
type CommandConfig struct {
	// Command is the synthesis binary. Defaults to espeak-ng.
	Command string

	// Lang is the voice language tag. Defaults to zh-CN for Mandarin.
	Lang string

	// Rate scales speaking speed; 1.0 is the engine default. Tutor speech
	// defaults to 0.9 so beginners can follow.
	Rate float64

	Logger *slog.Logger
}

// CommandSynthesizer shells out to a system text-to-speech binary, one
// utterance at a time.
type CommandSynthesizer struct {
	cfg CommandConfig

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewCommandSynthesizer builds a synthesizer over the system TTS binary.
func NewCommandSynthesizer(cfg CommandConfig) *CommandSynthesizer {
	if cfg.Command == "" {
		cfg.Command = "espeak-ng"
	}
	if cfg.Lang == "" {
		cfg.Lang = "zh-CN"
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 0.9
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CommandSynthesizer{cfg: cfg}
}

// Speak runs the TTS binary for one utterance. A second Speak while the
// first is still playing cancels the first.
func (s *CommandSynthesizer) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	// espeak-ng speed is words per minute; 175 is its default.
	wpm := int(175 * s.cfg.Rate)
	cmd := exec.CommandContext(ctx, s.cfg.Command,
		"-v", s.cfg.Lang,
		"-s", strconv.Itoa(wpm),
		text,
	)

	s.mu.Lock()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = cmd
	s.mu.Unlock()

	s.cfg.Logger.Debug("speaking via system tts", "command", s.cfg.Command, "chars", len(text))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", s.cfg.Command, err)
	}
	return nil
}

// Cancel kills the in-flight utterance, if any.
func (s *CommandSynthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
}
