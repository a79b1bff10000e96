// Command laoshi runs a live Mandarin practice session against the Gemini
// realtime API: it streams your microphone to the tutor, plays the tutor's
// voice back, and records the transcript locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vango-go/laoshi/internal/dotenv"
	"github.com/vango-go/laoshi/pkg/config"
	"github.com/vango-go/laoshi/pkg/history"
	"github.com/vango-go/laoshi/pkg/lesson"
	"github.com/vango-go/laoshi/pkg/live/session"
	"github.com/vango-go/laoshi/pkg/speech"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "laoshi:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		lessonID    = flag.String("lesson", "greetings", "lesson to practice")
		model       = flag.String("model", "", "override the tutor model")
		voice       = flag.String("voice", "", "override the tutor voice")
		list        = flag.Bool("list", false, "list available lessons and exit")
		setKey      = flag.String("set-key", "", "store the Gemini API key and exit")
		showHistory = flag.Int("history", 0, "print the N most recent sessions and exit")
		dbPath      = flag.String("db", "", "history database path")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := dotenv.Load(); err != nil {
		logger.Warn("could not load .env", "error", err)
	}

	lessons := lesson.Default()
	if *list {
		for _, l := range lessons.List() {
			fmt.Printf("%-12s %-10s %s (%d words)\n", l.ID, l.Level, l.Title, len(l.Vocabulary))
		}
		return nil
	}

	settingsPath, err := config.DefaultPath()
	if err != nil {
		return err
	}
	settings := config.NewStore(settingsPath)
	if *setKey != "" {
		if err := settings.Set(config.CredentialKey, *setKey); err != nil {
			return err
		}
		fmt.Println("API key saved.")
		return nil
	}

	if *dbPath == "" {
		*dbPath = filepath.Join(filepath.Dir(settingsPath), "history.db")
	}
	hist, err := history.Open(*dbPath)
	if err != nil {
		logger.Warn("history unavailable, transcripts will not be saved", "error", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	if *showHistory > 0 {
		if hist == nil {
			return fmt.Errorf("history database could not be opened")
		}
		return printHistory(hist, *showHistory)
	}

	fatal := make(chan string, 1)
	sess := session.New(session.Config{
		APIKey:   settings.Credential,
		Lessons:  lessons,
		Model:    *model,
		Voice:    *voice,
		Fallback: speech.NewCommandSynthesizer(speech.CommandConfig{Logger: logger}),
		Logger:   logger,
		OnStateChange: func(state session.State, status string) {
			logger.Info("session", "state", string(state), "status", status)
			if state == session.StateError {
				select {
				case fatal <- status:
				default:
				}
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx, *lessonID); err != nil {
		return err
	}
	fmt.Printf("Starting lesson %q. Press Ctrl-C to finish.\n", *lessonID)

	select {
	case <-ctx.Done():
		fmt.Println("\nEnding session...")
	case status := <-fatal:
		fmt.Printf("\nSession ended: %s\n", status)
	}
	sess.Stop()

	items := sess.Transcript()
	if hist != nil && sess.AttemptID() != "" {
		rec := history.SessionRecord{
			ID:        sess.AttemptID(),
			LessonID:  sess.LessonID(),
			StartedAt: sess.StartedAt(),
			EndedAt:   time.Now(),
		}
		for _, item := range items {
			rec.Transcript = append(rec.Transcript, history.TranscriptRecord{
				Speaker: string(item.Speaker),
				Text:    item.Text,
				At:      item.At,
			})
		}
		if err := hist.SaveSession(rec); err != nil {
			logger.Warn("could not save session", "error", err)
		}
	}

	if len(items) > 0 {
		fmt.Println("\nTranscript:")
		printTranscript(items)
	}
	return nil
}

func printTranscript(items []session.TranscriptItem) {
	for _, item := range items {
		who := "You"
		if item.Speaker == session.SpeakerAI {
			who = "Tutor"
		}
		fmt.Printf("  [%s] %s: %s\n", item.At.Format("15:04:05"), who, item.Text)
	}
}

func printHistory(hist *history.Store, limit int) error {
	sessions, err := hist.RecentSessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No practice sessions recorded yet.")
		return nil
	}
	for _, s := range sessions {
		dur := s.EndedAt.Sub(s.StartedAt).Round(time.Second)
		fmt.Printf("%s  lesson=%s  %s  (%d lines)\n",
			s.StartedAt.Format("2006-01-02 15:04"), s.LessonID, dur, len(s.Transcript))
		for _, line := range s.Transcript {
			fmt.Printf("    %s: %s\n", line.Speaker, line.Text)
		}
	}
	return nil
}
