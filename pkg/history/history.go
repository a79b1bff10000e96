// Package history persists finished tutor sessions and their transcripts
// to a local SQLite database so past practice can be reviewed.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SessionRecord is one completed (or aborted) conversation attempt.
type SessionRecord struct {
	ID         string `gorm:"primaryKey"`
	LessonID   string `gorm:"index"`
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript []TranscriptRecord `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// TranscriptRecord is one line of a session transcript.
type TranscriptRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Speaker   string
	Text      string
	At        time.Time
}

// Store wraps the history database.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the history database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &TranscriptRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history db: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveSession persists one session with its transcript. Saving the same
// session ID again replaces the earlier record.
func (s *Store) SaveSession(rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("saving session: empty session ID")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", rec.ID).Delete(&TranscriptRecord{}).Error; err != nil {
			return fmt.Errorf("clearing transcript for %s: %w", rec.ID, err)
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("saving session %s: %w", rec.ID, err)
		}
		return nil
	})
}

// RecentSessions returns up to limit sessions, newest first, with their
// transcripts loaded.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []SessionRecord
	err := s.db.
		Preload("Transcript", func(db *gorm.DB) *gorm.DB { return db.Order("at ASC") }).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent sessions: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
