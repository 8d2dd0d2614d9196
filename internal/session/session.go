package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for operations on an unknown session.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when creating a session whose id is already live.
	ErrAlreadyExists = errors.New("session already exists")
)

// Segment is one attributed utterance awaiting persistence. Immutable once
// appended; ownership transfers to the durable store at flush.
type Segment struct {
	SpeakerLabel string
	Text         string
	StartTime    float64
	// EndTime is optional; a missing end time defaults to StartTime+1 at flush.
	EndTime *float64
}

// Session holds the mutable per-session state. Fields above the mutex are
// immutable after Create; fields below it are guarded by it, and each session
// is locked independently so sessions ingest in parallel.
type Session struct {
	ID           string
	TranscriptID string
	OwnerID      string
	createdAt    time.Time

	mu                sync.Mutex
	pending           []Segment
	savedSegmentCount int
	lastSavedAt       time.Time
	durationSeconds   float64
}

// Snapshot is a read-only copy of a session's counters.
type Snapshot struct {
	ID              string    `json:"sessionId"`
	TranscriptID    string    `json:"transcriptId"`
	OwnerID         string    `json:"ownerId"`
	PendingSegments int       `json:"pendingSegments"`
	SavedSegments   int       `json:"savedSegmentCount"`
	DurationSeconds float64   `json:"durationSeconds"`
	LastSavedAt     time.Time `json:"lastSavedAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:              s.ID,
		TranscriptID:    s.TranscriptID,
		OwnerID:         s.OwnerID,
		PendingSegments: len(s.pending),
		SavedSegments:   s.savedSegmentCount,
		DurationSeconds: s.durationSeconds,
		LastSavedAt:     s.lastSavedAt,
		CreatedAt:       s.createdAt,
	}
}
