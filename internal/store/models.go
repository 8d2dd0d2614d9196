package store

import "time"

// Transcript is the durable record owning a session's segments.
type Transcript struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Title           string     `json:"title"`
	SourceType      string     `json:"source_type"` // RECORDING or MEETING
	Status          string     `json:"status"`      // PROCESSING, COMPLETED, FAILED
	RawText         string     `json:"raw_text,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Speaker is a durable speaker identity scoped to one transcript.
type Speaker struct {
	ID           string `json:"id"`
	TranscriptID string `json:"transcript_id"`
	Label        string `json:"label"`
	Color        string `json:"color"`
}

// Segment is one persisted utterance.
type Segment struct {
	ID           string  `json:"id"`
	TranscriptID string  `json:"transcript_id"`
	SpeakerID    string  `json:"speaker_id"`
	Text         string  `json:"text"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
}

// SegmentWrite is one pending segment handed to SaveSegmentBatch. The speaker
// label is resolved to a durable Speaker inside the batch transaction.
type SegmentWrite struct {
	SpeakerLabel string
	Text         string
	StartTime    float64
	EndTime      float64
}

// Topic is one topic classification emitted by the analysis scheduler.
type Topic struct {
	ID           string    `json:"id"`
	TranscriptID string    `json:"transcript_id"`
	Topic        string    `json:"topic"`
	IsMainTopic  bool      `json:"is_main_topic"`
	Confidence   float64   `json:"confidence"`
	StartTime    float64   `json:"start_time"`
	CreatedAt    time.Time `json:"created_at"`
}

// Alert is a persisted drift alert.
type Alert struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	AlertType    string    `json:"alert_type"`
	Message      string    `json:"message"`
	DriftScore   float64   `json:"drift_score"`
	FromTopic    *string   `json:"from_topic"`
	ToTopic      *string   `json:"to_topic"`
	MainTopic    *string   `json:"main_topic"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}
