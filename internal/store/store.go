package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// speakerPalette is cycled by the count of speakers already persisted for a
// transcript, so color assignment is stable as long as speaker creation is
// serialized per transcript (SaveSegmentBatch holds an advisory lock).
var speakerPalette = []string{"#3B82F6", "#10B981", "#F97316", "#8B5CF6", "#EC4899"}

// Store persists transcripts, speakers, segments, topics and alerts to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the PostgreSQL database at connStr and applies migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTranscript inserts a new transcript in PROCESSING state.
func (s *Store) CreateTranscript(ctx context.Context, t Transcript) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (id, owner_id, title, source_type, status, created_at)
		 VALUES ($1, $2, $3, $4, 'PROCESSING', $5)`,
		t.ID, t.OwnerID, t.Title, t.SourceType, time.Now().UTC(),
	)
	return err
}

// GetTranscript returns one transcript by id, or sql.ErrNoRows.
func (s *Store) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	var t Transcript
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, source_type, status, raw_text, duration_seconds, created_at, completed_at
		 FROM transcripts WHERE id = $1`, id,
	).Scan(&t.ID, &t.OwnerID, &t.Title, &t.SourceType, &t.Status, &t.RawText, &t.DurationSeconds, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// CompleteTranscript marks a transcript COMPLETED, recording the final
// duration and, when non-empty, a title.
func (s *Store) CompleteTranscript(ctx context.Context, id string, durationSeconds int, title string) error {
	if title != "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE transcripts SET status = 'COMPLETED', duration_seconds = $1, title = $2, completed_at = $3 WHERE id = $4`,
			durationSeconds, title, time.Now().UTC(), id,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET status = 'COMPLETED', duration_seconds = $1, completed_at = $2 WHERE id = $3`,
		durationSeconds, time.Now().UTC(), id,
	)
	return err
}

// UpdateDuration records the latest caller-reported recording duration.
func (s *Store) UpdateDuration(ctx context.Context, id string, durationSeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET duration_seconds = $1 WHERE id = $2`,
		durationSeconds, id,
	)
	return err
}

// SaveSegmentBatch persists one coalesced batch of segments in a single
// transaction: speaker labels are resolved or created (palette color indexed
// by the count of speakers already persisted), segments are batch-inserted,
// and the transcript's raw text is rebuilt from all persisted segments in
// start-time order. Returns the transcript's total persisted segment count.
//
// Speaker creation for a transcript is serialized with a transaction-scoped
// advisory lock, so two concurrent flushes cannot create the same label twice
// or race the palette index.
func (s *Store) SaveSegmentBatch(ctx context.Context, transcriptID string, batch []SegmentWrite) (int, error) {
	if len(batch) == 0 {
		return s.CountSegments(ctx, transcriptID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save batch begin: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, transcriptID); err != nil {
		return 0, fmt.Errorf("save batch lock: %w", err)
	}

	speakerIDs := make(map[string]string)
	for _, seg := range batch {
		if _, ok := speakerIDs[seg.SpeakerLabel]; ok {
			continue
		}
		id, resolveErr := resolveSpeaker(ctx, tx, transcriptID, seg.SpeakerLabel)
		if resolveErr != nil {
			return 0, fmt.Errorf("resolve speaker %q: %w", seg.SpeakerLabel, resolveErr)
		}
		speakerIDs[seg.SpeakerLabel] = id
	}

	now := time.Now().UTC()
	for _, seg := range batch {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO segments (id, transcript_id, speaker_id, text, start_time, end_time, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), transcriptID, speakerIDs[seg.SpeakerLabel], seg.Text, seg.StartTime, seg.EndTime, now,
		); err != nil {
			return 0, fmt.Errorf("insert segment: %w", err)
		}
	}

	if err = rebuildRawText(ctx, tx, transcriptID); err != nil {
		return 0, fmt.Errorf("rebuild raw text: %w", err)
	}

	var total int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE transcript_id = $1`, transcriptID,
	).Scan(&total); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("save batch commit: %w", err)
	}
	return total, nil
}

func resolveSpeaker(ctx context.Context, tx *sql.Tx, transcriptID, label string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM speakers WHERE transcript_id = $1 AND label = $2`,
		transcriptID, label,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	var existing int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM speakers WHERE transcript_id = $1`, transcriptID,
	).Scan(&existing); err != nil {
		return "", err
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO speakers (id, transcript_id, label, color) VALUES ($1, $2, $3, $4)`,
		id, transcriptID, label, speakerPalette[existing%len(speakerPalette)],
	)
	return id, err
}

// rebuildRawText re-sorts all persisted segments by start time before
// concatenation; arrival order and start-time order usually coincide but the
// persisted text must stay consistent when they do not.
func rebuildRawText(ctx context.Context, tx *sql.Tx, transcriptID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT text, start_time FROM segments WHERE transcript_id = $1`, transcriptID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	var lines []segmentLine
	for rows.Next() {
		var l segmentLine
		if err = rows.Scan(&l.text, &l.start); err != nil {
			return err
		}
		lines = append(lines, l)
	}
	if err = rows.Err(); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE transcripts SET raw_text = $1 WHERE id = $2`,
		joinSegmentTexts(lines), transcriptID,
	)
	return err
}

type segmentLine struct {
	text  string
	start float64
}

// joinSegmentTexts orders lines by start time and concatenates them with
// newlines. The sort is stable so segments sharing a start time keep their
// insertion order.
func joinSegmentTexts(lines []segmentLine) string {
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].start < lines[j].start })
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.text
	}
	return strings.Join(texts, "\n")
}

// CountSegments returns the number of persisted segments for a transcript.
func (s *Store) CountSegments(ctx context.Context, transcriptID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE transcript_id = $1`, transcriptID,
	).Scan(&n)
	return n, err
}

// ListSegments returns a transcript's segments in start-time order.
func (s *Store) ListSegments(ctx context.Context, transcriptID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transcript_id, speaker_id, text, start_time, end_time
		 FROM segments WHERE transcript_id = $1 ORDER BY start_time ASC`, transcriptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		if err = rows.Scan(&seg.ID, &seg.TranscriptID, &seg.SpeakerID, &seg.Text, &seg.StartTime, &seg.EndTime); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// InsertTopic records one topic classification.
func (s *Store) InsertTopic(ctx context.Context, t Topic) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topics (id, transcript_id, topic, is_main_topic, confidence, start_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.TranscriptID, t.Topic, t.IsMainTopic, t.Confidence, t.StartTime, time.Now().UTC(),
	)
	return err
}

// InsertAlert persists a drift alert.
func (s *Store) InsertAlert(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, session_id, alert_type, message, drift_score, from_topic, to_topic, main_topic, acknowledged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.SessionID, a.AlertType, a.Message, a.DriftScore, a.FromTopic, a.ToTopic, a.MainTopic, a.Acknowledged, a.CreatedAt.UTC(),
	)
	return err
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging an already
// acknowledged alert is a no-op, not an error.
func (s *Store) AcknowledgeAlert(ctx context.Context, sessionID, alertID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = TRUE WHERE id = $1 AND session_id = $2`,
		alertID, sessionID,
	)
	return err
}
