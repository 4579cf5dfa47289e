// Package eventlog is the Event & Decision Log: an append-only,
// structured record of everything the engine decides, at four severity
// levels, with retention that differs by level.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ratchet/internal/logging"
)

// Level is one of the four severities an event is recorded at.
type Level string

const (
	LevelCritical  Level = "/critical"  // every verdict, rollback, escalation
	LevelImportant Level = "/important" // state transitions, monitor interventions
	LevelRoutine   Level = "/routine"   // sampled
	LevelDebug     Level = "/debug"
)

// RetentionByLevel is the default number of days each level is kept
// before Prune removes it. Critical records are kept indefinitely
// (RetentionDays == 0 means "never prune").
var RetentionByLevel = map[Level]int{
	LevelCritical:  0,
	LevelImportant: 90,
	LevelRoutine:   14,
	LevelDebug:     3,
}

// Event is one append-only record.
type Event struct {
	ID        int64
	Timestamp time.Time
	Session   int
	Level     Level
	Kind      string // e.g. "verdict", "state_transition", "rollback", "escalation"
	Feature   *int
	Detail    map[string]any
}

// Store is the sqlite-backed append-only log.
type Store struct {
	db           *sql.DB
	mu           sync.Mutex
	routineCount int64
}

// Open creates or opens the event log database at dir/events.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
	}
	dbPath := filepath.Join(dir, "events.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", dbPath, err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			session INTEGER NOT NULL,
			level TEXT NOT NULL,
			kind TEXT NOT NULL,
			feature INTEGER,
			detail_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session);
		CREATE INDEX IF NOT EXISTS idx_events_level ON events(level);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("eventlog: init schema: %w", err)
	}
	return nil
}

// Record appends one event. Critical and important events are always
// recorded; routine events are sampled at one in every sampleEvery calls
// (0 disables sampling and records all routine events too).
func (s *Store) Record(sampleEvery int, e Event) error {
	if e.Level == LevelRoutine && sampleEvery > 1 {
		s.mu.Lock()
		s.routineCount++
		skip := s.routineCount%sampleEvery != 0
		s.mu.Unlock()
		if skip {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("eventlog: marshal detail: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (timestamp, session, level, kind, feature, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Session, e.Level, e.Kind, e.Feature, string(detailJSON))
	if err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}

	logging.EventLog("%s[%s] session=%d feature=%v", e.Level, e.Kind, e.Session, e.Feature)
	return nil
}

// Query returns the most recent limit events at or above minLevel
// severity (critical > important > routine > debug), newest first.
func (s *Store) Query(minLevel Level, limit int) ([]Event, error) {
	levels := levelsAtOrAbove(minLevel)
	placeholders := make([]any, len(levels)+1)
	inClause := ""
	for i, l := range levels {
		if i > 0 {
			inClause += ","
		}
		inClause += "?"
		placeholders[i] = string(l)
	}
	placeholders[len(levels)] = limit

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, timestamp, session, level, kind, feature, detail_json
		FROM events
		WHERE level IN (%s)
		ORDER BY timestamp DESC
		LIMIT ?
	`, inClause), placeholders...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var feature sql.NullInt64
		var detailJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Session, &e.Level, &e.Kind, &feature, &detailJSON); err != nil {
			continue
		}
		if feature.Valid {
			f := int(feature.Int64)
			e.Feature = &f
		}
		if detailJSON.Valid {
			json.Unmarshal([]byte(detailJSON.String), &e.Detail)
		}
		events = append(events, e)
	}
	return events, nil
}

func levelsAtOrAbove(min Level) []Level {
	order := []Level{LevelCritical, LevelImportant, LevelRoutine, LevelDebug}
	for i, l := range order {
		if l == min {
			return order[:i+1]
		}
	}
	return order
}

// Prune deletes events older than their level's retention window.
func (s *Store) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalPruned int64
	for level, days := range RetentionByLevel {
		if days <= 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		res, err := s.db.Exec(`DELETE FROM events WHERE level = ? AND timestamp < ?`, string(level), cutoff)
		if err != nil {
			return fmt.Errorf("eventlog: prune %s: %w", level, err)
		}
		n, _ := res.RowsAffected()
		totalPruned += n
	}
	if totalPruned > 0 {
		logging.EventLog("pruned %d expired events", totalPruned)
	}
	return nil
}
