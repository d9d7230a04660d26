// Package actionlog keeps an audit trail of control actions: stops issued by
// the executor, manual stop/resume commands, and exclusion toggles. It shares
// the store's database file but owns its own table.
package actionlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
)

// Action names.
const (
	ActionStop    = "stop"
	ActionResume  = "resume"
	ActionExclude = "exclude"
	ActionInclude = "include"
)

// Outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// Entry is one recorded action.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instanceId"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Log writes and reads the actions table.
type Log struct {
	clk      clock.Clock
	prepared map[string]*sql.Stmt
}

// New creates the actions table if needed and prepares statements. The
// database handle is shared with the sample store and stays owned by it.
func New(db *sql.DB, clk clock.Clock) (*Log, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		instance_id TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts);
	CREATE INDEX IF NOT EXISTS idx_actions_instance ON actions(instance_id, ts);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize actions table: %v", err)
	}

	statements := map[string]string{
		"insert": `
			INSERT INTO actions (id, ts, instance_id, action, outcome, detail)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
		"recent": `
			SELECT id, ts, instance_id, action, outcome, detail
			FROM actions
			ORDER BY ts DESC
			LIMIT ?
		`,
		"by_instance": `
			SELECT id, ts, instance_id, action, outcome, detail
			FROM actions
			WHERE instance_id = ?
			ORDER BY ts DESC
			LIMIT ?
		`,
		"trim": `
			DELETE FROM actions WHERE ts < ?
		`,
	}

	l := &Log{clk: clk, prepared: make(map[string]*sql.Stmt)}
	for name, query := range statements {
		stmt, err := db.Prepare(query)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare action statement %s: %v", name, err)
		}
		l.prepared[name] = stmt
	}
	return l, nil
}

// Record appends one action. Returns the generated entry id.
func (l *Log) Record(instanceID, action, outcome, detail string) (string, error) {
	id := uuid.NewString()
	_, err := l.prepared["insert"].Exec(id, l.clk.Now().Unix(), instanceID, action, outcome, detail)
	if err != nil {
		return "", fmt.Errorf("failed to record action: %v", err)
	}
	klog.V(3).InfoS("Action recorded", "instance", instanceID, "action", action, "outcome", outcome)
	return id, nil
}

// Recent returns the newest entries across all instances, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.prepared["recent"].Query(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %v", err)
	}
	return scanEntries(rows)
}

// ForInstance returns the newest entries for one instance, newest first.
func (l *Log) ForInstance(instanceID string, limit int) ([]Entry, error) {
	rows, err := l.prepared["by_instance"].Query(instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %v", err)
	}
	return scanEntries(rows)
}

// TrimBefore drops entries older than the cutoff. The action log is small,
// so callers invoke this rarely (startup, not per cycle).
func (l *Log) TrimBefore(cutoff time.Time) error {
	if _, err := l.prepared["trim"].Exec(cutoff.Unix()); err != nil {
		return fmt.Errorf("failed to trim actions: %v", err)
	}
	return nil
}

// Close releases prepared statements. The shared database handle is closed by
// its owner.
func (l *Log) Close() error {
	for _, stmt := range l.prepared {
		stmt.Close()
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.InstanceID, &e.Action, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan action: %v", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %v", err)
	}
	return entries, nil
}
