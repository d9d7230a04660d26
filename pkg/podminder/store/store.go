package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// ErrOutOfOrderSample is returned by Append when a sample's timestamp precedes
// the series' last recorded timestamp. The store never reorders: the caller is
// expected to log and drop the sample, not crash the collection loop.
var ErrOutOfOrderSample = errors.New("sample timestamp precedes series tail")

// tierThresholds maps a requested query span to the bucket width used to
// answer it. Spans up to the first entry are served raw; longer spans get
// progressively coarser min/max/avg buckets so long-range queries stay cheap.
var tierThresholds = []struct {
	maxSpan time.Duration
	bucket  time.Duration
}{
	{6 * time.Hour, 0}, // raw samples
	{48 * time.Hour, time.Hour},
	{7 * 24 * time.Hour, 4 * time.Hour},
	{30 * 24 * time.Hour, 24 * time.Hour},
}

// widestBucket answers anything beyond the last threshold (one-week buckets).
const widestBucket = 7 * 24 * time.Hour

// TierFor returns the bucket width used for a query span; 0 means raw samples.
func TierFor(span time.Duration) time.Duration {
	for _, t := range tierThresholds {
		if span <= t.maxSpan {
			return t.bucket
		}
	}
	return widestBucket
}

// Store persists per-instance utilization series plus the idle-state and
// exclusion tables in a single embedded SQLite database. Samples are
// append-only per instance in non-decreasing timestamp order; retention
// trimming is lazy, riding along on writes and queries.
type Store struct {
	db        *sql.DB
	dbPath    string
	clk       clock.Clock
	mutex     sync.Mutex
	prepared  map[string]*sql.Stmt
	lastTS    map[string]time.Time
	retention time.Duration
}

// Open creates (or reopens) the database at dbPath. WAL journaling with
// NORMAL sync keeps readers unblocked during the write cycle and bounds
// crash loss to the last in-flight write.
func Open(dbPath string, clk clock.Clock) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &Store{
		db:        db,
		dbPath:    dbPath,
		clk:       clk,
		prepared:  make(map[string]*sql.Stmt),
		lastTS:    make(map[string]time.Time),
		retention: time.Hour,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		ts INTEGER NOT NULL, -- unix seconds
		cpu_pct REAL NOT NULL,
		mem_pct REAL NOT NULL,
		gpu_pct REAL NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_instance_ts ON samples(instance_id, ts);

	CREATE TABLE IF NOT EXISTS idle_states (
		instance_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		below_count INTEGER NOT NULL,
		first_below_ts INTEGER NOT NULL,
		last_evaluated_ts INTEGER NOT NULL,
		cooldown_until_ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exclusions (
		instance_id TEXT PRIMARY KEY,
		excluded INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	statements := map[string]string{
		"insert": `
			INSERT INTO samples (instance_id, ts, cpu_pct, mem_pct, gpu_pct, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
		"last_ts": `
			SELECT MAX(ts) FROM samples WHERE instance_id = ?
		`,
		"select_range": `
			SELECT ts, cpu_pct, mem_pct, gpu_pct, status
			FROM samples
			WHERE instance_id = ? AND ts BETWEEN ? AND ?
			ORDER BY ts ASC
		`,
		"select_buckets": `
			SELECT (ts / ?) * ? AS bucket_ts,
				   COUNT(*),
				   MIN(cpu_pct), MAX(cpu_pct), AVG(cpu_pct),
				   MIN(mem_pct), MAX(mem_pct), AVG(mem_pct),
				   MIN(gpu_pct), MAX(gpu_pct), AVG(gpu_pct)
			FROM samples
			WHERE instance_id = ? AND ts BETWEEN ? AND ?
			GROUP BY bucket_ts
			ORDER BY bucket_ts ASC
		`,
		"select_recent": `
			SELECT ts, cpu_pct, mem_pct, gpu_pct, status
			FROM samples
			WHERE instance_id = ?
			ORDER BY ts DESC
			LIMIT ?
		`,
		"trim": `
			DELETE FROM samples WHERE instance_id = ? AND ts < ?
		`,
		"purge": `
			DELETE FROM samples WHERE instance_id = ?
		`,
		"instances": `
			SELECT DISTINCT instance_id FROM samples
		`,
		"state_save": `
			INSERT OR REPLACE INTO idle_states
				(instance_id, state, below_count, first_below_ts, last_evaluated_ts, cooldown_until_ts)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
		"state_load_all": `
			SELECT instance_id, state, below_count, first_below_ts, last_evaluated_ts, cooldown_until_ts
			FROM idle_states
		`,
		"state_delete": `
			DELETE FROM idle_states WHERE instance_id = ?
		`,
		"excl_set": `
			INSERT OR REPLACE INTO exclusions (instance_id, excluded) VALUES (?, ?)
		`,
		"excl_load_all": `
			SELECT instance_id, excluded FROM exclusions
		`,
		"excl_delete": `
			DELETE FROM exclusions WHERE instance_id = ?
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// SetRetention updates the raw retention window used by Trim. Called at the
// start of every cycle so policy duration changes take effect immediately.
func (s *Store) SetRetention(window time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if window != s.retention {
		klog.V(2).InfoS("Retention window changed", "old", s.retention, "new", window)
		s.retention = window
	}
}

// Append inserts one sample at the tail of its instance's series. Percent
// fields are clamped to [0,100] here, at the write boundary. A timestamp
// earlier than the series tail fails with ErrOutOfOrderSample; equal
// timestamps are accepted (order is non-decreasing, not strict). The write
// also opportunistically trims the series to the retention window.
func (s *Store) Append(sample types.Sample) error {
	s.mutex.Lock()

	last, ok := s.lastTS[sample.InstanceID]
	if !ok {
		var err error
		last, err = s.lastTimestampFromDB(sample.InstanceID)
		if err != nil {
			s.mutex.Unlock()
			return err
		}
	}
	if sample.Timestamp.Before(last) {
		s.mutex.Unlock()
		return fmt.Errorf("%w: instance %s sample at %s, series tail %s",
			ErrOutOfOrderSample, sample.InstanceID,
			sample.Timestamp.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
	}

	_, err := s.prepared["insert"].Exec(
		sample.InstanceID,
		sample.Timestamp.Unix(),
		types.ClampPct(sample.CPUPct),
		types.ClampPct(sample.MemPct),
		types.ClampPct(sample.GPUPct),
		sample.Status,
	)
	if err != nil {
		s.mutex.Unlock()
		return fmt.Errorf("failed to append sample: %v", err)
	}
	s.lastTS[sample.InstanceID] = sample.Timestamp
	s.mutex.Unlock()

	return s.Trim(sample.InstanceID)
}

// lastTimestampFromDB rehydrates the per-instance tail after a restart.
// Caller holds the mutex. Returns the zero time for an empty series.
func (s *Store) lastTimestampFromDB(instanceID string) (time.Time, error) {
	var ts sql.NullInt64
	if err := s.prepared["last_ts"].QueryRow(instanceID).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to read series tail: %v", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Query returns a lazy, finite, non-restartable ascending sequence over
// [from, to]. The resolution is picked automatically from the span: short
// ranges yield raw samples, long ranges yield min/max/avg buckets (see
// TierFor). An empty series yields an empty cursor, never an error. The read
// also opportunistically trims the series.
func (s *Store) Query(instanceID string, from, to time.Time) (*Cursor, error) {
	if err := s.Trim(instanceID); err != nil {
		return nil, err
	}

	bucket := TierFor(to.Sub(from))
	if bucket == 0 {
		return s.rawCursor(instanceID, from, to)
	}

	w := int64(bucket / time.Second)
	rows, err := s.prepared["select_buckets"].Query(w, w, instanceID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %v", err)
	}
	return &Cursor{rows: rows, bucket: bucket}, nil
}

// Range returns the raw samples in [from, to] regardless of span, for
// consumers that need full resolution (export, status timelines).
func (s *Store) Range(instanceID string, from, to time.Time) (*Cursor, error) {
	return s.rawCursor(instanceID, from, to)
}

func (s *Store) rawCursor(instanceID string, from, to time.Time) (*Cursor, error) {
	rows, err := s.prepared["select_range"].Query(instanceID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %v", err)
	}
	return &Cursor{rows: rows, instanceID: instanceID}, nil
}

// Recent returns up to n of the newest raw samples, oldest first. This is the
// no-change detection window and the dashboard sparkline source.
func (s *Store) Recent(instanceID string, n int) ([]types.Sample, error) {
	rows, err := s.prepared["select_recent"].Query(instanceID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent samples: %v", err)
	}
	defer rows.Close()

	var samples []types.Sample
	for rows.Next() {
		sample, err := scanSample(rows, instanceID)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recent samples: %v", err)
	}

	// DESC query, flip to ascending.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// Latest returns the newest sample for an instance, if any.
func (s *Store) Latest(instanceID string) (types.Sample, bool, error) {
	samples, err := s.Recent(instanceID, 1)
	if err != nil {
		return types.Sample{}, false, err
	}
	if len(samples) == 0 {
		return types.Sample{}, false, nil
	}
	return samples[0], true, nil
}

// Trim drops samples older than the retention window. Idempotent; safe to
// call on every write and query.
func (s *Store) Trim(instanceID string) error {
	s.mutex.Lock()
	window := s.retention
	s.mutex.Unlock()

	cutoff := s.clk.Now().Add(-window).Unix()
	result, err := s.prepared["trim"].Exec(instanceID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to trim series: %v", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		klog.V(4).InfoS("Trimmed series", "instance", instanceID, "dropped", n, "window", window)
	}
	return nil
}

// Purge irrecoverably deletes an instance's entire series. Used by fleet
// cleanup and by exclusion; idempotent, so exclusion can call it every cycle.
func (s *Store) Purge(instanceID string) error {
	s.mutex.Lock()
	delete(s.lastTS, instanceID)
	s.mutex.Unlock()

	result, err := s.prepared["purge"].Exec(instanceID)
	if err != nil {
		return fmt.Errorf("failed to purge series: %v", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		klog.V(2).InfoS("Purged series", "instance", instanceID, "samples", n)
	}
	return nil
}

// TrackedInstances lists every instance id currently holding samples.
func (s *Store) TrackedInstances() ([]string, error) {
	rows, err := s.prepared["instances"].Query()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %v", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %v", err)
	}
	return ids, nil
}

// DB exposes the underlying handle so sibling packages (the action log) can
// keep their own tables in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes prepared statements and the database connection.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}

func scanSample(rows *sql.Rows, instanceID string) (types.Sample, error) {
	var (
		ts            int64
		cpu, mem, gpu float64
		status        string
	)
	if err := rows.Scan(&ts, &cpu, &mem, &gpu, &status); err != nil {
		return types.Sample{}, fmt.Errorf("failed to scan sample: %v", err)
	}
	return types.Sample{
		InstanceID: instanceID,
		Timestamp:  time.Unix(ts, 0).UTC(),
		CPUPct:     cpu,
		MemPct:     mem,
		GPUPct:     gpu,
		Status:     status,
	}, nil
}
