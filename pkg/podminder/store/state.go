package store

import (
	"fmt"
	"time"

	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// SaveIdleRecord upserts one instance's idle bookkeeping. Called at the end
// of every cycle for each evaluated instance.
func (s *Store) SaveIdleRecord(rec types.IdleRecord) error {
	_, err := s.prepared["state_save"].Exec(
		rec.InstanceID,
		string(rec.State),
		rec.BelowCount,
		unixOrZero(rec.FirstBelowAt),
		unixOrZero(rec.LastEvaluatedAt),
		unixOrZero(rec.CooldownUntil),
	)
	if err != nil {
		return fmt.Errorf("failed to save idle state: %v", err)
	}
	return nil
}

// LoadIdleRecords returns every persisted idle record, used to rehydrate the
// detector after a restart.
func (s *Store) LoadIdleRecords() ([]types.IdleRecord, error) {
	rows, err := s.prepared["state_load_all"].Query()
	if err != nil {
		return nil, fmt.Errorf("failed to load idle states: %v", err)
	}
	defer rows.Close()

	var records []types.IdleRecord
	for rows.Next() {
		var (
			rec                     types.IdleRecord
			state                   string
			first, evaluated, until int64
		)
		if err := rows.Scan(&rec.InstanceID, &state, &rec.BelowCount, &first, &evaluated, &until); err != nil {
			return nil, fmt.Errorf("failed to scan idle state: %v", err)
		}
		rec.State = types.IdleState(state)
		rec.FirstBelowAt = timeOrZero(first)
		rec.LastEvaluatedAt = timeOrZero(evaluated)
		rec.CooldownUntil = timeOrZero(until)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idle states: %v", err)
	}
	return records, nil
}

// DeleteIdleRecord removes an instance's idle bookkeeping. Part of fleet
// cleanup, alongside Purge.
func (s *Store) DeleteIdleRecord(instanceID string) error {
	if _, err := s.prepared["state_delete"].Exec(instanceID); err != nil {
		return fmt.Errorf("failed to delete idle state: %v", err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
