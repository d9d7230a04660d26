package store

import (
	"fmt"
)

// SetExcluded upserts the exclusion flag for an instance. Rows are created
// implicitly the first time an instance is observed.
func (s *Store) SetExcluded(instanceID string, excluded bool) error {
	flag := 0
	if excluded {
		flag = 1
	}
	if _, err := s.prepared["excl_set"].Exec(instanceID, flag); err != nil {
		return fmt.Errorf("failed to set exclusion: %v", err)
	}
	return nil
}

// LoadExclusions returns the full exclusion table, including rows whose flag
// is false (presence means the instance has been observed).
func (s *Store) LoadExclusions() (map[string]bool, error) {
	rows, err := s.prepared["excl_load_all"].Query()
	if err != nil {
		return nil, fmt.Errorf("failed to load exclusions: %v", err)
	}
	defer rows.Close()

	entries := make(map[string]bool)
	for rows.Next() {
		var (
			id   string
			flag int
		)
		if err := rows.Scan(&id, &flag); err != nil {
			return nil, fmt.Errorf("failed to scan exclusion: %v", err)
		}
		entries[id] = flag != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exclusions: %v", err)
	}
	return entries, nil
}

// DeleteExclusion removes an instance's exclusion row. Part of fleet cleanup.
func (s *Store) DeleteExclusion(instanceID string) error {
	if _, err := s.prepared["excl_delete"].Exec(instanceID); err != nil {
		return fmt.Errorf("failed to delete exclusion: %v", err)
	}
	return nil
}
