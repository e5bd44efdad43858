package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetPluginState returns the persisted state for a plugin. Unknown
// plugins report enabled; containment only ever writes explicit rows.
func (s *Store) GetPluginState(pluginID string) (*PluginState, error) {
	var st PluginState
	var enabled int
	err := s.db.QueryRow(
		"SELECT plugin_id, enabled, reason, updated_at FROM plugin_state WHERE plugin_id = ?",
		pluginID,
	).Scan(&st.PluginID, &enabled, &st.Reason, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &PluginState{PluginID: pluginID, Enabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin state: %w", err)
	}
	st.Enabled = enabled == 1
	return &st, nil
}

// SetPluginEnabled upserts the persisted enabled flag.
func (s *Store) SetPluginEnabled(pluginID string, enabled bool, reason string) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO plugin_state (plugin_id, enabled, reason, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET enabled = excluded.enabled, reason = excluded.reason, updated_at = excluded.updated_at`,
		pluginID, v, reason, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set plugin state: %w", err)
	}
	return nil
}
