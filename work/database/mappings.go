package database

import (
	"database/sql"
	"fmt"

	"flyx-proxy/work/types"
)

// Candidate pairs a channel mapping with the account it rides on. The
// selector orders candidates in memory, so the query only filters.
type Candidate struct {
	Mapping types.ChannelMapping
	Account types.Account
}

// ListMappings loads mappings, optionally filtered to one internal channel
func (db *DB) ListMappings(internalChannelID string) ([]types.ChannelMapping, error) {
	query := `
		SELECT id, internal_channel_id, account_id, portal_channel_id,
		       portal_channel_name, portal_channel_cmd, priority, is_active,
		       last_used_at, success_count, failure_count
		FROM channel_mappings
	`
	var args []any
	if internalChannelID != "" {
		query += " WHERE internal_channel_id = ?"
		args = append(args, internalChannelID)
	}
	query += " ORDER BY priority DESC, id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	defer rows.Close()

	var mappings []types.ChannelMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	return mappings, rows.Err()
}

// SaveMapping inserts or updates a mapping and returns its id
func (db *DB) SaveMapping(mapping *types.ChannelMapping) (int64, error) {
	if mapping.ID > 0 {
		_, err := db.Exec(`
			UPDATE channel_mappings SET
				internal_channel_id = ?, account_id = ?, portal_channel_id = ?,
				portal_channel_name = ?, portal_channel_cmd = ?, priority = ?,
				is_active = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, mapping.InternalChannelID, mapping.AccountID, mapping.PortalChannelID,
			mapping.PortalChannelName, mapping.PortalChannelCmd, mapping.Priority,
			mapping.IsActive, mapping.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to update mapping %d: %w", mapping.ID, err)
		}
		return mapping.ID, nil
	}

	result, err := db.Exec(`
		INSERT INTO channel_mappings (
			internal_channel_id, account_id, portal_channel_id,
			portal_channel_name, portal_channel_cmd, priority, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, mapping.InternalChannelID, mapping.AccountID, mapping.PortalChannelID,
		mapping.PortalChannelName, mapping.PortalChannelCmd, mapping.Priority, mapping.IsActive)
	if err != nil {
		return 0, fmt.Errorf("failed to save mapping: %w", err)
	}
	return result.LastInsertId()
}

// DeleteMapping removes a mapping
func (db *DB) DeleteMapping(id int64) error {
	_, err := db.Exec("DELETE FROM channel_mappings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping %d: %w", id, err)
	}
	return nil
}

// CandidatesForChannel loads every active mapping for a channel joined to an
// active account with spare stream capacity. Ordering happens in the
// selector so the policy is unit-testable without a database.
func (db *DB) CandidatesForChannel(internalChannelID string) ([]Candidate, error) {
	query := `
		SELECT m.id, m.internal_channel_id, m.account_id, m.portal_channel_id,
		       m.portal_channel_name, m.portal_channel_cmd, m.priority, m.is_active,
		       m.last_used_at, m.success_count, m.failure_count,
		       a.id, a.portal_url, a.mac_address, a.stream_limit, a.active_streams,
		       a.status, a.priority, a.last_used_at, a.total_usage_count
		FROM channel_mappings m
		JOIN accounts a ON a.id = m.account_id
		WHERE m.internal_channel_id = ?
		  AND m.is_active = 1
		  AND a.status = ?
		  AND a.active_streams < a.stream_limit
	`

	rows, err := db.Query(query, internalChannelID, types.AccountStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates for %s: %w", internalChannelID, err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var mappingLastUsed, accountLastUsed sql.NullTime

		err := rows.Scan(
			&c.Mapping.ID, &c.Mapping.InternalChannelID, &c.Mapping.AccountID,
			&c.Mapping.PortalChannelID, &c.Mapping.PortalChannelName,
			&c.Mapping.PortalChannelCmd, &c.Mapping.Priority, &c.Mapping.IsActive,
			&mappingLastUsed, &c.Mapping.SuccessCount, &c.Mapping.FailureCount,
			&c.Account.ID, &c.Account.PortalURL, &c.Account.MACAddress,
			&c.Account.StreamLimit, &c.Account.ActiveStreams,
			&c.Account.Status, &c.Account.Priority, &accountLastUsed,
			&c.Account.TotalUsageCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if mappingLastUsed.Valid {
			c.Mapping.LastUsedAt = &mappingLastUsed.Time
		}
		if accountLastUsed.Valid {
			c.Account.LastUsedAt = &accountLastUsed.Time
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// RecordMappingSuccess persists the counters for a winning attempt: the
// mapping's success count and timestamp plus the account's usage counters
func (db *DB) RecordMappingSuccess(mappingID, accountID int64) error {
	_, err := db.Exec(`
		UPDATE channel_mappings SET
			success_count = success_count + 1,
			last_used_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, mappingID)
	if err != nil {
		return fmt.Errorf("failed to record success for mapping %d: %w", mappingID, err)
	}
	return db.TouchAccountUsage(accountID)
}

// RecordMappingFailure increments a mapping's failure counter
func (db *DB) RecordMappingFailure(mappingID int64) error {
	_, err := db.Exec(`
		UPDATE channel_mappings SET
			failure_count = failure_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, mappingID)
	if err != nil {
		return fmt.Errorf("failed to record failure for mapping %d: %w", mappingID, err)
	}
	return nil
}

func scanMapping(rows *sql.Rows) (types.ChannelMapping, error) {
	var mapping types.ChannelMapping
	var lastUsed sql.NullTime

	err := rows.Scan(
		&mapping.ID, &mapping.InternalChannelID, &mapping.AccountID,
		&mapping.PortalChannelID, &mapping.PortalChannelName,
		&mapping.PortalChannelCmd, &mapping.Priority, &mapping.IsActive,
		&lastUsed, &mapping.SuccessCount, &mapping.FailureCount,
	)
	if err != nil {
		return types.ChannelMapping{}, fmt.Errorf("failed to scan mapping: %w", err)
	}
	if lastUsed.Valid {
		mapping.LastUsedAt = &lastUsed.Time
	}
	return mapping, nil
}
