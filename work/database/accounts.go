package database

import (
	"database/sql"
	"fmt"

	"flyx-proxy/work/types"
)

// ListAccounts loads every portal account, highest priority first
func (db *DB) ListAccounts() ([]types.Account, error) {
	query := `
		SELECT id, portal_url, mac_address, stream_limit, active_streams,
		       status, priority, last_used_at, total_usage_count
		FROM accounts
		ORDER BY priority DESC, id
	`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// GetAccount loads one account by id
func (db *DB) GetAccount(id int64) (types.Account, error) {
	row := db.QueryRow(`
		SELECT id, portal_url, mac_address, stream_limit, active_streams,
		       status, priority, last_used_at, total_usage_count
		FROM accounts
		WHERE id = ?
	`, id)

	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return types.Account{}, fmt.Errorf("account %d not found", id)
	}
	return account, err
}

// SaveAccount inserts or updates an account and returns its id
func (db *DB) SaveAccount(account *types.Account) (int64, error) {
	if account.Status == "" {
		account.Status = types.AccountStatusActive
	}

	if account.ID > 0 {
		_, err := db.Exec(`
			UPDATE accounts SET
				portal_url = ?, mac_address = ?, stream_limit = ?,
				status = ?, priority = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, account.PortalURL, account.MACAddress, account.StreamLimit,
			account.Status, account.Priority, account.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to update account %d: %w", account.ID, err)
		}
		return account.ID, nil
	}

	result, err := db.Exec(`
		INSERT INTO accounts (portal_url, mac_address, stream_limit, status, priority)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(portal_url, mac_address) DO UPDATE SET
			stream_limit = excluded.stream_limit,
			status = excluded.status,
			priority = excluded.priority,
			updated_at = CURRENT_TIMESTAMP
	`, account.PortalURL, account.MACAddress, account.StreamLimit, account.Status, account.Priority)
	if err != nil {
		return 0, fmt.Errorf("failed to save account: %w", err)
	}
	return result.LastInsertId()
}

// DeleteAccount removes an account and, via the foreign key, its mappings
func (db *DB) DeleteAccount(id int64) error {
	_, err := db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account %d: %w", id, err)
	}
	return nil
}

// TouchAccountUsage stamps a successful use of an account
func (db *DB) TouchAccountUsage(id int64) error {
	_, err := db.Exec(`
		UPDATE accounts SET
			last_used_at = CURRENT_TIMESTAMP,
			total_usage_count = total_usage_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch account %d: %w", id, err)
	}
	return nil
}

// AdjustActiveStreams moves the advisory stream counter by delta, clamped at
// zero. The counter is a selection hint, not a lock; see the selector.
func (db *DB) AdjustActiveStreams(id int64, delta int) error {
	_, err := db.Exec(`
		UPDATE accounts SET
			active_streams = MAX(0, active_streams + ?),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, delta, id)
	if err != nil {
		return fmt.Errorf("failed to adjust active streams for account %d: %w", id, err)
	}
	return nil
}

// SetAccountStatus flips an account's status, e.g. to error after repeated
// portal failures
func (db *DB) SetAccountStatus(id int64, status string) error {
	_, err := db.Exec(`
		UPDATE accounts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set status for account %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var account types.Account
	var lastUsed sql.NullTime

	err := row.Scan(
		&account.ID, &account.PortalURL, &account.MACAddress,
		&account.StreamLimit, &account.ActiveStreams,
		&account.Status, &account.Priority, &lastUsed, &account.TotalUsageCount,
	)
	if err != nil {
		return types.Account{}, err
	}
	if lastUsed.Valid {
		account.LastUsedAt = &lastUsed.Time
	}
	return account, nil
}
