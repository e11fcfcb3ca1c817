package memory

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresBackend implements Backend against the shared SQL tables. Used
// when several hosts point at one database instead of embedded Pebble.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects and ensures the schema exists.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open postgres: %w", err)
	}
	b := &PostgresBackend{db: db}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id            TEXT PRIMARY KEY,
			did           TEXT NOT NULL,
			collection    TEXT NOT NULL,
			rkey          TEXT NOT NULL,
			ciphertext    BYTEA NOT NULL,
			encrypted_dek BYTEA,
			nonce         BYTEA,
			public        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ,
			deleted_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS records_did_rkey ON records (did, rkey DESC)`,
		`CREATE TABLE IF NOT EXISTS shared_records (
			record_id     TEXT NOT NULL,
			recipient_did TEXT NOT NULL,
			encrypted_dek BYTEA NOT NULL,
			shared_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (record_id, recipient_did)
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			name       TEXT PRIMARY KEY,
			did        TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: ensure schema: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) Close() error { return b.db.Close() }

func (b *PostgresBackend) InsertRow(row *Row) error {
	_, err := b.db.Exec(
		`INSERT INTO records (id, did, collection, rkey, ciphertext, encrypted_dek, nonce, public, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		row.ID, row.DID, row.Collection, row.RKey, row.Ciphertext,
		row.EncryptedDEK, row.Nonce, row.Public, row.CreatedAt,
	)
	return err
}

func scanRow(scanner interface{ Scan(...interface{}) error }) (*Row, error) {
	var row Row
	var updated, deleted sql.NullTime
	err := scanner.Scan(&row.ID, &row.DID, &row.Collection, &row.RKey,
		&row.Ciphertext, &row.EncryptedDEK, &row.Nonce, &row.Public,
		&row.CreatedAt, &updated, &deleted)
	if err != nil {
		return nil, err
	}
	if updated.Valid {
		t := updated.Time
		row.UpdatedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time
		row.DeletedAt = &t
	}
	return &row, nil
}

const rowColumns = `id, did, collection, rkey, ciphertext, encrypted_dek, nonce, public, created_at, updated_at, deleted_at`

func (b *PostgresBackend) GetRow(id string) (*Row, error) {
	row, err := scanRow(b.db.QueryRow(
		`SELECT `+rowColumns+` FROM records WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

func (b *PostgresBackend) UpdateRow(row *Row) error {
	_, err := b.db.Exec(
		`UPDATE records SET ciphertext=$2, nonce=$3, updated_at=$4, deleted_at=$5 WHERE id=$1`,
		row.ID, row.Ciphertext, row.Nonce, row.UpdatedAt, row.DeletedAt,
	)
	return err
}

func (b *PostgresBackend) ListRows(did, collection string, limit int) ([]*Row, error) {
	query := `SELECT ` + rowColumns + ` FROM records
		WHERE did = $1 AND deleted_at IS NULL`
	args := []interface{}{did}
	if collection != "" {
		query += ` AND collection = $2`
		args = append(args, collection)
	}
	query += fmt.Sprintf(` ORDER BY rkey DESC LIMIT %d`, limit)

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) SoftDeleteRow(id string, at time.Time) (bool, error) {
	res, err := b.db.Exec(
		`UPDATE records SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *PostgresBackend) UpsertShare(share *SharedRow) error {
	_, err := b.db.Exec(
		`INSERT INTO shared_records (record_id, recipient_did, encrypted_dek, shared_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (record_id, recipient_did)
		 DO UPDATE SET encrypted_dek = EXCLUDED.encrypted_dek, shared_at = EXCLUDED.shared_at`,
		share.RecordID, share.RecipientDID, share.EncryptedDEK, share.SharedAt,
	)
	return err
}

func (b *PostgresBackend) GetShare(recordID, recipientDID string) (*SharedRow, error) {
	var share SharedRow
	err := b.db.QueryRow(
		`SELECT record_id, recipient_did, encrypted_dek, shared_at
		 FROM shared_records WHERE record_id = $1 AND recipient_did = $2`,
		recordID, recipientDID,
	).Scan(&share.RecordID, &share.RecipientDID, &share.EncryptedDEK, &share.SharedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &share, nil
}

func (b *PostgresBackend) ListShares(recipientDID string, limit int) ([]*SharedRow, error) {
	rows, err := b.db.Query(
		`SELECT record_id, recipient_did, encrypted_dek, shared_at
		 FROM shared_records WHERE recipient_did = $1
		 ORDER BY shared_at DESC LIMIT $2`, recipientDID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SharedRow
	for rows.Next() {
		var share SharedRow
		if err := rows.Scan(&share.RecordID, &share.RecipientDID, &share.EncryptedDEK, &share.SharedAt); err != nil {
			return nil, err
		}
		out = append(out, &share)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) CreateAgent(agent *AgentRow) error {
	res, err := b.db.Exec(
		`INSERT INTO agents (name, did, created_at) VALUES ($1,$2,$3)
		 ON CONFLICT (name) DO NOTHING`,
		agent.Name, agent.DID, agent.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentExists
	}
	return nil
}

func (b *PostgresBackend) GetAgent(name string) (*AgentRow, error) {
	var agent AgentRow
	err := b.db.QueryRow(
		`SELECT name, did, created_at FROM agents WHERE name = $1`, name,
	).Scan(&agent.Name, &agent.DID, &agent.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (b *PostgresBackend) ListAgents() ([]*AgentRow, error) {
	rows, err := b.db.Query(`SELECT name, did, created_at FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentRow
	for rows.Next() {
		var agent AgentRow
		if err := rows.Scan(&agent.Name, &agent.DID, &agent.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &agent)
	}
	return out, rows.Err()
}
