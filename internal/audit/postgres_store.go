package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_entries table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id          VARCHAR(64) PRIMARY KEY,
			entry_type  VARCHAR(32) NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			actor       VARCHAR(42),
			tx_hash     VARCHAR(66),
			contract    VARCHAR(42),
			function    VARCHAR(64),
			gas_used    BIGINT NOT NULL DEFAULT 0,
			gas_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
			value       DOUBLE PRECISION NOT NULL DEFAULT 0,
			success     BOOLEAN NOT NULL DEFAULT TRUE,
			error       TEXT,
			risk_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
			flags       JSONB NOT NULL DEFAULT '[]',
			metadata    JSONB NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_audit_entries_ts
			ON audit_entries (ts DESC);

		CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
			ON audit_entries (actor, ts DESC) WHERE actor IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_audit_entries_contract
			ON audit_entries (contract, ts DESC) WHERE contract IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_audit_entries_type
			ON audit_entries (entry_type, ts DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, entry *Entry) error {
	flagsJSON, err := json.Marshal(entry.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var actor, txHash, contract any
	if entry.Actor != nil {
		actor = entry.Actor.Hex()
	}
	if entry.TxHash != nil {
		txHash = entry.TxHash.Hex()
	}
	if entry.Contract != nil {
		contract = entry.Contract.Hex()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, entry_type, ts, actor, tx_hash, contract, function,
			gas_used, gas_price, value, success, error, risk_score, flags, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		entry.ID,
		string(entry.Type),
		entry.Timestamp,
		actor,
		txHash,
		contract,
		entry.Function,
		int64(entry.GasUsed),
		entry.GasPrice,
		entry.Value,
		entry.Success,
		entry.Error,
		entry.RiskScore,
		flagsJSON,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_type, ts, actor, tx_hash, contract, function,
			gas_used, gas_price, value, success, error, risk_score, flags, metadata
		FROM audit_entries
		ORDER BY ts DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var e Entry
		var entryType string
		var ts time.Time
		var actor, txHash, contract, errMsg sql.NullString
		var gasUsed int64
		var flagsJSON, metaJSON []byte

		if err := rows.Scan(&e.ID, &entryType, &ts, &actor, &txHash, &contract, &e.Function,
			&gasUsed, &e.GasPrice, &e.Value, &e.Success, &errMsg, &e.RiskScore, &flagsJSON, &metaJSON); err != nil {
			continue
		}
		e.Type = EntryType(entryType)
		e.Timestamp = ts
		e.GasUsed = uint64(gasUsed)
		if actor.Valid {
			a := common.HexToAddress(actor.String)
			e.Actor = &a
		}
		if txHash.Valid {
			h := common.HexToHash(txHash.String)
			e.TxHash = &h
		}
		if contract.Valid {
			c := common.HexToAddress(contract.String)
			e.Contract = &c
		}
		e.Error = errMsg.String
		_ = json.Unmarshal(flagsJSON, &e.Flags)
		_ = json.Unmarshal(metaJSON, &e.Metadata)
		result = append(result, &e)
	}
	return result, nil
}
