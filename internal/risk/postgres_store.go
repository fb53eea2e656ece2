package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id               VARCHAR(64) PRIMARY KEY,
			subject          VARCHAR(64) NOT NULL,
			score            NUMERIC(4,3) NOT NULL CHECK (score >= 0 AND score <= 1),
			level            VARCHAR(10) NOT NULL CHECK (level IN ('very_low', 'low', 'medium', 'high', 'very_high')),
			factors          JSONB NOT NULL DEFAULT '[]',
			recommendations  JSONB NOT NULL DEFAULT '[]',
			confidence       NUMERIC(4,3) NOT NULL,
			assessed_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_subject
			ON risk_assessments (subject, assessed_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_high
			ON risk_assessments (assessed_at DESC) WHERE level IN ('high', 'very_high');
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	factorsJSON, err := json.Marshal(assessment.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	recsJSON, err := json.Marshal(assessment.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, subject, score, level, factors, recommendations, confidence, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		assessment.ID,
		assessment.Subject,
		assessment.Score,
		string(assessment.Level),
		factorsJSON,
		recsJSON,
		assessment.Confidence,
		assessment.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, score, level, factors, recommendations, confidence, assessed_at
		FROM risk_assessments
		WHERE subject = $1
		ORDER BY assessed_at DESC
		LIMIT $2
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var level string
		var factorsJSON, recsJSON []byte
		var assessedAt time.Time

		if err := rows.Scan(&a.ID, &a.Subject, &a.Score, &level, &factorsJSON, &recsJSON, &a.Confidence, &assessedAt); err != nil {
			continue
		}
		a.Level = Level(level)
		a.AssessedAt = assessedAt
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		_ = json.Unmarshal(recsJSON, &a.Recommendations)
		result = append(result, &a)
	}
	return result, nil
}
