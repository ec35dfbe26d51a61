package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRuleNotFound indicates no escalation rule matches the requested scope.
var ErrRuleNotFound = errors.New("escalation rule not found")

// EscalationRule is one promotion step for a ticket/record category. The core
// only stores and serves these rows; the scheduler acting on them is an
// external collaborator.
type EscalationRule struct {
	ID             uuid.UUID
	ClientID       uuid.UUID
	SiteID         uuid.UUID
	Category       string
	Level          int
	FrequencyUnit  string // HOUR | DAY | WEEK
	FrequencyValue int
	AssigneeCode   string
}

// EscalationStore serves escalation rule lookups.
type EscalationStore struct {
	pool *pgxpool.Pool
}

// NewEscalationStore ensures the rules table exists and returns a store.
func NewEscalationStore(ctx context.Context, pool *pgxpool.Pool) (*EscalationStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	ddl := `CREATE TABLE IF NOT EXISTS escalation_rules (
		id UUID PRIMARY KEY,
		client_id UUID NOT NULL,
		site_id UUID NOT NULL,
		category TEXT NOT NULL,
		level INT NOT NULL DEFAULT 1,
		frequency_unit TEXT NOT NULL CHECK (frequency_unit IN ('HOUR','DAY','WEEK')),
		frequency_value INT NOT NULL,
		assignee_code TEXT NOT NULL,
		CONSTRAINT escalation_rules_scope_unique UNIQUE (client_id, site_id, category, level)
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure escalation rules table: %w", err)
	}

	return &EscalationStore{pool: pool}, nil
}

// GetRule returns the rule for the given scope, category and level.
func (s *EscalationStore) GetRule(ctx context.Context, clientID, siteID uuid.UUID, category string, level int) (EscalationRule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, site_id, category, level, frequency_unit, frequency_value, assignee_code
		FROM escalation_rules
		WHERE client_id = $1 AND site_id = $2 AND category = $3 AND level = $4`,
		clientID, siteID, category, level,
	)

	var rule EscalationRule
	err := row.Scan(&rule.ID, &rule.ClientID, &rule.SiteID, &rule.Category,
		&rule.Level, &rule.FrequencyUnit, &rule.FrequencyValue, &rule.AssigneeCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EscalationRule{}, ErrRuleNotFound
		}
		return EscalationRule{}, fmt.Errorf("fetch escalation rule: %w", err)
	}

	return rule, nil
}

// UpsertRule inserts or replaces one rule row; used by site administration.
func (s *EscalationStore) UpsertRule(ctx context.Context, rule EscalationRule) (EscalationRule, error) {
	id := rule.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO escalation_rules (id, client_id, site_id, category, level, frequency_unit, frequency_value, assignee_code)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT ON CONSTRAINT escalation_rules_scope_unique DO UPDATE SET
			frequency_unit = EXCLUDED.frequency_unit,
			frequency_value = EXCLUDED.frequency_value,
			assignee_code = EXCLUDED.assignee_code
		RETURNING id, client_id, site_id, category, level, frequency_unit, frequency_value, assignee_code`,
		id, rule.ClientID, rule.SiteID, rule.Category, rule.Level,
		rule.FrequencyUnit, rule.FrequencyValue, rule.AssigneeCode,
	)

	var saved EscalationRule
	err := row.Scan(&saved.ID, &saved.ClientID, &saved.SiteID, &saved.Category,
		&saved.Level, &saved.FrequencyUnit, &saved.FrequencyValue, &saved.AssigneeCode)
	if err != nil {
		return EscalationRule{}, fmt.Errorf("upsert escalation rule: %w", mapPgError(err))
	}

	return saved, nil
}
