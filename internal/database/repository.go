package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Repository provides persistence for signal results and LLM usage.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the given connection.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveSignal inserts a signal result. A missing ID is generated.
func (r *Repository) SaveSignal(ctx context.Context, rec *SignalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	timeframes, err := json.Marshal(rec.Timeframes)
	if err != nil {
		return fmt.Errorf("failed to marshal timeframes: %w", err)
	}

	query := `
		INSERT INTO signal_results (id, symbol, signal, confidence, reasoning, source, provider, model, cost_usd, timeframes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.Pool.Exec(ctx, query,
		rec.ID, rec.Symbol, rec.Signal, rec.Confidence, rec.Reasoning,
		rec.Source, rec.Provider, rec.Model, rec.CostUSD, timeframes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save signal result: %w", err)
	}

	return nil
}

// RecentSignals returns the most recent signal results for a symbol, newest
// first. An empty symbol returns results across all symbols.
func (r *Repository) RecentSignals(ctx context.Context, symbol string, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, symbol, signal, confidence, reasoning, source,
		       COALESCE(provider, ''), COALESCE(model, ''), cost_usd, timeframes, created_at
		FROM signal_results
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal results: %w", err)
	}
	defer rows.Close()

	var records []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		var timeframes []byte
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Signal, &rec.Confidence, &rec.Reasoning,
			&rec.Source, &rec.Provider, &rec.Model, &rec.CostUSD, &timeframes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal result: %w", err)
		}
		if len(timeframes) > 0 {
			if err := json.Unmarshal(timeframes, &rec.Timeframes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal timeframes: %w", err)
			}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signal results: %w", err)
	}

	return records, nil
}

// SaveUsage inserts one LLM usage row.
func (r *Repository) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO llm_usage (provider, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Pool.Exec(ctx, query,
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save llm usage: %w", err)
	}

	return nil
}

// UsageTotals aggregates llm_usage by provider and model.
func (r *Repository) UsageTotals(ctx context.Context) ([]UsageTotals, error) {
	query := `
		SELECT provider, model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM llm_usage
		GROUP BY provider, model
		ORDER BY provider, model`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query llm usage totals: %w", err)
	}
	defer rows.Close()

	var totals []UsageTotals
	for rows.Next() {
		var t UsageTotals
		if err := rows.Scan(&t.Provider, &t.Model, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan llm usage totals: %w", err)
		}
		totals = append(totals, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate llm usage totals: %w", err)
	}

	return totals, nil
}
