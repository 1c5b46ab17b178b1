// Package ledger converts token usage into monetary cost and accumulates
// running totals per run.
package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/veritas-ai/deepthink/internal/model"
)

//go:embed pricing.yaml
var embeddedPricing []byte

// ModelPrice is the per-million-token rate for one model.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// PricingTable maps model identifiers to rates, with a default for models
// the table does not list.
type PricingTable struct {
	Default ModelPrice            `yaml:"default"`
	Models  map[string]ModelPrice `yaml:"models"`
}

// LoadPricing reads a pricing table from the given YAML file, or the
// embedded table when path is empty.
func LoadPricing(path string) (*PricingTable, error) {
	raw := embeddedPricing
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ledger: read pricing table: %w", err)
		}
	}
	var t PricingTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("ledger: parse pricing table: %w", err)
	}
	if t.Default.InputPerMTok <= 0 || t.Default.OutputPerMTok <= 0 {
		return nil, fmt.Errorf("ledger: pricing table needs positive default rates")
	}
	return &t, nil
}

// rate resolves the price for a model: exact match first, then the longest
// matching key prefix (dated snapshots like gpt-4o-2024-08-06 share their
// base model's rate), else the default.
func (t *PricingTable) rate(modelID string) ModelPrice {
	if p, ok := t.Models[modelID]; ok {
		return p
	}
	best := ""
	for key := range t.Models {
		if strings.HasPrefix(modelID, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return t.Models[best]
	}
	return t.Default
}

// Cost computes the USD cost of one call's usage under the table.
func (t *PricingTable) Cost(modelID string, usage model.Usage) float64 {
	p := t.rate(modelID)
	return float64(usage.InputTokens)/1e6*p.InputPerMTok +
		float64(usage.OutputTokens)/1e6*p.OutputPerMTok
}

// Store is the persistence surface the ledger writes through.
type Store interface {
	RecordCost(ctx context.Context, entry model.CostLedgerEntry) error
	// AddRunUsage atomically increments the run's token and cost totals and
	// returns the resulting token totals.
	AddRunUsage(ctx context.Context, runID uuid.UUID, usage model.Usage, costUSD float64) (model.Usage, error)
}

// Ledger records one cost entry per pass execution and keeps the owning
// run's totals current.
type Ledger struct {
	pricing *PricingTable
	store   Store
	logger  *slog.Logger
}

// New builds a ledger over the given pricing table and store.
func New(pricing *PricingTable, store Store, logger *slog.Logger) *Ledger {
	return &Ledger{pricing: pricing, store: store, logger: logger}
}

// Record writes the cost entry for a recorded pass and applies its usage to
// the run totals, returning the entry and the run's new token totals.
func (l *Ledger) Record(ctx context.Context, pass model.PassExecution) (model.CostLedgerEntry, model.Usage, error) {
	usage := model.Usage{InputTokens: pass.InputTokens, OutputTokens: pass.OutputTokens}
	entry := model.CostLedgerEntry{
		ID:           uuid.New(),
		PassID:       pass.ID,
		RunID:        pass.RunID,
		Provider:     pass.Provider,
		Model:        pass.Model,
		InputTokens:  pass.InputTokens,
		OutputTokens: pass.OutputTokens,
		CostUSD:      l.pricing.Cost(pass.Model, usage),
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.RecordCost(ctx, entry); err != nil {
		return entry, model.Usage{}, fmt.Errorf("ledger: record cost: %w", err)
	}
	totals, err := l.store.AddRunUsage(ctx, pass.RunID, usage, entry.CostUSD)
	if err != nil {
		return entry, model.Usage{}, fmt.Errorf("ledger: update run totals: %w", err)
	}
	l.logger.Debug("ledger: pass recorded",
		"run_id", pass.RunID,
		"pass_type", pass.PassType,
		"model", pass.Model,
		"cost_usd", entry.CostUSD,
		"run_total_tokens", totals.Total(),
	)
	return entry, totals, nil
}
