package pipeline

import (
	"context"

	"go.uber.org/zap"

	"quotefeed/internal/metrics"
	"quotefeed/internal/quote"
)

// Stage is one transformation over a canonical record batch. Stages are pure
// and stateless: they may drop records but never abort the batch, and they
// must not reorder records across symbols.
type Stage func(ctx context.Context, batch []quote.Record) []quote.Record

// Pipeline threads a batch of raw payloads through the fixed stage sequence
// normalize -> validate -> enrich -> merge.
type Pipeline struct {
	normalizer *Normalizer
	stages     []Stage
}

// New wires the standard stages. lookup may be nil (enrichment becomes a
// no-op); ranks maps adapter id to priority rank for merge tie-breaks.
func New(fieldMaps map[string]FieldMap, ranks map[string]int, lookup Lookup, m *metrics.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	n := &Normalizer{FieldMaps: fieldMaps, Ranks: ranks, Log: log}
	return &Pipeline{
		normalizer: n,
		stages: []Stage{
			Validate(m, log),
			Enrich(lookup),
			Merge(),
		},
	}
}

// Run converts raw payloads for the given queries into canonical records.
// Exactly one record per symbol survives the merge; invalid records are
// dropped along the way, never raised.
func (p *Pipeline) Run(ctx context.Context, queries []quote.Query, payloads []quote.RawPayload) []quote.Record {
	batch := p.normalizer.Normalize(queries, payloads)
	for _, stage := range p.stages {
		batch = stage(ctx, batch)
	}
	return batch
}
