// Package lookup resolves platform identities to pronoun values. It shapes
// store results for callers: internal account ids never leave this boundary,
// and an unset declaration is indistinguishable from a missing identity.
package lookup

import (
	"context"

	"pronoundb/api/internal/metrics"
	"pronoundb/api/internal/pronouns"
	"pronoundb/api/internal/store"
)

// Tier sizes the bulk batch ceiling for a caller.
type Tier int

const (
	TierAnonymous Tier = iota
	TierAuthenticated
)

type Ceilings struct {
	Anonymous     int
	Authenticated int
}

func DefaultCeilings() Ceilings {
	return Ceilings{Anonymous: 50, Authenticated: 200}
}

func (c Ceilings) For(tier Tier) int {
	if tier == TierAuthenticated {
		return c.Authenticated
	}
	return c.Anonymous
}

type identityReader interface {
	GetPronounsByIdentity(ctx context.Context, platform, platformUserID string) (string, error)
	GetPronounsByIdentitiesBulk(ctx context.Context, platform string, platformUserIDs []string, maxBatch int) (map[string]string, error)
}

type Engine struct {
	store    identityReader
	recorder metrics.Recorder
	ceilings Ceilings
}

func New(reader identityReader, recorder metrics.Recorder, ceilings Ceilings) *Engine {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Engine{store: reader, recorder: recorder, ceilings: ceilings}
}

// Single resolves one identity. An account that never set pronouns reads the
// same as no account at all.
func (e *Engine) Single(ctx context.Context, platform, platformUserID string) (string, error) {
	e.recorder.RecordLookup(platform, "single", 1)
	value, err := e.store.GetPronounsByIdentity(ctx, platform, platformUserID)
	if err != nil {
		return "", err
	}
	if value == pronouns.Unspecified {
		return "", store.ErrNotFound
	}
	return value, nil
}

// Bulk resolves many identities in one store round-trip. Input is deduplicated
// before the ceiling check and the query; unknown and unset ids are omitted
// from the result rather than reported as errors.
func (e *Engine) Bulk(ctx context.Context, platform string, platformUserIDs []string, tier Tier) (map[string]string, error) {
	ids := dedup(platformUserIDs)
	maxBatch := e.ceilings.For(tier)
	if len(ids) > maxBatch {
		return nil, store.ErrBatchTooLarge
	}
	e.recorder.RecordLookup(platform, "bulk", len(ids))
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	found, err := e.store.GetPronounsByIdentitiesBulk(ctx, platform, ids, maxBatch)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(found))
	for id, value := range found {
		if value == pronouns.Unspecified {
			continue
		}
		result[id] = value
	}
	return result, nil
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
