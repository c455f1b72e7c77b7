package selector

import (
	"context"
	"fmt"
	"sort"

	"flyx-proxy/work/database"
	"flyx-proxy/work/logger"
	"flyx-proxy/work/metrics"
	"flyx-proxy/work/stalker"
	"flyx-proxy/work/types"
	"flyx-proxy/work/utils"
)

// Resolution is a portal resolution outcome plus the bookkeeping the HTTP
// layer reports: which account and mapping served it and how many candidates
// were tried before giving up.
type Resolution struct {
	types.StreamResolution
	AccountID int64
	MappingID int64
	Tried     int
}

// Selector picks which portal account serves a channel. Ordering blends
// round-robin fairness (least recently used first) with reliability
// weighting (historical success ratio); ties fall back to candidate list
// order, which is stable across calls.
type Selector struct {
	db     *database.DB
	portal *stalker.Client
	log    *logger.Logger
}

// New creates a selector over the mapping store and portal client.
func New(db *database.DB, portal *stalker.Client, log *logger.Logger) *Selector {
	return &Selector{
		db:     db,
		portal: portal,
		log:    log.WithComponent("selector"),
	}
}

// ResolveStream walks the ordered candidate list for a channel and returns
// the first successful portal resolution. Every attempt mutates the
// persisted counters, success or not, so the ordering self-corrects over
// time. Counter updates are not atomic with selection; two concurrent
// requests may pick the same account and that is fine.
func (s *Selector) ResolveStream(ctx context.Context, internalChannelID string) (Resolution, error) {
	candidates, err := s.db.CandidatesForChannel(internalChannelID)
	if err != nil {
		return Resolution{}, err
	}
	if len(candidates) == 0 {
		return Resolution{Tried: 0}, fmt.Errorf("no active mappings for channel %s: %w", internalChannelID, types.ErrAllMappingsExhausted)
	}

	orderCandidates(candidates)

	for i, candidate := range candidates {
		streamURL, err := s.portal.ResolveStream(ctx, candidate.Account, candidate.Mapping)
		if err != nil {
			metrics.MappingAttempts.WithLabelValues("failure").Inc()
			if dbErr := s.db.RecordMappingFailure(candidate.Mapping.ID); dbErr != nil {
				s.log.Warn("failed to persist mapping failure: %v", dbErr)
			}
			s.log.Debug("mapping %d failed for channel %s: %s", candidate.Mapping.ID, internalChannelID, utils.ShortError(err))
			continue
		}

		metrics.MappingAttempts.WithLabelValues("success").Inc()
		if dbErr := s.db.RecordMappingSuccess(candidate.Mapping.ID, candidate.Account.ID); dbErr != nil {
			s.log.Warn("failed to persist mapping success: %v", dbErr)
		}

		return Resolution{
			StreamResolution: types.StreamResolution{
				Success:        true,
				StreamURL:      streamURL,
				SourceProvider: "stalker",
			},
			AccountID: candidate.Account.ID,
			MappingID: candidate.Mapping.ID,
			Tried:     i + 1,
		}, nil
	}

	return Resolution{Tried: len(candidates)}, fmt.Errorf("all %d mappings failed for channel %s: %w",
		len(candidates), internalChannelID, types.ErrAllMappingsExhausted)
}

// orderCandidates sorts the candidate list by the selection policy:
// account priority, then mapping priority, then least recently used with
// never-used mappings first, then historical success ratio with unproven
// mappings last. The sort is stable so equal candidates keep query order.
func orderCandidates(candidates []database.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		if a.Account.Priority != b.Account.Priority {
			return a.Account.Priority > b.Account.Priority
		}
		if a.Mapping.Priority != b.Mapping.Priority {
			return a.Mapping.Priority > b.Mapping.Priority
		}

		aUsed, bUsed := a.Mapping.LastUsedAt, b.Mapping.LastUsedAt
		switch {
		case aUsed == nil && bUsed != nil:
			return true
		case aUsed != nil && bUsed == nil:
			return false
		case aUsed != nil && bUsed != nil && !aUsed.Equal(*bUsed):
			return aUsed.Before(*bUsed)
		}

		aRatio, aOK := a.Mapping.SuccessRatio()
		bRatio, bOK := b.Mapping.SuccessRatio()
		switch {
		case aOK && !bOK:
			return true
		case !aOK && bOK:
			return false
		case aOK && bOK && aRatio != bRatio:
			return aRatio > bRatio
		}

		return false
	})
}
