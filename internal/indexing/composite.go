package indexing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/setmatch/internal/matching"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Strategy selects how a Composite combines its backends.
type Strategy int

const (
	// StrategyAggregateAll queries every backend concurrently and merges the answers.
	StrategyAggregateAll Strategy = iota + 1
	// StrategyFirstSuccess queries backends in order and returns the first answer.
	StrategyFirstSuccess
)

func (s Strategy) String() string {
	switch s {
	case StrategyAggregateAll:
		return "aggregate"
	case StrategyFirstSuccess:
		return "failover"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configured strategy name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "aggregate", "aggregate_all":
		return StrategyAggregateAll, nil
	case "failover", "first_success":
		return StrategyFirstSuccess, nil
	default:
		return 0, fmt.Errorf("indexing: unknown strategy %q", name)
	}
}

// Composite fans lookups out to several backends.
type Composite struct {
	strategy Strategy
	backends []Lookup
	logger   *zap.Logger
}

var _ Lookup = (*Composite)(nil)

func NewComposite(strategy Strategy, logger *zap.Logger, backends ...Lookup) (*Composite, error) {
	if strategy != StrategyAggregateAll && strategy != StrategyFirstSuccess {
		return nil, fmt.Errorf("indexing: unsupported strategy %s", strategy)
	}
	if len(backends) == 0 {
		return nil, errMissingBackends
	}
	for index, backend := range backends {
		if backend == nil {
			return nil, fmt.Errorf("indexing: backend %d is nil", index)
		}
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Composite{strategy: strategy, backends: backends, logger: logger}, nil
}

func (c *Composite) FindUserSets(ctx context.Context, owner string) ([]Receipt, error) {
	return combine(ctx, c, "find_user_sets", func(ctx context.Context, backend Lookup) ([]Receipt, error) {
		return backend.FindUserSets(ctx, owner)
	}, mergeReceipts)
}

func (c *Composite) FindUserObjects(ctx context.Context, owner string, includeCollection bool) ([]Receipt, error) {
	return combine(ctx, c, "find_user_objects", func(ctx context.Context, backend Lookup) ([]Receipt, error) {
		return backend.FindUserObjects(ctx, owner, includeCollection)
	}, mergeReceipts)
}

func (c *Composite) FindUserSetObjects(ctx context.Context, owner, collectionID string) ([]Receipt, error) {
	return combine(ctx, c, "find_user_set_objects", func(ctx context.Context, backend Lookup) ([]Receipt, error) {
		return backend.FindUserSetObjects(ctx, owner, collectionID)
	}, mergeReceipts)
}

func (c *Composite) FindLastUserSetObject(ctx context.Context, owner, collectionID string) (*Receipt, error) {
	return combine(ctx, c, "find_last_user_set_object", func(ctx context.Context, backend Lookup) (*Receipt, error) {
		return backend.FindLastUserSetObject(ctx, owner, collectionID)
	}, latestReceipt)
}

func (c *Composite) FindObjects(ctx context.Context, fingerprints []string, includeCollection bool) ([]Receipt, error) {
	return combine(ctx, c, "find_objects", func(ctx context.Context, backend Lookup) ([]Receipt, error) {
		return backend.FindObjects(ctx, fingerprints, includeCollection)
	}, mergeReceipts)
}

func (c *Composite) FindObject(ctx context.Context, fingerprint string, includeCollection bool) ([]Receipt, error) {
	return combine(ctx, c, "find_object", func(ctx context.Context, backend Lookup) ([]Receipt, error) {
		return backend.FindObject(ctx, fingerprint, includeCollection)
	}, firstNonEmpty)
}

func (c *Composite) FindLastObject(ctx context.Context, fingerprint string, includeCollection bool) (*Receipt, error) {
	return combine(ctx, c, "find_last_object", func(ctx context.Context, backend Lookup) (*Receipt, error) {
		return backend.FindLastObject(ctx, fingerprint, includeCollection)
	}, latestReceipt)
}

func (c *Composite) FindMatchingSets(ctx context.Context, criteria matching.Criteria) ([]matching.SetCandidate, error) {
	return combine(ctx, c, "find_matching_sets", func(ctx context.Context, backend Lookup) ([]matching.SetCandidate, error) {
		return backend.FindMatchingSets(ctx, criteria)
	}, mergeCandidates)
}

func combine[T any](ctx context.Context, c *Composite, operation string, call func(context.Context, Lookup) (T, error), merge func([]T) T) (T, error) {
	if c.strategy == StrategyFirstSuccess {
		return firstSuccess(ctx, c, operation, call)
	}
	results, err := fanOut(ctx, c.backends, call)
	if err != nil {
		var zero T
		return zero, err
	}
	return merge(results), nil
}

// fanOut queries every backend concurrently. Results keep backend order.
func fanOut[T any](ctx context.Context, backends []Lookup, call func(context.Context, Lookup) (T, error)) ([]T, error) {
	results := make([]T, len(backends))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, backend := range backends {
		group.Go(func() error {
			result, err := call(groupCtx, backend)
			if err != nil {
				return fmt.Errorf("backend %d: %w", index, err)
			}
			results[index] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func firstSuccess[T any](ctx context.Context, c *Composite, operation string, call func(context.Context, Lookup) (T, error)) (T, error) {
	var zero T
	failures := make([]error, 0, len(c.backends))
	for index, backend := range c.backends {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := call(ctx, backend)
		if err == nil {
			return result, nil
		}
		c.logger.Warn("backend lookup failed",
			zap.String("operation", operation),
			zap.Int("backend", index),
			zap.Error(err))
		failures = append(failures, fmt.Errorf("backend %d: %w", index, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllBackendsFailed, errors.Join(failures...))
}

// mergeReceipts concatenates in backend order, keeping the first receipt seen
// for each transaction.
func mergeReceipts(results [][]Receipt) []Receipt {
	seen := make(map[string]struct{})
	merged := make([]Receipt, 0)
	for _, receipts := range results {
		for _, receipt := range receipts {
			if _, ok := seen[receipt.TransactionID]; ok {
				continue
			}
			seen[receipt.TransactionID] = struct{}{}
			merged = append(merged, receipt)
		}
	}
	return merged
}

// latestReceipt keeps the earliest backend on equal timestamps.
func latestReceipt(results []*Receipt) *Receipt {
	var latest *Receipt
	for _, receipt := range results {
		if receipt == nil {
			continue
		}
		if latest == nil || receipt.Timestamp.After(latest.Timestamp) {
			latest = receipt
		}
	}
	return latest
}

func firstNonEmpty(results [][]Receipt) []Receipt {
	for _, receipts := range results {
		if len(receipts) > 0 {
			return receipts
		}
	}
	return []Receipt{}
}

// mergeCandidates keeps the best score per (collection, owner), preferring the
// earlier creation time on ties.
func mergeCandidates(results [][]matching.SetCandidate) []matching.SetCandidate {
	best := make(map[matching.CandidateKey]int)
	merged := make([]matching.SetCandidate, 0)
	for _, candidates := range results {
		for _, candidate := range candidates {
			key := matching.CandidateKey{CollectionID: candidate.CollectionID, OwnerIdentity: candidate.OwnerIdentity}
			position, ok := best[key]
			if !ok {
				best[key] = len(merged)
				merged = append(merged, candidate)
				continue
			}
			current := merged[position]
			if candidate.Score > current.Score ||
				(candidate.Score == current.Score && candidate.CreatedAt < current.CreatedAt) {
				merged[position] = candidate
			}
		}
	}
	matching.SortCandidates(merged)
	return merged
}
