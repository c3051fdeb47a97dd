// Package points maintains the contribution ledger and the per-user points
// aggregate. The ledger is the source of truth; the aggregate is a derived
// convenience that Recompute can rebuild from scratch at any time.
package points

import (
	"context"
	"fmt"
	"time"

	"farpedia/api/internal/store"
)

// Source types recorded on ledger rows.
const (
	SourceArticle = "article"
	SourceEdit    = "edit"
	SourceReview  = "review"
	SourceLike    = "like"
	SourceFlag    = "flag"
	SourceAirdrop = "airdrop"
)

type ledgerStore interface {
	InsertContribution(ctx context.Context, c store.Contribution) error
	GetUserPoints(ctx context.Context, fid string) (*store.UserPoints, error)
	UpdateUserPointsTotal(ctx context.Context, fid string, total int, lastUpdated time.Time) (bool, error)
	InsertUserPoints(ctx context.Context, fid string, total int, lastUpdated time.Time) error
	AllContributionTotals(ctx context.Context) (map[string]int, error)
	UpsertUserPoints(ctx context.Context, fid string, total int, lastUpdated time.Time) error
}

// AggregateError reports that the ledger row was written but the derived
// aggregate could not be updated. Callers log it and move on; the next
// recompute repairs the totals.
type AggregateError struct {
	FID string
	Err error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("update points aggregate for %s: %v", e.FID, e.Err)
}

func (e *AggregateError) Unwrap() error { return e.Err }

type Service struct {
	store ledgerStore
	now   func() time.Time
}

func New(s ledgerStore) *Service {
	return &Service{store: s, now: time.Now}
}

// Award appends a ledger row and folds the amount into the user's aggregate.
// The ledger insert is the authoritative step: if it fails nothing was
// awarded. If only the aggregate update fails the award still happened and
// the returned *AggregateError says so.
func (s *Service) Award(ctx context.Context, fid, sourceType, sourceID string, amount int, reason string) error {
	if amount <= 0 {
		return nil
	}

	now := s.now().UTC()
	err := s.store.InsertContribution(ctx, store.Contribution{
		FID:        fid,
		SourceType: sourceType,
		SourceID:   sourceID,
		Points:     amount,
		Reason:     reason,
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("insert contribution: %w", err)
	}

	if err := s.applyToAggregate(ctx, fid, amount, now); err != nil {
		return &AggregateError{FID: fid, Err: err}
	}
	return nil
}

func (s *Service) applyToAggregate(ctx context.Context, fid string, amount int, now time.Time) error {
	current, err := s.store.GetUserPoints(ctx, fid)
	if err != nil {
		return err
	}
	if current == nil {
		return s.store.InsertUserPoints(ctx, fid, amount, now)
	}

	updated, err := s.store.UpdateUserPointsTotal(ctx, fid, current.TotalPoints+amount, now)
	if err != nil {
		return err
	}
	if !updated {
		// Row vanished between read and write; insert fresh.
		return s.store.InsertUserPoints(ctx, fid, amount, now)
	}
	return nil
}

// Note appends a zero-point ledger row. It exists for audit trails (flags,
// moderation) and never touches the aggregate.
func (s *Service) Note(ctx context.Context, fid, sourceType, sourceID, reason string) error {
	err := s.store.InsertContribution(ctx, store.Contribution{
		FID:        fid,
		SourceType: sourceType,
		SourceID:   sourceID,
		Points:     0,
		Reason:     reason,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert contribution: %w", err)
	}
	return nil
}

// Total returns the aggregate for a user, zero when none exists yet.
func (s *Service) Total(ctx context.Context, fid string) (int, error) {
	up, err := s.store.GetUserPoints(ctx, fid)
	if err != nil {
		return 0, err
	}
	if up == nil {
		return 0, nil
	}
	return up.TotalPoints, nil
}

// Recompute rebuilds every aggregate from the ledger. Running it twice in a
// row leaves the same totals. Returns the number of users written.
func (s *Service) Recompute(ctx context.Context) (int, error) {
	totals, err := s.store.AllContributionTotals(ctx)
	if err != nil {
		return 0, fmt.Errorf("sum contributions: %w", err)
	}

	now := s.now().UTC()
	written := 0
	for fid, total := range totals {
		if err := s.store.UpsertUserPoints(ctx, fid, total, now); err != nil {
			return written, fmt.Errorf("upsert points for %s: %w", fid, err)
		}
		written++
	}
	return written, nil
}
