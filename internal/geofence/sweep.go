package geofence

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/tracing"
)

// Sweeper terminates memberships whose grace period expired while the user
// sent no further updates. It shares the pipeline's per-user locks and exit
// state machine.
type Sweeper struct {
	p *Pipeline
}

// NewSweeper creates a Sweeper bound to the pipeline.
func NewSweeper(p *Pipeline) *Sweeper {
	return &Sweeper{p: p}
}

// Sweep examines every tentatively-outside membership and terminates those
// whose grace period has elapsed. It returns the number terminated. A failure
// on one membership does not stop the others; the errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (terminated int, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "geofence.sweep")
	defer func() { endSpan(err) }()

	p := s.p
	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	candidates, err := p.store.ListOutside(sctx)
	cancel()
	if err != nil {
		return 0, storeError("list outside", err)
	}
	p.config.Metrics.setSweepCandidates(len(candidates))

	now := p.config.Clock()
	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		// Cheap pre-check on the snapshot before taking the user lock.
		if !Next(c.State, EventSweep, now, p.config.GracePeriod).IsTerminated() {
			continue
		}

		ok, err := s.sweepOne(ctx, c.UserID, c.RegionID, now)
		if err != nil {
			p.config.Logger.Error("sweep failed for membership",
				"user_id", c.UserID,
				"region_id", c.RegionID,
				"error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			terminated++
		}
	}

	p.config.Logger.Info("grace sweep completed",
		"candidates", len(candidates),
		"terminated", terminated,
		"errors", len(errs))
	return terminated, errors.Join(errs...)
}

// sweepOne re-reads the membership under the user lock so an update that
// arrived after the candidate list was built wins.
func (s *Sweeper) sweepOne(ctx context.Context, userID, regionID string, now time.Time) (bool, error) {
	p := s.p
	unlock := p.locks.lock(userID)
	defer unlock()

	m, err := p.get(ctx, userID, regionID)
	if errors.Is(err, membership.ErrMembershipNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	next := Next(m.State, EventSweep, now, p.config.GracePeriod)
	if !next.IsTerminated() {
		return false, nil
	}
	reason, _ := next.Reason()
	return p.terminate(ctx, userID, regionID, reason, now)
}
