package access

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TenantScope runs fn once per tenant with storage scoped to that tenant's
// schema. Background work never inherits a tenant from a request, so the
// sweeper must be told how to reach each tenant's tables.
type TenantScope interface {
	ForEachTenant(ctx context.Context, fn func(ctx context.Context, tenantID string) error) error
}

// Sweeper periodically expires pending requests past their deadline and
// revokes approved grants whose window elapsed. Every mutation happens in
// its own transaction after re-reading the request, so concurrent sweepers
// and crashed runs converge on the same state.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    int
	scope    TenantScope
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		batch:    100,
		logger:   logger,
	}
}

// SetScope attaches the tenant iterator. Without one the sweeper runs a
// single pass against whatever storage the context reaches, which is only
// meaningful in tests.
func (s *Sweeper) SetScope(scope TenantScope) { s.scope = scope }

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Expired      int `json:"expired"`
	AutoApproved int `json:"auto_approved"`
	Skipped      int `json:"skipped"`
	Revoked      int `json:"revoked"`
}

// Sweep runs one pass over every tenant. Candidate IDs are listed outside
// any transaction; each request is re-read and re-checked inside its own
// transaction before mutation, making the pass safe to repeat. A failing
// tenant is logged and skipped so one bad schema cannot starve the rest.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	start := s.svc.now()
	var result SweepResult
	pending := 0

	if s.scope == nil {
		if err := s.sweepTenant(ctx, &result, &pending); err != nil {
			return result, err
		}
	} else {
		err := s.scope.ForEachTenant(ctx, func(tctx context.Context, tenantID string) error {
			if err := s.sweepTenant(tctx, &result, &pending); err != nil {
				s.logger.Error().Err(err).
					Str("tenant_id", tenantID).
					Msg("tenant sweep failed")
			}
			return nil
		})
		if err != nil {
			return result, err
		}
	}

	elapsed := s.svc.now().Sub(start)
	if s.svc.metrics != nil {
		s.svc.metrics.RecordSweep(result.Expired, result.Revoked, elapsed)
		s.svc.metrics.SetPendingRequests(pending)
	}
	if result.Expired+result.AutoApproved+result.Skipped+result.Revoked > 0 {
		s.logger.Info().
			Int("expired", result.Expired).
			Int("auto_approved", result.AutoApproved).
			Int("skipped", result.Skipped).
			Int("revoked", result.Revoked).
			Dur("duration", elapsed).
			Msg("sweep completed")
	}
	return result, nil
}

// sweepTenant runs both scan phases against one tenant's storage.
func (s *Sweeper) sweepTenant(ctx context.Context, result *SweepResult, pending *int) error {
	if err := s.sweepPending(ctx, result); err != nil {
		return err
	}
	if err := s.revokeLapsed(ctx, result); err != nil {
		return err
	}
	if n, err := s.svc.repo.CountPending(ctx); err == nil {
		*pending += n
	}
	return nil
}

// sweepPending handles requests whose current level deadline passed. A
// required level expires the whole request; an optional level is skipped,
// advancing the workflow, or auto-approving when it was the last level.
func (s *Sweeper) sweepPending(ctx context.Context, result *SweepResult) error {
	ids, err := s.svc.repo.ListPendingPastDeadline(ctx, s.svc.now(), s.batch)
	if err != nil {
		return fmt.Errorf("list pending past deadline: %w", err)
	}

	for _, id := range ids {
		if err := s.sweepOne(ctx, id, result); err != nil {
			s.logger.Error().Err(err).
				Str("request_id", id.String()).
				Msg("sweep of pending request failed")
		}
	}
	return nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id uuid.UUID, result *SweepResult) error {
	var (
		outcome Status
		swept   *AccessRequest
	)
	err := s.svc.repo.InTx(ctx, func(txCtx context.Context) error {
		req, err := s.svc.repo.GetRequest(txCtx, id)
		if err != nil {
			return err
		}
		now := s.svc.now().UTC()

		// Re-check under the transaction: another sweeper or an approver
		// may have moved the request since the candidate scan.
		if req.Status != StatusPending {
			return nil
		}
		lvl := req.CurrentApprovalLevel()
		if lvl == nil || !lvl.Deadline.Before(now) {
			return nil
		}

		wf := req.Workflow.Clone()
		current := wf.Level(req.CurrentLevel)

		if current.Required {
			req.Status = StatusExpired
			req.ReviewedAt = &now
			req.SweptAt = &now
			req.Workflow = wf
			outcome = StatusExpired
		} else {
			current.Skipped = true
			current.Completed = true
			req.Workflow = wf
			req.SweptAt = &now
			if req.CurrentLevel >= len(wf.Levels) {
				req.Status = StatusApproved
				req.ReviewedAt = &now
				until := s.svc.grantUntil(req, now)
				req.AccessGrantedUntil = &until
				outcome = StatusApproved
			} else {
				req.CurrentLevel++
				activateLevel(wf, req.CurrentLevel, now)
				outcome = StatusPending
			}
		}

		if err := s.svc.repo.UpdateRequest(txCtx, req); err != nil {
			return err
		}
		swept = req
		return nil
	})
	if err != nil || swept == nil {
		return err
	}

	switch outcome {
	case StatusExpired:
		result.Expired++
		s.svc.notify("request-expired", map[string]string{
			"patient_id": swept.PatientID.String(),
		}, swept.RequestingPhysicianID)
	case StatusApproved:
		result.AutoApproved++
		s.svc.notify("request-approved", map[string]string{
			"patient_id":    swept.PatientID.String(),
			"granted_until": swept.AccessGrantedUntil.Format(time.RFC3339),
		}, swept.RequestingPhysicianID)
	case StatusPending:
		result.Skipped++
		s.svc.notifyLevelPending(swept)
	}
	return nil
}

// revokeLapsed records a revocation event for each approved request whose
// access window closed without one. The request keeps its approved status;
// the event is what downstream authorization checks consult.
func (s *Sweeper) revokeLapsed(ctx context.Context, result *SweepResult) error {
	ids, err := s.svc.repo.ListLapsedGrants(ctx, s.svc.now(), s.batch)
	if err != nil {
		return fmt.Errorf("list lapsed grants: %w", err)
	}

	for _, id := range ids {
		err := s.svc.repo.InTx(ctx, func(txCtx context.Context) error {
			req, err := s.svc.repo.GetRequest(txCtx, id)
			if err != nil {
				return err
			}
			if req.Status != StatusApproved || req.AccessGrantedUntil == nil ||
				!req.AccessGrantedUntil.Before(s.svc.now()) {
				return nil
			}
			revoked, err := s.svc.repo.HasRevocation(txCtx, id)
			if err != nil {
				return err
			}
			if revoked {
				return nil
			}
			if err := s.svc.repo.AddRevocation(txCtx, &RevocationEvent{
				RequestID: id,
				PatientID: req.PatientID,
				Reason:    RevokeReasonWindowElapsed,
				RevokedAt: s.svc.now().UTC(),
			}); err != nil {
				return err
			}
			result.Revoked++
			s.svc.notify("access-revoked", map[string]string{
				"patient_id": req.PatientID.String(),
			}, req.RequestingPhysicianID)
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("request_id", id.String()).
				Msg("revocation of lapsed grant failed")
		}
	}
	return nil
}
