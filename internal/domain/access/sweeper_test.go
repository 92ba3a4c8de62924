package access

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSweeper(svc *Service) *Sweeper {
	return NewSweeper(svc, time.Minute, zerolog.Nop())
}

func TestSweep_ExpiresRequiredLevel(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	req, err := svc.CreateRequest(context.Background(), validInput(patientID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Move past the 8h standard SLA.
	svc.now = func() time.Time { return base.Add(9 * time.Hour) }

	sweeper := newTestSweeper(svc)
	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected 1 expired, got %d", result.Expired)
	}

	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusExpired {
		t.Errorf("expected expired, got %s", stored.Status)
	}
	if stored.SweptAt == nil {
		t.Error("expected sweep watermark")
	}

	// A second pass over the same state is a no-op.
	result, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Expired != 0 {
		t.Errorf("second sweep expired %d requests", result.Expired)
	}
}

func TestSweep_OptionalLastLevelAutoApproves(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	// Standard tier, routine context: one optional supervisor level with
	// the 24h routine SLA.
	in := validInput(patientID)
	in.AccessContext = ContextRoutine
	req, err := svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.now = func() time.Time { return base.Add(25 * time.Hour) }

	result, err := newTestSweeper(svc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AutoApproved != 1 {
		t.Fatalf("expected 1 auto-approved, got %+v", result)
	}

	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", stored.Status)
	}
	if !stored.Workflow.Levels[0].Skipped {
		t.Error("expected the lapsed optional level to be marked skipped")
	}
	if stored.AccessGrantedUntil == nil {
		t.Fatal("expected grant window")
	}
	want := base.Add(25 * time.Hour).Add(24 * time.Hour)
	if !stored.AccessGrantedUntil.Equal(want) {
		t.Errorf("expected grant until %s, got %s", want, stored.AccessGrantedUntil)
	}
}

func TestSweep_RevokesLapsedGrant(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	req, _ := svc.CreateRequest(context.Background(), validInput(patientID))
	req, err := svc.Decide(context.Background(), req.ID, "sup-1", []string{"immediate_supervisor"}, DecisionApprove, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The 24h default grant window has elapsed. Access must read as dead
	// even before the sweeper runs.
	svc.now = func() time.Time { return base.Add(25 * time.Hour) }
	live, err := svc.HasLiveAccess(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if live {
		t.Error("expected access dead past the grant window")
	}

	sweeper := newTestSweeper(svc)
	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Revoked != 1 {
		t.Fatalf("expected 1 revocation, got %d", result.Revoked)
	}
	revoked, _ := repo.HasRevocation(context.Background(), req.ID)
	if !revoked {
		t.Error("expected a revocation event")
	}
	if repo.revocations[req.ID].Reason != RevokeReasonWindowElapsed {
		t.Errorf("expected reason %s, got %s", RevokeReasonWindowElapsed, repo.revocations[req.ID].Reason)
	}

	// Re-running must not record a second event.
	result, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Revoked != 0 {
		t.Errorf("second sweep recorded %d revocations", result.Revoked)
	}
}

func TestSweep_MidChainOptionalSkipAdvances(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	in := validInput(patientID)
	in.AccessContext = ContextRoutine
	req, err := svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Tighten the patient mid-flight so the workflow gains required levels
	// after the optional supervisor level.
	if err := svc.ReclassifyPending(context.Background(), patientID, PatientAttributes{BehavioralHealth: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.now = func() time.Time { return base.Add(25 * time.Hour) }

	result, err := newTestSweeper(svc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %+v", result)
	}

	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusPending {
		t.Fatalf("expected still pending, got %s", stored.Status)
	}
	if stored.CurrentLevel != 2 {
		t.Errorf("expected advance to level 2, got %d", stored.CurrentLevel)
	}
	if !stored.Workflow.Levels[0].Skipped {
		t.Error("expected level 1 marked skipped")
	}
	// The newly active level's clock starts at the skip, not at creation.
	want := base.Add(25 * time.Hour).Add(stored.Workflow.Levels[1].SLA)
	if !stored.Workflow.Levels[1].Deadline.Equal(want) {
		t.Errorf("expected level 2 deadline %s, got %s", want, stored.Workflow.Levels[1].Deadline)
	}
}

func TestSweep_LevelClockStartsOnActivation(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	// Sensitive tier: two required levels, 8h standard SLA each.
	req, err := svc.CreateRequest(context.Background(), validInput(patientID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Level 1 approved half an hour before its own deadline.
	svc.now = func() time.Time { return base.Add(7*time.Hour + 30*time.Minute) }
	req, err = svc.Decide(context.Background(), req.ID, "dh-1", []string{"department_head"}, DecisionApprove, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantDeadline := base.Add(7*time.Hour + 30*time.Minute).Add(8 * time.Hour)
	if !req.Workflow.Levels[1].Deadline.Equal(wantDeadline) {
		t.Fatalf("expected level 2 deadline %s, got %s", wantDeadline, req.Workflow.Levels[1].Deadline)
	}

	// Past the creation-time window but well inside level 2's own SLA:
	// the sweeper must leave the request alone.
	svc.now = func() time.Time { return base.Add(8*time.Hour + 30*time.Minute) }
	result, err := newTestSweeper(svc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Expired != 0 {
		t.Fatalf("expected no expiry, got %+v", result)
	}
	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusPending {
		t.Errorf("expected still pending, got %s", stored.Status)
	}

	// Level 2's own window lapsing does expire it.
	svc.now = func() time.Time { return wantDeadline.Add(time.Minute) }
	result, err = newTestSweeper(svc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected 1 expired, got %+v", result)
	}
}

// fakeScope hands the sweeper a fixed tenant list, reusing the caller's
// context the way the schema scope derives per-tenant ones.
type fakeScope struct {
	tenants []string
	visits  int
}

func (f *fakeScope) ForEachTenant(ctx context.Context, fn func(ctx context.Context, tenantID string) error) error {
	for _, id := range f.tenants {
		f.visits++
		if err := fn(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func TestSweep_RunsPerTenant(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	req, err := svc.CreateRequest(context.Background(), validInput(patientID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.now = func() time.Time { return base.Add(9 * time.Hour) }

	scope := &fakeScope{tenants: []string{"mercy", "stjude"}}
	sweeper := newTestSweeper(svc)
	sweeper.SetScope(scope)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope.visits != 2 {
		t.Fatalf("expected both tenants visited, got %d", scope.visits)
	}
	// Both visits hit the same store here; the second pass finds the
	// request already expired and leaves it alone.
	if result.Expired != 1 {
		t.Fatalf("expected 1 expired across tenants, got %+v", result)
	}
	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusExpired {
		t.Errorf("expected expired, got %s", stored.Status)
	}
}
