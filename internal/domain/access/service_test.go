package access

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navimed/navimed/internal/platform/auth"
)

// mockRepo is a map-backed Repository. Reads hand out copies so callers
// observe the same read-then-update semantics the database gives them.
type mockRepo struct {
	requests    map[uuid.UUID]*AccessRequest
	history     map[uuid.UUID][]*HistoryEntry
	revocations map[uuid.UUID]*RevocationEvent
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		requests:    map[uuid.UUID]*AccessRequest{},
		history:     map[uuid.UUID][]*HistoryEntry{},
		revocations: map[uuid.UUID]*RevocationEvent{},
	}
}

func cloneRequest(r *AccessRequest) *AccessRequest {
	out := *r
	out.Workflow = r.Workflow.Clone()
	return &out
}

func (m *mockRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) CreateRequest(_ context.Context, r *AccessRequest) error {
	r.ID = uuid.New()
	r.VersionID = 1
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *mockRepo) GetRequest(_ context.Context, id uuid.UUID) (*AccessRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return cloneRequest(r), nil
}

func (m *mockRepo) UpdateRequest(_ context.Context, r *AccessRequest) error {
	stored, ok := m.requests[r.ID]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, r.ID)
	}
	if stored.VersionID != r.VersionID {
		return fmt.Errorf("%w: version %d superseded", ErrLevelMismatch, r.VersionID)
	}
	r.VersionID++
	r.UpdatedAt = time.Now()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *mockRepo) ListRequests(_ context.Context, f Filter, limit, offset int) ([]*AccessRequest, int, error) {
	var out []*AccessRequest
	for _, r := range m.requests {
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.RequesterID != nil && r.RequestingPhysicianID != *f.RequesterID {
			continue
		}
		if f.ReviewPending && !r.RetrospectiveReview {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	return out, len(out), nil
}

func (m *mockRepo) ListPendingByRoles(_ context.Context, roles []auth.Role, limit, offset int) ([]*AccessRequest, int, error) {
	var out []*AccessRequest
	for _, r := range m.requests {
		if r.Status != StatusPending {
			continue
		}
		lvl := r.CurrentApprovalLevel()
		if lvl == nil {
			continue
		}
		for _, role := range roles {
			if lvl.ApproverRole == role {
				out = append(out, cloneRequest(r))
				break
			}
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListPendingByPatient(_ context.Context, patientID uuid.UUID) ([]*AccessRequest, error) {
	var out []*AccessRequest
	for _, r := range m.requests {
		if r.Status == StatusPending && r.PatientID == patientID {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (m *mockRepo) ListPendingPastDeadline(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, r := range m.requests {
		if r.Status != StatusPending {
			continue
		}
		lvl := r.CurrentApprovalLevel()
		if lvl != nil && lvl.Deadline.Before(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *mockRepo) ListLapsedGrants(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, r := range m.requests {
		if r.Status != StatusApproved || r.AccessGrantedUntil == nil {
			continue
		}
		if !r.AccessGrantedUntil.Before(now) {
			continue
		}
		if _, revoked := m.revocations[id]; revoked {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *mockRepo) CountPending(_ context.Context) (int, error) {
	n := 0
	for _, r := range m.requests {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) AddHistory(_ context.Context, e *HistoryEntry) error {
	e.ID = uuid.New()
	m.history[e.RequestID] = append(m.history[e.RequestID], e)
	return nil
}

func (m *mockRepo) ListHistory(_ context.Context, requestID uuid.UUID) ([]*HistoryEntry, error) {
	return m.history[requestID], nil
}

func (m *mockRepo) AddRevocation(_ context.Context, e *RevocationEvent) error {
	e.ID = uuid.New()
	m.revocations[e.RequestID] = e
	return nil
}

func (m *mockRepo) HasRevocation(_ context.Context, requestID uuid.UUID) (bool, error) {
	_, ok := m.revocations[requestID]
	return ok, nil
}

type mockDirectory struct {
	attrs map[uuid.UUID]PatientAttributes
}

func (d *mockDirectory) Attributes(_ context.Context, id uuid.UUID) (PatientAttributes, error) {
	a, ok := d.attrs[id]
	if !ok {
		return PatientAttributes{}, errors.New("patient not found")
	}
	return a, nil
}

func newTestService() (*Service, *mockRepo, *mockDirectory) {
	repo := newMockRepo()
	dir := &mockDirectory{attrs: map[uuid.UUID]PatientAttributes{}}
	svc := NewService(repo, dir, testPolicy(), GrantPolicy{
		Default: 24 * time.Hour,
		Max:     72 * time.Hour,
	}, zerolog.Nop())
	return svc, repo, dir
}

func addPatient(dir *mockDirectory, attrs PatientAttributes) uuid.UUID {
	id := uuid.New()
	dir.attrs[id] = attrs
	return id
}

func validInput(patientID uuid.UUID) CreateInput {
	return CreateInput{
		PatientID:             patientID,
		RequestingPhysicianID: "dr-house",
		Reason:                "follow-up on imaging results",
		Urgency:               UrgencyNormal,
		AccessContext:         ContextConsultation,
		AccessType:            AccessRead,
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing reason", func(in *CreateInput) { in.Reason = "" }},
		{"missing patient", func(in *CreateInput) { in.PatientID = uuid.Nil }},
		{"missing requester", func(in *CreateInput) { in.RequestingPhysicianID = "" }},
		{"unknown urgency", func(in *CreateInput) { in.Urgency = "critical" }},
		{"unknown access type", func(in *CreateInput) { in.AccessType = "admin" }},
		{"unknown patient", func(in *CreateInput) { in.PatientID = uuid.New() }},
		{"negative duration", func(in *CreateInput) { in.RequestedDuration = -time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(patientID)
			tt.mutate(&in)
			if _, err := svc.CreateRequest(context.Background(), in); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateRequest_ClassifiesAndResolves(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	req, err := svc.CreateRequest(context.Background(), validInput(patientID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Sensitivity != TierSensitive {
		t.Errorf("expected sensitive tier, got %s", req.Sensitivity)
	}
	if req.Status != StatusPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if req.CurrentLevel != 1 {
		t.Errorf("expected level 1, got %d", req.CurrentLevel)
	}
	if len(req.Workflow.Levels) != 2 {
		t.Errorf("expected 2-level chain, got %d", len(req.Workflow.Levels))
	}
	if req.VersionID != 1 {
		t.Errorf("expected version 1, got %d", req.VersionID)
	}
}

func TestCreateRequest_EmergencyRetrospective(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{Minor: true})

	in := validInput(patientID)
	in.Urgency = UrgencyEmergency
	in.AccessContext = ContextEmergency

	req, err := svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.RetrospectiveReview {
		t.Error("emergency request must be flagged for retrospective review")
	}
	if len(req.Workflow.Levels) != 1 {
		t.Errorf("expected collapsed chain, got %d levels", len(req.Workflow.Levels))
	}
}

func TestDecide_MultiLevelApproval(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	req, err := svc.CreateRequest(context.Background(), validInput(patientID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Level 1: department head approves, request advances.
	req, err = svc.Decide(context.Background(), req.ID, "dr-cuddy", []string{"department_head"}, DecisionApprove, nil, 1)
	if err != nil {
		t.Fatalf("level 1 decision failed: %v", err)
	}
	if req.Status != StatusPending || req.CurrentLevel != 2 {
		t.Fatalf("expected pending at level 2, got %s level %d", req.Status, req.CurrentLevel)
	}
	if !req.Workflow.Levels[0].Completed {
		t.Error("level 1 should be marked completed")
	}

	// Level 2: privacy officer approves, request resolves with a grant.
	req, err = svc.Decide(context.Background(), req.ID, "po-1", []string{"privacy_officer"}, DecisionApprove, nil, 2)
	if err != nil {
		t.Fatalf("level 2 decision failed: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", req.Status)
	}
	if req.AccessGrantedUntil == nil {
		t.Fatal("expected access window to be set")
	}
	if req.ReviewedAt == nil {
		t.Error("expected reviewed timestamp")
	}

	history, _ := repo.ListHistory(context.Background(), req.ID)
	if len(history) != 2 {
		t.Fatalf("expected exactly one history entry per decision, got %d", len(history))
	}
	if history[0].Level != 1 || history[1].Level != 2 {
		t.Error("history entries out of order")
	}
}

func TestDecide_DenyIsTerminal(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	req, _ := svc.CreateRequest(context.Background(), validInput(patientID))

	notes := "insufficient clinical justification"
	req, err := svc.Decide(context.Background(), req.ID, "dr-cuddy", []string{"department_head"}, DecisionDeny, &notes, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Status != StatusDenied {
		t.Fatalf("expected denied, got %s", req.Status)
	}

	// Any further decision must be rejected.
	_, err = svc.Decide(context.Background(), req.ID, "po-1", []string{"privacy_officer"}, DecisionApprove, nil, 0)
	if !errors.Is(err, ErrRequestNotActionable) {
		t.Errorf("expected ErrRequestNotActionable, got %v", err)
	}
}

func TestDecide_UnauthorizedApprover(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	req, _ := svc.CreateRequest(context.Background(), validInput(patientID))

	_, err := svc.Decide(context.Background(), req.ID, "dr-wilson", []string{"requesting_physician"}, DecisionApprove, nil, 1)
	if !errors.Is(err, ErrUnauthorizedApprover) {
		t.Fatalf("expected ErrUnauthorizedApprover, got %v", err)
	}

	// The failed attempt must not leave any trace on the aggregate.
	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusPending || stored.CurrentLevel != 1 {
		t.Error("unauthorized attempt mutated the request")
	}
	history, _ := repo.ListHistory(context.Background(), req.ID)
	if len(history) != 0 {
		t.Errorf("unauthorized attempt left %d history entries", len(history))
	}
}

func TestDecide_SupersedingAuthority(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	req, _ := svc.CreateRequest(context.Background(), validInput(patientID))

	// A medical director may act for the department head level.
	req, err := svc.Decide(context.Background(), req.ID, "md-1", []string{"medical_director"}, DecisionApprove, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.CurrentLevel != 2 {
		t.Errorf("expected level 2, got %d", req.CurrentLevel)
	}

	history, _ := svc.GetHistory(context.Background(), req.ID)
	if history[0].ApproverRole != auth.RoleMedicalDirector {
		t.Errorf("history should record the acting role, got %s", history[0].ApproverRole)
	}
}

func TestDecide_StaleLevelRejected(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	req, _ := svc.CreateRequest(context.Background(), validInput(patientID))
	if _, err := svc.Decide(context.Background(), req.ID, "dr-cuddy", []string{"department_head"}, DecisionApprove, nil, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second submission against the already-decided level must conflict
	// and leave the request untouched.
	_, err := svc.Decide(context.Background(), req.ID, "dh-2", []string{"department_head"}, DecisionApprove, nil, 1)
	if !errors.Is(err, ErrLevelMismatch) {
		t.Fatalf("expected ErrLevelMismatch, got %v", err)
	}
	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.CurrentLevel != 2 {
		t.Errorf("conflicting decision mutated level to %d", stored.CurrentLevel)
	}
	history, _ := repo.ListHistory(context.Background(), req.ID)
	if len(history) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(history))
	}
}

func TestDecide_GrantWindowCapped(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	in := validInput(patientID)
	in.AccessContext = ContextConsultation
	in.RequestedDuration = 200 * time.Hour

	req, err := svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, err = svc.Decide(context.Background(), req.ID, "sup-1", []string{"immediate_supervisor"}, DecisionApprove, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := base.Add(72 * time.Hour)
	if !req.AccessGrantedUntil.Equal(want) {
		t.Errorf("expected grant capped at %s, got %s", want, req.AccessGrantedUntil)
	}
}

func TestListPendingFor_ExpandsAuthority(t *testing.T) {
	svc, _, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{BehavioralHealth: true})

	if _, err := svc.CreateRequest(context.Background(), validInput(patientID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Waiting on department_head: a medical director sees it too.
	items, _, err := svc.ListPendingFor(context.Background(), []string{"medical_director"}, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 pending item for medical director, got %d", len(items))
	}

	items, _, err = svc.ListPendingFor(context.Background(), []string{"requesting_physician"}, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no pending items for requesting physician, got %d", len(items))
	}
}

func TestRevoke(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	in := validInput(patientID)
	req, _ := svc.CreateRequest(context.Background(), in)
	req, err := svc.Decide(context.Background(), req.ID, "sup-1", []string{"immediate_supervisor"}, DecisionApprove, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, err := svc.HasLiveAccess(context.Background(), req.ID)
	if err != nil || !live {
		t.Fatalf("expected live access, got live=%v err=%v", live, err)
	}

	if err := svc.Revoke(context.Background(), req.ID, "co-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	live, _ = svc.HasLiveAccess(context.Background(), req.ID)
	if live {
		t.Error("expected access dead after revocation")
	}

	// Status is history, not authorization: it stays approved.
	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Status != StatusApproved {
		t.Errorf("revocation changed status to %s", stored.Status)
	}

	// Revoking twice conflicts.
	if err := svc.Revoke(context.Background(), req.ID, "co-1", ""); !errors.Is(err, ErrRequestNotActionable) {
		t.Errorf("expected ErrRequestNotActionable on double revoke, got %v", err)
	}
}

func TestReclassifyPending_ExtendsWorkflow(t *testing.T) {
	svc, repo, dir := newTestService()
	patientID := addPatient(dir, PatientAttributes{})

	req, err := svc.CreateRequest(context.Background(), validInput(patientID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Sensitivity != TierStandard || len(req.Workflow.Levels) != 1 {
		t.Fatalf("unexpected initial state: %s, %d levels", req.Sensitivity, len(req.Workflow.Levels))
	}

	// Patient is placed under legal hold while the request is pending.
	if err := svc.ReclassifyPending(context.Background(), patientID, PatientAttributes{LegalHold: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := repo.GetRequest(context.Background(), req.ID)
	if stored.Sensitivity != TierRestricted {
		t.Errorf("expected restricted tier, got %s", stored.Sensitivity)
	}
	// Original supervisor level survives; restricted roles are appended.
	if stored.Workflow.Levels[0].ApproverRole != auth.RoleImmediateSupervisor {
		t.Error("reclassification must not remove existing levels")
	}
	if len(stored.Workflow.Levels) != 4 {
		t.Fatalf("expected 4 levels after extension, got %d", len(stored.Workflow.Levels))
	}
	for i, lvl := range stored.Workflow.Levels {
		if lvl.Level != i+1 {
			t.Errorf("level %d numbered %d", i+1, lvl.Level)
		}
	}

	// Attributes relaxing never shrinks the chain.
	if err := svc.ReclassifyPending(context.Background(), patientID, PatientAttributes{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ = repo.GetRequest(context.Background(), req.ID)
	if len(stored.Workflow.Levels) != 4 || stored.Sensitivity != TierRestricted {
		t.Error("relaxed attributes must not shrink the workflow")
	}
}
