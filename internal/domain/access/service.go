package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navimed/navimed/internal/platform/auth"
)

// PatientDirectory supplies the sensitivity attributes the classifier
// consumes. Implemented by an adapter over the patient domain.
type PatientDirectory interface {
	Attributes(ctx context.Context, patientID uuid.UUID) (PatientAttributes, error)
}

// Notifier dispatches a templated notification. Called after the decision
// transaction commits; errors are logged, never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, templateID string, data map[string]string, recipient string) error
}

// Recorder is the metrics surface the engine reports to.
type Recorder interface {
	RecordRequestCreated(tier, urgency string)
	RecordDecision(action, status string)
	RecordDecisionConflict()
	RecordSweep(expired, revoked int, duration time.Duration)
	SetPendingRequests(n int)
}

// GrantPolicy bounds access windows. Default applies when the requester did
// not ask for a specific duration; Max caps everything.
type GrantPolicy struct {
	Default time.Duration
	Max     time.Duration
}

type Service struct {
	repo     Repository
	patients PatientDirectory
	policy   *Policy
	grants   GrantPolicy
	logger   zerolog.Logger
	notifier Notifier
	metrics  Recorder
	now      func() time.Time
}

func NewService(repo Repository, patients PatientDirectory, policy *Policy, grants GrantPolicy, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		policy:   policy,
		grants:   grants,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNotifier attaches an optional notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetMetrics attaches an optional metrics recorder.
func (s *Service) SetMetrics(m Recorder) { s.metrics = m }

// PolicyTable exposes the resolver's enumerable policy rules.
func (s *Service) PolicyTable() []PolicyRule {
	return s.policy.PolicyTable()
}

// CreateInput carries a new request. The requesting physician comes from the
// authenticated session, never the request body.
type CreateInput struct {
	PatientID             uuid.UUID
	RequestingPhysicianID string
	TargetPhysicianID     *string
	Reason                string
	Urgency               Urgency
	AccessContext         Context
	AccessType            AccessType
	RequestedDuration     time.Duration
}

// CreateRequest classifies the patient, resolves the approval chain, and
// persists a new pending request at level 1.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (*AccessRequest, error) {
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if in.RequestingPhysicianID == "" {
		return nil, fmt.Errorf("%w: requesting physician is required", ErrValidation)
	}
	if !knownUrgency(in.Urgency) {
		return nil, fmt.Errorf("%w: unknown urgency %q", ErrValidation, in.Urgency)
	}
	if !knownAccessType(in.AccessType) {
		return nil, fmt.Errorf("%w: unknown access type %q", ErrValidation, in.AccessType)
	}
	if in.RequestedDuration < 0 {
		return nil, fmt.Errorf("%w: requested duration may not be negative", ErrValidation)
	}

	attrs, err := s.patients.Attributes(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown patient %s", ErrValidation, in.PatientID)
	}
	tier := Classify(attrs)

	now := s.now().UTC()
	res, err := s.policy.Resolve(tier, in.AccessContext, in.Urgency, now)
	if err != nil {
		s.logger.Error().Err(err).
			Str("tier", string(tier)).
			Str("context", string(in.AccessContext)).
			Msg("policy resolution failed")
		return nil, err
	}

	duration := in.RequestedDuration
	if duration == 0 {
		duration = s.grants.Default
	}
	if duration > s.grants.Max {
		duration = s.grants.Max
	}

	req := &AccessRequest{
		PatientID:             in.PatientID,
		RequestingPhysicianID: in.RequestingPhysicianID,
		TargetPhysicianID:     in.TargetPhysicianID,
		Reason:                in.Reason,
		Urgency:               in.Urgency,
		AccessContext:         in.AccessContext,
		AccessType:            in.AccessType,
		RequestedDuration:     duration,
		Sensitivity:           tier,
		Workflow:              res.Workflow,
		CurrentLevel:          1,
		Status:                StatusPending,
		RetrospectiveReview:   res.RetrospectiveReview,
		RequestedAt:           now,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordRequestCreated(string(tier), string(in.Urgency))
	}
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("patient_id", req.PatientID.String()).
		Str("tier", string(tier)).
		Str("urgency", string(in.Urgency)).
		Int("levels", len(res.Workflow.Levels)).
		Bool("retrospective_review", res.RetrospectiveReview).
		Msg("access request created")

	s.notifyLevelPending(req)
	return req, nil
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

func (s *Service) GetHistory(ctx context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

func (s *Service) ListRequests(ctx context.Context, f Filter, limit, offset int) ([]*AccessRequest, int, error) {
	return s.repo.ListRequests(ctx, f, limit, offset)
}

// ListPendingFor returns pending requests the caller may decide on, honoring
// the superseding-authority table: a medical director sees requests waiting
// on a department head.
func (s *Service) ListPendingFor(ctx context.Context, callerRoles []string, limit, offset int) ([]*AccessRequest, int, error) {
	var actAs []auth.Role
	for _, known := range auth.KnownRoles {
		if auth.CanActAs(callerRoles, known) {
			actAs = append(actAs, known)
		}
	}
	if len(actAs) == 0 {
		return nil, 0, nil
	}
	return s.repo.ListPendingByRoles(ctx, actAs, limit, offset)
}

// Decide applies one approver verdict at the request's current level. The
// precondition checks, aggregate mutation, and history append run in a
// single transaction: no observable state change without its audit entry.
//
// expectedLevel guards against stale submissions; pass 0 to accept whatever
// the current level is.
func (s *Service) Decide(ctx context.Context, requestID uuid.UUID, approverID string, approverRoles []string, action Decision, notes *string, expectedLevel int) (*AccessRequest, error) {
	if action != DecisionApprove && action != DecisionDeny {
		return nil, fmt.Errorf("%w: decision must be approve or deny, got %q", ErrValidation, action)
	}
	if approverID == "" {
		return nil, fmt.Errorf("%w: approver identity missing", ErrValidation)
	}

	var result *AccessRequest
	err := s.repo.InTx(ctx, func(txCtx context.Context) error {
		req, err := s.repo.GetRequest(txCtx, requestID)
		if err != nil {
			return err
		}
		if req.Terminal() {
			return fmt.Errorf("%w: request is %s", ErrRequestNotActionable, req.Status)
		}
		if expectedLevel != 0 && expectedLevel != req.CurrentLevel {
			return fmt.Errorf("%w: expected level %d, current level %d", ErrLevelMismatch, expectedLevel, req.CurrentLevel)
		}

		lvl := req.CurrentApprovalLevel()
		if lvl == nil {
			return fmt.Errorf("%w: request has no active level", ErrRequestNotActionable)
		}

		actingRole, ok := effectiveRole(approverRoles, lvl.ApproverRole)
		if !ok {
			s.logger.Warn().
				Str("type", "security_event").
				Str("request_id", req.ID.String()).
				Str("approver_id", approverID).
				Strs("approver_roles", approverRoles).
				Str("required_role", string(lvl.ApproverRole)).
				Int("level", req.CurrentLevel).
				Msg("unauthorized approval attempt")
			return fmt.Errorf("%w: level %d requires %s", ErrUnauthorizedApprover, req.CurrentLevel, lvl.ApproverRole)
		}

		now := s.now().UTC()

		wf := req.Workflow.Clone()
		decided := wf.Level(req.CurrentLevel)
		decided.Completed = true
		decided.ApprovedBy = &approverID
		decided.ApprovedAt = &now
		decided.Notes = notes
		req.Workflow = wf

		switch action {
		case DecisionDeny:
			req.Status = StatusDenied
			req.ReviewedAt = &now
		case DecisionApprove:
			if req.CurrentLevel >= len(wf.Levels) {
				req.Status = StatusApproved
				req.ReviewedAt = &now
				until := s.grantUntil(req, now)
				req.AccessGrantedUntil = &until
			} else {
				req.CurrentLevel++
				activateLevel(wf, req.CurrentLevel, now)
			}
		}

		entry := &HistoryEntry{
			RequestID:    req.ID,
			Level:        lvl.Level,
			Decision:     action,
			ApproverRole: actingRole,
			ApproverID:   approverID,
			Notes:        notes,
			DecidedAt:    now,
		}
		if err := s.repo.AddHistory(txCtx, entry); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		if err := s.repo.UpdateRequest(txCtx, req); err != nil {
			return err
		}

		result = req
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLevelMismatch) && s.metrics != nil {
			s.metrics.RecordDecisionConflict()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(string(action), string(result.Status))
	}
	s.logger.Info().
		Str("request_id", result.ID.String()).
		Str("approver_id", approverID).
		Str("action", string(action)).
		Str("status", string(result.Status)).
		Int("level", result.CurrentLevel).
		Msg("decision recorded")

	switch result.Status {
	case StatusApproved:
		s.notify("request-approved", map[string]string{
			"patient_id":    result.PatientID.String(),
			"granted_until": result.AccessGrantedUntil.Format(time.RFC3339),
		}, result.RequestingPhysicianID)
	case StatusDenied:
		s.notify("request-denied", map[string]string{
			"patient_id": result.PatientID.String(),
			"level":      fmt.Sprintf("%d", result.CurrentLevel),
			"notes":      strOrEmpty(notes),
		}, result.RequestingPhysicianID)
	default:
		s.notifyLevelPending(result)
	}
	return result, nil
}

// HasLiveAccess is the authorization check downstream services consult.
// Status alone is not trusted: the grant window and revocation events are
// both checked, so a lapsed grant reads as unauthorized even before the
// sweeper records the revocation.
func (s *Service) HasLiveAccess(ctx context.Context, requestID uuid.UUID) (bool, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	if !req.GrantLive(s.now()) {
		return false, nil
	}
	revoked, err := s.repo.HasRevocation(ctx, requestID)
	if err != nil {
		return false, err
	}
	return !revoked, nil
}

// Revoke ends an approved request's access window early. The request record
// keeps its historical approved status; only the grant dies.
func (s *Service) Revoke(ctx context.Context, requestID uuid.UUID, revokedBy, reason string) error {
	if reason == "" {
		reason = RevokeReasonAdmin
	}
	var patientID uuid.UUID
	err := s.repo.InTx(ctx, func(txCtx context.Context) error {
		req, err := s.repo.GetRequest(txCtx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusApproved {
			return fmt.Errorf("%w: only approved requests carry a grant", ErrRequestNotActionable)
		}
		revoked, err := s.repo.HasRevocation(txCtx, requestID)
		if err != nil {
			return err
		}
		if revoked {
			return fmt.Errorf("%w: grant already revoked", ErrRequestNotActionable)
		}
		patientID = req.PatientID
		return s.repo.AddRevocation(txCtx, &RevocationEvent{
			RequestID: requestID,
			PatientID: req.PatientID,
			Reason:    reason,
			RevokedBy: &revokedBy,
			RevokedAt: s.now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("request_id", requestID.String()).
		Str("revoked_by", revokedBy).
		Str("reason", reason).
		Msg("access grant revoked")
	s.notify("access-revoked", map[string]string{
		"patient_id": patientID.String(),
	}, revokedBy)
	return nil
}

// ReclassifyPending re-evaluates a patient's pending requests after their
// attributes changed. Workflows are only ever extended toward the stricter
// tier: roles from the new chain that are missing from the attached workflow
// are appended as required levels. Nothing shrinks, and completed levels are
// untouched, so the audit trail stays intact.
func (s *Service) ReclassifyPending(ctx context.Context, patientID uuid.UUID, attrs PatientAttributes) error {
	newTier := Classify(attrs)
	pending, err := s.repo.ListPendingByPatient(ctx, patientID)
	if err != nil {
		return err
	}

	for _, stale := range pending {
		if !newTier.StricterThan(stale.Sensitivity) {
			continue
		}
		id := stale.ID
		err := s.repo.InTx(ctx, func(txCtx context.Context) error {
			req, err := s.repo.GetRequest(txCtx, id)
			if err != nil {
				return err
			}
			if req.Status != StatusPending || !newTier.StricterThan(req.Sensitivity) {
				return nil
			}

			now := s.now().UTC()
			res, err := s.policy.Resolve(newTier, req.AccessContext, req.Urgency, now)
			if err != nil {
				return err
			}

			wf := req.Workflow.Clone()
			for _, needed := range res.Workflow.Levels {
				if hasRole(wf, needed.ApproverRole) {
					continue
				}
				wf.Levels = append(wf.Levels, ApprovalLevel{
					Level:        len(wf.Levels) + 1,
					ApproverRole: needed.ApproverRole,
					Required:     true,
					SLA:          needed.SLA,
					Deadline:     now.Add(needed.SLA),
				})
			}
			req.Workflow = wf
			req.Sensitivity = newTier
			if err := s.repo.UpdateRequest(txCtx, req); err != nil {
				return err
			}

			s.logger.Warn().
				Str("request_id", req.ID.String()).
				Str("patient_id", patientID.String()).
				Str("new_tier", string(newTier)).
				Int("levels", len(wf.Levels)).
				Msg("pending request reclassified to stricter tier")
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// grantUntil computes the access window end, bounded by the platform max.
func (s *Service) grantUntil(req *AccessRequest, now time.Time) time.Time {
	duration := req.RequestedDuration
	if duration <= 0 {
		duration = s.grants.Default
	}
	if duration > s.grants.Max {
		duration = s.grants.Max
	}
	return now.Add(duration)
}

// notify dispatches a notification and swallows failures. Called only after
// the surrounding transaction committed, so a dead notifier can never block
// or roll back a decision.
func (s *Service) notify(templateID string, data map[string]string, recipient string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, templateID, data, recipient); err != nil {
		s.logger.Warn().Err(err).
			Str("template", templateID).
			Str("recipient", recipient).
			Msg("notification failed")
	}
}

func (s *Service) notifyLevelPending(req *AccessRequest) {
	lvl := req.CurrentApprovalLevel()
	if lvl == nil {
		return
	}
	s.notify("approval-pending", map[string]string{
		"patient_id":   req.PatientID.String(),
		"requester":    req.RequestingPhysicianID,
		"level":        fmt.Sprintf("%d", lvl.Level),
		"role":         string(lvl.ApproverRole),
		"sla_deadline": lvl.Deadline.Format(time.RFC3339),
	}, "role:"+string(lvl.ApproverRole))
}

// effectiveRole returns the first of the caller's roles that carries the
// required level's authority.
func effectiveRole(callerRoles []string, required auth.Role) (auth.Role, bool) {
	for _, raw := range callerRoles {
		if auth.Supersedes(auth.Role(raw), required) {
			return auth.Role(raw), true
		}
	}
	return "", false
}

// activateLevel re-stamps a level's deadline as its SLA window opens. Levels
// are stamped provisionally at resolution time; each level's clock starts
// when the chain reaches it, not when the request was created.
func activateLevel(wf Workflow, level int, now time.Time) {
	if lvl := wf.Level(level); lvl != nil {
		lvl.Deadline = now.Add(lvl.SLA)
	}
}

func hasRole(wf Workflow, role auth.Role) bool {
	for _, lvl := range wf.Levels {
		if lvl.ApproverRole == role {
			return true
		}
	}
	return false
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
