package access

import (
	"time"

	"github.com/google/uuid"

	"github.com/navimed/navimed/internal/platform/auth"
)

// Tier classifies how restricted a patient record is.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierSensitive  Tier = "sensitive"
	TierRestricted Tier = "restricted"
)

// tierRank orders tiers by strictness for extend-never-shrink comparisons.
var tierRank = map[Tier]int{
	TierStandard:   0,
	TierSensitive:  1,
	TierRestricted: 2,
}

// StricterThan reports whether t is more restricted than other.
func (t Tier) StricterThan(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

// Context is the situational reason access is being requested.
type Context string

const (
	ContextRoutine      Context = "routine"
	ContextEmergency    Context = "emergency"
	ContextConsultation Context = "consultation"
	ContextResearch     Context = "research"
	ContextLegal        Context = "legal"
)

// KnownContexts lists every access context the policy table covers.
var KnownContexts = []Context{
	ContextRoutine, ContextEmergency, ContextConsultation, ContextResearch, ContextLegal,
}

// Urgency of the request. Emergency urgency collapses workflows for
// non-restricted tiers.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// AccessType is the breadth of access being requested.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
	AccessFull  AccessType = "full"
)

// Status of an access request. Terminal states never revert.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Decision is an approver's verdict at one level.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// PatientAttributes are the sensitivity-relevant flags the classifier
// consumes, supplied by the patient directory.
type PatientAttributes struct {
	VIP              bool
	BehavioralHealth bool
	Minor            bool
	LegalHold        bool
	Deceased         bool
}

// ApprovalLevel is one step in the approval chain. SLA is the duration the
// template prescribed; Deadline is the wall-clock instant the level must be
// decided by. Level 1 is stamped at resolution time; later levels carry a
// provisional deadline that is re-stamped when the chain reaches them, so
// each approver gets their full SLA window.
type ApprovalLevel struct {
	Level        int           `json:"level"`
	ApproverRole auth.Role     `json:"approver_role"`
	Required     bool          `json:"required"`
	SLA          time.Duration `json:"sla"`
	Deadline     time.Time     `json:"deadline"`
	Completed    bool          `json:"completed"`
	Skipped      bool          `json:"skipped"`
	ApprovedBy   *string       `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time    `json:"approved_at,omitempty"`
	Notes        *string       `json:"notes,omitempty"`
}

// Workflow is the ordered approval chain, immutable once attached to a
// request: later template changes never retroactively mutate existing
// requests. Stored as a JSON document alongside the request row.
type Workflow struct {
	Levels []ApprovalLevel `json:"levels"`
}

// Level returns the level with the given number, or nil.
func (w Workflow) Level(n int) *ApprovalLevel {
	for i := range w.Levels {
		if w.Levels[i].Level == n {
			return &w.Levels[i]
		}
	}
	return nil
}

// Clone deep-copies the workflow so advancement produces a new value rather
// than mutating the stored snapshot in place.
func (w Workflow) Clone() Workflow {
	levels := make([]ApprovalLevel, len(w.Levels))
	copy(levels, w.Levels)
	return Workflow{Levels: levels}
}

// AccessRequest is the aggregate root tracking one request end to end.
type AccessRequest struct {
	ID                    uuid.UUID  `json:"id"`
	PatientID             uuid.UUID  `json:"patient_id"`
	RequestingPhysicianID string     `json:"requesting_physician_id"`
	TargetPhysicianID     *string    `json:"target_physician_id,omitempty"`
	Reason                string     `json:"reason"`
	Urgency               Urgency    `json:"urgency"`
	AccessContext         Context    `json:"access_context"`
	AccessType            AccessType `json:"access_type"`
	// RequestedDuration is how long access should last once granted. The
	// grant window is computed from it at final approval, capped by the
	// platform maximum.
	RequestedDuration   time.Duration `json:"requested_duration"`
	Sensitivity         Tier          `json:"patient_sensitivity_level"`
	Workflow            Workflow      `json:"approval_workflow"`
	CurrentLevel        int           `json:"current_approval_level"`
	Status              Status        `json:"status"`
	RetrospectiveReview bool          `json:"retrospective_review"`
	RequestedAt         time.Time     `json:"requested_date"`
	ReviewedAt          *time.Time    `json:"reviewed_date,omitempty"`
	AccessGrantedUntil  *time.Time    `json:"access_granted_until,omitempty"`
	SweptAt             *time.Time    `json:"swept_at,omitempty"`
	VersionID           int64         `json:"version_id"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Terminal reports whether the request has reached a final state.
func (r *AccessRequest) Terminal() bool {
	return r.Status == StatusApproved || r.Status == StatusDenied || r.Status == StatusExpired
}

// CurrentApprovalLevel returns the workflow level the request is waiting on,
// or nil when the request is past its last level.
func (r *AccessRequest) CurrentApprovalLevel() *ApprovalLevel {
	return r.Workflow.Level(r.CurrentLevel)
}

// GrantLive reports whether the request represents a live access grant at
// the given instant. Status alone is not sufficient: approved requests keep
// their historical status after the window elapses.
func (r *AccessRequest) GrantLive(now time.Time) bool {
	return r.Status == StatusApproved &&
		r.AccessGrantedUntil != nil &&
		now.Before(*r.AccessGrantedUntil)
}

// HistoryEntry is one immutable audit record per decision.
type HistoryEntry struct {
	ID           uuid.UUID `json:"id"`
	RequestID    uuid.UUID `json:"request_id"`
	Level        int       `json:"approval_level"`
	Decision     Decision  `json:"decision"`
	ApproverRole auth.Role `json:"approver_role"`
	ApproverID   string    `json:"approver_id"`
	Notes        *string   `json:"notes,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

// RevocationEvent records the end of an access window. Append-only; the
// live-access check consults these in addition to the grant window.
type RevocationEvent struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Reason    string    `json:"reason"`
	RevokedBy *string   `json:"revoked_by,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
}

// Revocation reasons.
const (
	RevokeReasonWindowElapsed = "grant_window_elapsed"
	RevokeReasonAdmin         = "revoked_by_admin"
)
