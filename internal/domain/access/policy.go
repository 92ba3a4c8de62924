package access

import (
	"fmt"
	"time"

	"github.com/navimed/navimed/internal/platform/auth"
)

// SLAConfig carries the deadline durations the resolver stamps on workflow
// levels. Values come from configuration, not code, so compliance can tune
// them without a deploy.
type SLAConfig struct {
	// Routine applies to optional supervisor sign-offs.
	Routine time.Duration
	// Standard applies to required levels outside emergencies.
	Standard time.Duration
	// Emergency applies to collapsed emergency workflows.
	Emergency time.Duration
}

// levelTemplate is one step of a policy rule before deadlines are stamped.
type levelTemplate struct {
	role     auth.Role
	required bool
	sla      time.Duration
}

// Resolution is the resolver's output: the approval chain plus whether the
// request must be queued for retrospective review.
type Resolution struct {
	Workflow            Workflow
	RetrospectiveReview bool
}

// Policy resolves (tier, context, urgency) into an approval workflow.
type Policy struct {
	slas SLAConfig
}

func NewPolicy(slas SLAConfig) *Policy {
	return &Policy{slas: slas}
}

// Resolve produces the approval chain for a request. Deadlines are stamped
// relative to now. Failure to match any rule returns ErrPolicyResolution;
// callers must treat that as fatal, never as an empty workflow.
//
// Rules, in application order:
//  1. Emergency urgency for non-restricted tiers collapses the chain to a
//     single required medical-director level with the short emergency SLA,
//     flagged for mandatory retrospective review.
//  2. Otherwise the tier's base chain applies.
//  3. A legal context always carries a required compliance-officer level,
//     merged by role with the stricter flags kept.
func (p *Policy) Resolve(tier Tier, ctx Context, urgency Urgency, now time.Time) (Resolution, error) {
	if !knownTier(tier) {
		return Resolution{}, fmt.Errorf("%w: tier %q", ErrPolicyResolution, tier)
	}
	if !knownContext(ctx) {
		return Resolution{}, fmt.Errorf("%w: context %q", ErrPolicyResolution, ctx)
	}

	var (
		chain         []levelTemplate
		retrospective bool
	)

	if urgency == UrgencyEmergency && tier != TierRestricted {
		chain = []levelTemplate{
			{role: auth.RoleMedicalDirector, required: true, sla: p.slas.Emergency},
		}
		retrospective = true
	} else {
		chain = p.baseChain(tier, ctx)
	}

	if ctx == ContextLegal {
		chain = mergeLevel(chain, levelTemplate{
			role:     auth.RoleComplianceOfficer,
			required: true,
			sla:      p.slas.Standard,
		})
	}

	if len(chain) == 0 {
		return Resolution{}, fmt.Errorf("%w: tier %q context %q", ErrPolicyResolution, tier, ctx)
	}

	levels := make([]ApprovalLevel, len(chain))
	for i, tpl := range chain {
		levels[i] = ApprovalLevel{
			Level:        i + 1,
			ApproverRole: tpl.role,
			Required:     tpl.required,
			SLA:          tpl.sla,
			Deadline:     now.Add(tpl.sla),
		}
	}

	return Resolution{
		Workflow:            Workflow{Levels: levels},
		RetrospectiveReview: retrospective,
	}, nil
}

// baseChain returns the tier's approval chain before legal-context merging.
func (p *Policy) baseChain(tier Tier, ctx Context) []levelTemplate {
	switch tier {
	case TierRestricted:
		// Three required levels including compliance, regardless of
		// context or urgency.
		return []levelTemplate{
			{role: auth.RoleDepartmentHead, required: true, sla: p.slas.Standard},
			{role: auth.RolePrivacyOfficer, required: true, sla: p.slas.Standard},
			{role: auth.RoleComplianceOfficer, required: true, sla: p.slas.Standard},
		}
	case TierSensitive:
		return []levelTemplate{
			{role: auth.RoleDepartmentHead, required: true, sla: p.slas.Standard},
			{role: auth.RolePrivacyOfficer, required: true, sla: p.slas.Standard},
		}
	case TierStandard:
		if ctx == ContextRoutine {
			// A single optional supervisor level: auto-approves if
			// nobody responds within the SLA.
			return []levelTemplate{
				{role: auth.RoleImmediateSupervisor, required: false, sla: p.slas.Routine},
			}
		}
		return []levelTemplate{
			{role: auth.RoleImmediateSupervisor, required: true, sla: p.slas.Standard},
		}
	}
	return nil
}

// mergeLevel appends tpl unless a level with the same role exists, in which
// case the stricter flags win: required beats optional, the shorter SLA is
// kept.
func mergeLevel(chain []levelTemplate, tpl levelTemplate) []levelTemplate {
	for i := range chain {
		if chain[i].role == tpl.role {
			chain[i].required = chain[i].required || tpl.required
			if tpl.sla < chain[i].sla {
				chain[i].sla = tpl.sla
			}
			return chain
		}
	}
	return append(chain, tpl)
}

// PolicyRule is one enumerable row of the policy table.
type PolicyRule struct {
	Tier     Tier        `json:"tier"`
	Context  Context     `json:"context"`
	Roles    []auth.Role `json:"roles"`
	Required []bool      `json:"required"`
}

// PolicyTable enumerates the resolved chain for every (tier, context) pair
// at normal urgency. Exists so the policy is auditable as data rather than
// buried in control flow.
func (p *Policy) PolicyTable() []PolicyRule {
	tiers := []Tier{TierStandard, TierSensitive, TierRestricted}
	var rules []PolicyRule
	for _, tier := range tiers {
		for _, ctx := range KnownContexts {
			res, err := p.Resolve(tier, ctx, UrgencyNormal, time.Time{})
			if err != nil {
				continue
			}
			rule := PolicyRule{Tier: tier, Context: ctx}
			for _, lvl := range res.Workflow.Levels {
				rule.Roles = append(rule.Roles, lvl.ApproverRole)
				rule.Required = append(rule.Required, lvl.Required)
			}
			rules = append(rules, rule)
		}
	}
	return rules
}

func knownTier(t Tier) bool {
	_, ok := tierRank[t]
	return ok
}

func knownContext(c Context) bool {
	for _, known := range KnownContexts {
		if c == known {
			return true
		}
	}
	return false
}

func knownUrgency(u Urgency) bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyEmergency:
		return true
	}
	return false
}

func knownAccessType(t AccessType) bool {
	switch t {
	case AccessRead, AccessWrite, AccessFull:
		return true
	}
	return false
}
