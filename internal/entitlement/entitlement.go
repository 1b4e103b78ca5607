// Package entitlement computes what a caller may do from the three
// independent signals: owner grant, active subscription, default free
// tier. Owner is not a plan; no tier ever satisfies an owner-only check.
package entitlement

type Plan string

const (
	PlanFree   Plan = "free"
	PlanBasic  Plan = "basic"
	PlanPro    Plan = "pro"
	PlanPatron Plan = "patron"
)

type Action string

const (
	ActionGenerate  Action = "generate"
	ActionSaveCanon Action = "save_canon"
	ActionAdmin     Action = "admin"
)

// Capability is a resolved entitlement. DailyGenerations of 0 means
// unlimited (owner only).
type Capability struct {
	Plan             Plan
	Owner            bool
	DailyGenerations int
}

func NormalizePlan(plan string) Plan {
	switch Plan(plan) {
	case PlanFree, PlanBasic, PlanPro, PlanPatron:
		return Plan(plan)
	default:
		return PlanFree
	}
}

func dailyGenerations(plan Plan) int {
	switch plan {
	case PlanPatron:
		return 2000
	case PlanPro:
		return 400
	case PlanBasic:
		return 100
	default:
		return 20
	}
}

// Resolve combines the signals in precedence order: owner (account flag
// or session unlock) first, then an active subscription, then free. A
// subscription in any status other than active collapses to free no
// matter what plan string it carries.
func Resolve(accountOwner, sessionElevated bool, plan, status string) Capability {
	if accountOwner || sessionElevated {
		return Capability{Plan: PlanPatron, Owner: true, DailyGenerations: 0}
	}
	effective := PlanFree
	if status == "active" {
		effective = NormalizePlan(plan)
	}
	return Capability{Plan: effective, Owner: false, DailyGenerations: dailyGenerations(effective)}
}

// Anonymous is the capability of an unauthenticated caller when the
// deployment permits anonymous generation.
func Anonymous() Capability {
	return Capability{Plan: PlanFree, Owner: false, DailyGenerations: dailyGenerations(PlanFree)}
}

func (c Capability) Can(action Action) bool {
	switch action {
	case ActionAdmin:
		return c.Owner
	case ActionGenerate, ActionSaveCanon:
		return true
	default:
		return false
	}
}
