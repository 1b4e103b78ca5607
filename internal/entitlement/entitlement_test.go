package entitlement

import "testing"

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name            string
		accountOwner    bool
		sessionElevated bool
		plan            string
		status          string
		wantPlan        Plan
		wantOwner       bool
	}{
		{"session unlock beats everything", false, true, "free", "inactive", PlanPatron, true},
		{"account owner flag honored", true, false, "free", "canceled", PlanPatron, true},
		{"active subscription sets plan", false, false, "pro", "active", PlanPro, false},
		{"past_due collapses to free", false, false, "pro", "past_due", PlanFree, false},
		{"canceled collapses to free", false, false, "patron", "canceled", PlanFree, false},
		{"inactive collapses to free", false, false, "basic", "inactive", PlanFree, false},
		{"no subscription defaults free", false, false, "", "", PlanFree, false},
		{"unknown plan string normalizes to free", false, false, "enterprise", "active", PlanFree, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cap := Resolve(tt.accountOwner, tt.sessionElevated, tt.plan, tt.status)
			if cap.Plan != tt.wantPlan {
				t.Errorf("plan = %s, want %s", cap.Plan, tt.wantPlan)
			}
			if cap.Owner != tt.wantOwner {
				t.Errorf("owner = %v, want %v", cap.Owner, tt.wantOwner)
			}
		})
	}
}

func TestOwnerIsUnlimited(t *testing.T) {
	cap := Resolve(false, true, "free", "inactive")
	if cap.DailyGenerations != 0 {
		t.Errorf("owner should be unlimited, got %d", cap.DailyGenerations)
	}
}

func TestDailyLimitsFollowTier(t *testing.T) {
	free := Resolve(false, false, "free", "active")
	basic := Resolve(false, false, "basic", "active")
	pro := Resolve(false, false, "pro", "active")
	patron := Resolve(false, false, "patron", "active")

	if !(free.DailyGenerations < basic.DailyGenerations &&
		basic.DailyGenerations < pro.DailyGenerations &&
		pro.DailyGenerations < patron.DailyGenerations) {
		t.Errorf("limits must increase with tier: %d %d %d %d",
			free.DailyGenerations, basic.DailyGenerations, pro.DailyGenerations, patron.DailyGenerations)
	}
}

func TestAdminRequiresOwnerNotPlan(t *testing.T) {
	patron := Resolve(false, false, "patron", "active")
	if patron.Can(ActionAdmin) {
		t.Error("highest paid plan must not grant admin")
	}
	owner := Resolve(false, true, "free", "inactive")
	if !owner.Can(ActionAdmin) {
		t.Error("owner grant must allow admin")
	}
}

func TestAnonymousIsFreeTier(t *testing.T) {
	cap := Anonymous()
	if cap.Plan != PlanFree || cap.Owner {
		t.Errorf("unexpected anonymous capability %+v", cap)
	}
	if cap.DailyGenerations == 0 {
		t.Error("anonymous must be limited")
	}
}
