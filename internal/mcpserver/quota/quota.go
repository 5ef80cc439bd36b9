// Package quota enforces monthly per-tenant call budgets.
package quota

import (
	"context"
	"time"
)

// Unbounded marks a plan with no call ceiling.
const Unbounded = -1

// PlanLimits maps a plan tag to its verified and unverified monthly ceiling.
// Only the free plan distinguishes unverified tenants; every other plan
// uses the same ceiling regardless of the verification flag.
type PlanLimits struct {
	Verified   int
	Unverified int
}

// DefaultPlanTable is the literal ceiling table.
var DefaultPlanTable = map[string]PlanLimits{
	"free":       {Verified: 50, Unverified: 10},
	"pro":        {Verified: 2000, Unverified: 2000},
	"agency":     {Verified: 10000, Unverified: 10000},
	"enterprise": {Verified: Unbounded, Unverified: Unbounded},
}

// UsageCounter counts tool-call rows for a tenant since a timestamp. It is
// satisfied by store.UsageLog.
type UsageCounter interface {
	CountSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed   bool
	Used      int
	Limit     int // Unbounded (-1) for plans with no ceiling
	Remaining int // Unbounded (-1) for plans with no ceiling
	Plan      string
}

// Accountant implements checkAndCharge against the usage log. The "charge"
// half of the name is the pipeline's subsequent usage-log write, which it
// performs unconditionally (including on denial) so later checks stay
// consistent — this accountant only ever reads.
type Accountant struct {
	usage UsageCounter
	plans map[string]PlanLimits
	now   func() time.Time
}

// New creates an Accountant backed by usage and the given plan table. A nil
// table uses DefaultPlanTable.
func New(usage UsageCounter, plans map[string]PlanLimits) *Accountant {
	if plans == nil {
		plans = DefaultPlanTable
	}
	return &Accountant{usage: usage, plans: plans, now: time.Now}
}

// CheckAndCharge counts tenant's usage in the current UTC calendar month and
// compares it to the plan's ceiling.
//
// This counts then the pipeline separately writes the usage-log row for the
// attempt — a small over-grant window exists under concurrency (two
// concurrent checks may both observe count = limit-1 and both be allowed).
// A store that supports an atomic conditional increment (e.g. a conditional
// UPDATE ... RETURNING) could replace this read-then-write pair with a
// single atomic operation; that stricter variant isn't implemented here, per
// the trade-off the component design accepts explicitly.
func (a *Accountant) CheckAndCharge(ctx context.Context, tenantID, plan string, verified bool) (Decision, error) {
	limits, ok := a.plans[plan]
	if !ok {
		limits = a.plans["free"]
		plan = "free"
	}

	limit := limits.Verified
	if !verified {
		limit = limits.Unverified
	}

	if limit == Unbounded {
		return Decision{Allowed: true, Used: 0, Limit: Unbounded, Remaining: Unbounded, Plan: plan}, nil
	}

	windowStart := monthStart(a.now())
	used, err := a.usage.CountSince(ctx, tenantID, windowStart)
	if err != nil {
		return Decision{}, err
	}

	if used >= limit {
		return Decision{Allowed: false, Used: used, Limit: limit, Remaining: 0, Plan: plan}, nil
	}

	return Decision{Allowed: true, Used: used, Limit: limit, Remaining: limit - used, Plan: plan}, nil
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
