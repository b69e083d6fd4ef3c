// Package lifecycle implements the chip state machine.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/limiter"
)

type Action string

const (
	ActConnect    Action = "connect"
	ActPromote    Action = "promote"
	ActActivate   Action = "activate"
	ActPause      Action = "pause"
	ActResume     Action = "resume"
	ActReactivate Action = "reactivate"
	ActBan        Action = "ban"
	ActDegrade    Action = "degrade"
	ActDisconnect Action = "disconnect"
	ActRecover    Action = "recover"
	ActCancel     Action = "cancel"
)

// OperatorActions are the actions exposed to operators, in display order.
var OperatorActions = []Action{ActPromote, ActActivate, ActPause, ActResume, ActRecover, ActReactivate, ActCancel}

// Input carries what a guard may look at.
type Input struct {
	Chip   *domain.Chip
	Config domain.PoolConfig
	Counts map[domain.ChipStatus]int
	Reason string
}

// Plan is the outcome of a passed guard.
type Plan struct {
	From      domain.ChipStatus
	To        domain.ChipStatus
	FromPhase domain.WarmupPhase
	ToPhase   domain.WarmupPhase
	// Noop marks an idempotent repeat that changes nothing.
	Noop bool
}

// Rule is one row of the transition table.
type Rule struct {
	From []domain.ChipStatus // nil allows any status not in Except
	// Except is consulted only when From is nil.
	Except []domain.ChipStatus
	// IdempotentAt names a status in which the action succeeds as a no-op.
	IdempotentAt domain.ChipStatus
	Validate     func(in Input) error
	Guard        func(in Input) error
	Target       func(in Input) (domain.ChipStatus, domain.WarmupPhase)
	// Capacity applies the pool capacity guard to the target status.
	Capacity bool
}

var connected = []domain.ChipStatus{domain.ChipWarming, domain.ChipReady, domain.ChipActive, domain.ChipDegraded}

// Rules is the single transition table used by the API, bulk runs,
// background jobs and AvailableActions.
var Rules = map[Action]Rule{
	ActConnect: {
		From:     []domain.ChipStatus{domain.ChipProvisioned, domain.ChipPending, domain.ChipOffline},
		Capacity: true,
		Target: func(in Input) (domain.ChipStatus, domain.WarmupPhase) {
			if in.Chip.Status == domain.ChipOffline && in.Chip.PreviousStatus.Connected() {
				return in.Chip.PreviousStatus, in.Chip.WarmupPhase
			}
			if in.Chip.Status == domain.ChipOffline {
				return domain.ChipWarming, in.Chip.WarmupPhase
			}
			return domain.ChipWarming, domain.PhaseRepouso
		},
	},
	ActPromote: {
		From: []domain.ChipStatus{domain.ChipWarming},
		Guard: func(in Input) error {
			if in.Chip.WarmupPhase == domain.PhaseOperacao {
				return conflict("phase", "chip is already in operacao")
			}
			if in.Chip.TrustScore < in.Config.MinTrustForPromotion {
				return conflict("min_trust_for_promotion",
					fmt.Sprintf("trust score %d is below %d", in.Chip.TrustScore, in.Config.MinTrustForPromotion))
			}
			return nil
		},
		Target: func(in Input) (domain.ChipStatus, domain.WarmupPhase) {
			next, _ := in.Chip.WarmupPhase.Next()
			if next != domain.PhaseOperacao {
				return domain.ChipWarming, next
			}
			if limiter.CheckCapacity(in.Config, in.Counts, domain.ChipActive) == nil {
				return domain.ChipActive, next
			}
			return domain.ChipReady, next
		},
	},
	ActActivate: {
		From:     []domain.ChipStatus{domain.ChipReady},
		Capacity: true,
		Target:   fixed(domain.ChipActive),
	},
	ActPause: {
		Except: []domain.ChipStatus{domain.ChipPaused, domain.ChipBanned, domain.ChipCancelled, domain.ChipPending, domain.ChipProvisioned},
		Target: fixed(domain.ChipPaused),
	},
	ActResume: {
		From:     []domain.ChipStatus{domain.ChipPaused},
		Capacity: true,
		Target: func(in Input) (domain.ChipStatus, domain.WarmupPhase) {
			prev := in.Chip.PreviousStatus
			if prev == "" || prev == domain.ChipPaused || !prev.Valid() {
				prev = domain.ChipReady
			}
			return prev, in.Chip.WarmupPhase
		},
	},
	ActReactivate: {
		From: []domain.ChipStatus{domain.ChipBanned, domain.ChipCancelled},
		Validate: func(in Input) error {
			if strings.TrimSpace(in.Reason) == "" {
				return &domain.ValidationError{Field: "motivo", Reason: "a reactivation reason is required"}
			}
			return nil
		},
		Target: func(in Input) (domain.ChipStatus, domain.WarmupPhase) {
			return domain.ChipPending, domain.PhaseRepouso
		},
	},
	ActBan: {
		IdempotentAt: domain.ChipBanned,
		Target:       fixed(domain.ChipBanned),
	},
	ActDegrade: {
		From: []domain.ChipStatus{domain.ChipActive, domain.ChipReady, domain.ChipWarming},
		Guard: func(in Input) error {
			if !in.Config.AutoDemoteEnabled {
				return conflict("auto_demote_enabled", "automatic demotion is disabled")
			}
			need := in.Config.AlertThresholds.CollapseCrossings
			if in.Chip.CriticalDrops < need {
				return conflict("collapse_crossings",
					fmt.Sprintf("%d of %d critical drops", in.Chip.CriticalDrops, need))
			}
			return nil
		},
		Target: fixed(domain.ChipDegraded),
	},
	ActDisconnect: {
		From:         connected,
		IdempotentAt: domain.ChipOffline,
		Target:       fixed(domain.ChipOffline),
	},
	ActRecover: {
		From:     []domain.ChipStatus{domain.ChipDegraded},
		Capacity: true,
		Target: func(in Input) (domain.ChipStatus, domain.WarmupPhase) {
			return domain.ChipWarming, domain.PhasePreOperacao
		},
	},
	ActCancel: {
		Except: []domain.ChipStatus{domain.ChipCancelled},
		Target: fixed(domain.ChipCancelled),
	},
}

func fixed(status domain.ChipStatus) func(Input) (domain.ChipStatus, domain.WarmupPhase) {
	return func(in Input) (domain.ChipStatus, domain.WarmupPhase) {
		return status, in.Chip.WarmupPhase
	}
}

func conflict(guard, reason string) error {
	return &domain.ConflictError{Guard: guard, Reason: reason}
}

func (r Rule) allows(s domain.ChipStatus) bool {
	if r.From != nil {
		for _, f := range r.From {
			if f == s {
				return true
			}
		}
		return false
	}
	for _, e := range r.Except {
		if e == s {
			return false
		}
	}
	return true
}

// Evaluate runs the table for action without side effects.
func Evaluate(action Action, in Input) (Plan, error) {
	rule, ok := Rules[action]
	if !ok {
		return Plan{}, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}
	err := evaluate(rule, in)
	if err != nil {
		var c *domain.ConflictError
		if errors.As(err, &c) && c.Action == "" {
			c.Action = string(action)
		}
		return Plan{}, err
	}
	plan := Plan{From: in.Chip.Status, FromPhase: in.Chip.WarmupPhase}
	if rule.IdempotentAt != "" && in.Chip.Status == rule.IdempotentAt {
		plan.To, plan.ToPhase, plan.Noop = plan.From, plan.FromPhase, true
		return plan, nil
	}
	plan.To, plan.ToPhase = rule.Target(in)
	if rule.Capacity && plan.To != plan.From {
		if err := limiter.CheckCapacity(in.Config, in.Counts, plan.To); err != nil {
			var c *domain.ConflictError
			if errors.As(err, &c) {
				c.Action = string(action)
			}
			return Plan{}, err
		}
	}
	return plan, nil
}

func evaluate(rule Rule, in Input) error {
	if rule.Validate != nil {
		if err := rule.Validate(in); err != nil {
			return err
		}
	}
	if rule.IdempotentAt != "" && in.Chip.Status == rule.IdempotentAt {
		return nil
	}
	if !rule.allows(in.Chip.Status) {
		return conflict("status", fmt.Sprintf("not allowed from status %s", in.Chip.Status))
	}
	if rule.Guard != nil {
		return rule.Guard(in)
	}
	return nil
}

// Availability tells an operator whether an action would pass right now.
type Availability struct {
	Action  Action `json:"action"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// AvailableActions evaluates every operator action against chip. Input
// validation is skipped so that reactivate reports its status guard only.
func AvailableActions(in Input) []Availability {
	out := make([]Availability, 0, len(OperatorActions))
	for _, a := range OperatorActions {
		probe := in
		if a == ActReactivate {
			probe.Reason = "probe"
		}
		_, err := Evaluate(a, probe)
		av := Availability{Action: a, Allowed: err == nil}
		if err != nil {
			av.Reason = err.Error()
		}
		out = append(out, av)
	}
	return out
}
