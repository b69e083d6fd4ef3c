// Package health rolls the pool up into a 0-100 score and a ranked issue
// list.
package health

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/talkincode/chippool/internal/domain"
)

// Pool health bands
const (
	StatusHealthy   = "healthy"
	StatusAttention = "attention"
	StatusWarning   = "warning"
	StatusCritical  = "critical"
)

// Issue types
const (
	IssueBelowMinReady       = "below_min_ready"
	IssueCriticalAlerts      = "critical_alerts"
	IssueLowTrust            = "low_trust"
	IssueHighErrorRate       = "high_error_rate"
	IssueDegradedChips       = "degraded_chips"
	IssueOfflineChips        = "offline_chips"
	IssueBannedChips         = "banned_chips"
	IssueStaleJobs           = "stale_jobs"
	IssueWarmingCapacityFull = "warming_capacity_full"
)

// lowTrustBelow is the score under which a monitored chip counts as low
// trust. It is the lower edge of laranja.
const lowTrustBelow = 40

// AlertCounts open alerts per severity.
type AlertCounts struct {
	Critico      int `json:"critico"`
	Alerta       int `json:"alerta"`
	Atencao      int `json:"atencao"`
	CriticoChips int `json:"critico_chips"`
}

// Input is everything Compute looks at.
type Input struct {
	Config    domain.PoolConfig
	Chips     []domain.Chip
	Alerts    AlertCounts
	Jobs      int
	StaleJobs []*domain.StalenessError
	Now       time.Time
}

type SubCheck struct {
	Name   string  `json:"name"`
	Weight int     `json:"weight"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail"`
}

type Issue struct {
	Type           string          `json:"type"`
	Severity       domain.Severity `json:"severity"`
	AffectedChips  int             `json:"affected_chips"`
	Message        string          `json:"message"`
	Recommendation string          `json:"recommendation,omitempty"`
}

type Report struct {
	Score         int                       `json:"score"`
	Status        string                    `json:"status"`
	Checks        []SubCheck                `json:"checks"`
	Issues        []Issue                   `json:"issues"`
	Counts        map[domain.ChipStatus]int `json:"counts"`
	Monitored     int                       `json:"monitored"`
	Scored        int                       `json:"scored"`
	MeanTrust     float64                   `json:"mean_trust"`
	MeanErrorRate float64                   `json:"mean_error_rate"`
	ComputedAt    time.Time                 `json:"computed_at"`
}

// Compute scores the pool. Each sub-check lies in [0, weight]; worsening
// any input never raises the total.
func Compute(in Input) Report {
	cfg := in.Config
	h := cfg.Health
	rep := Report{
		Counts:     make(map[domain.ChipStatus]int, len(domain.ChipStatuses)),
		ComputedAt: in.Now,
	}
	var trust, errRates stats.Float64Data
	lowTrust, highErr := 0, 0
	for i := range in.Chips {
		c := &in.Chips[i]
		rep.Counts[c.Status]++
		// every chip but cancelled ones is scored; banned chips score as
		// zero trust at the critical error rate
		switch {
		case c.Status == domain.ChipCancelled:
			continue
		case c.Status == domain.ChipBanned:
			trust = append(trust, 0)
			errRates = append(errRates, cfg.AlertThresholds.ErrorRateCritical)
			continue
		}
		rate := c.ErrorRate()
		trust = append(trust, float64(c.TrustScore))
		errRates = append(errRates, rate)
		if !c.Status.Monitored() {
			continue
		}
		rep.Monitored++
		if c.TrustScore < lowTrustBelow {
			lowTrust++
		}
		if cfg.AlertThresholds.ErrorRateCritical > 0 && rate >= cfg.AlertThresholds.ErrorRateCritical {
			highErr++
		}
	}
	rep.Scored = len(trust)
	if rep.Scored > 0 {
		rep.MeanTrust, _ = trust.Mean()
		rep.MeanErrorRate, _ = errRates.Mean()
	}
	active := rep.Counts[domain.ChipActive]

	trustCheck := SubCheck{Name: "trust", Weight: h.WeightTrust, Score: float64(h.WeightTrust)}
	errCheck := SubCheck{Name: "errors", Weight: h.WeightErrors, Score: float64(h.WeightErrors)}
	alertCheck := SubCheck{Name: "alerts", Weight: h.WeightAlerts, Score: float64(h.WeightAlerts)}
	if rep.Scored > 0 {
		trustCheck.Score = float64(h.WeightTrust) * rep.MeanTrust / 100
		trustCheck.Detail = fmt.Sprintf("mean trust %.1f over %d chips", rep.MeanTrust, rep.Scored)
		if crit := cfg.AlertThresholds.ErrorRateCritical; crit > 0 {
			errCheck.Score = float64(h.WeightErrors) * (1 - rep.MeanErrorRate/crit)
		}
		errCheck.Detail = fmt.Sprintf("mean error rate %.2f%%", rep.MeanErrorRate)
		weighted := float64(in.Alerts.Critico) + 0.5*float64(in.Alerts.Alerta) + 0.25*float64(in.Alerts.Atencao)
		alertCheck.Score = float64(h.WeightAlerts) * (1 - weighted/float64(rep.Scored))
		alertCheck.Detail = fmt.Sprintf("%d critico, %d alerta, %d atencao open", in.Alerts.Critico, in.Alerts.Alerta, in.Alerts.Atencao)
	} else {
		trustCheck.Detail, errCheck.Detail, alertCheck.Detail = "no scored chips", "no scored chips", "no scored chips"
	}

	capCheck := SubCheck{Name: "capacity", Weight: h.WeightCapacity, Score: float64(h.WeightCapacity)}
	if cfg.MinChipsReady > 0 {
		capCheck.Score = float64(h.WeightCapacity) * float64(active) / float64(cfg.MinChipsReady)
		capCheck.Detail = fmt.Sprintf("%d active of %d required", active, cfg.MinChipsReady)
	}

	staleCheck := SubCheck{Name: "staleness", Weight: h.WeightStaleness, Score: float64(h.WeightStaleness)}
	if in.Jobs > 0 {
		staleCheck.Score = float64(h.WeightStaleness) * (1 - float64(len(in.StaleJobs))/float64(in.Jobs))
		staleCheck.Detail = fmt.Sprintf("%d of %d jobs stale", len(in.StaleJobs), in.Jobs)
	}

	rep.Checks = []SubCheck{trustCheck, errCheck, capCheck, staleCheck, alertCheck}
	var sum float64
	for i := range rep.Checks {
		c := &rep.Checks[i]
		c.Score = round2(clamp(c.Score, 0, float64(c.Weight)))
		sum += c.Score
	}
	if total := h.TotalWeight(); total > 0 {
		rep.Score = int(clamp(math.Round(sum/float64(total)*100), 0, 100))
	} else {
		rep.Score = 100
	}
	rep.Status = band(h, rep.Score)
	rep.Issues = issues(in, rep, active, lowTrust, highErr)
	return rep
}

func band(h domain.HealthSettings, score int) string {
	switch {
	case score >= h.HealthyMin:
		return StatusHealthy
	case score >= h.AttentionMin:
		return StatusAttention
	case score >= h.WarningMin:
		return StatusWarning
	}
	return StatusCritical
}

func issues(in Input, rep Report, active, lowTrust, highErr int) []Issue {
	cfg := in.Config
	var out []Issue
	add := func(typ string, sev domain.Severity, chips int, msg, rec string) {
		out = append(out, Issue{Type: typ, Severity: sev, AffectedChips: chips, Message: msg, Recommendation: rec})
	}
	if cfg.MinChipsReady > 0 && active < cfg.MinChipsReady {
		sev := domain.SeverityAlerta
		if active*2 < cfg.MinChipsReady {
			sev = domain.SeverityCritico
		}
		add(IssueBelowMinReady, sev, cfg.MinChipsReady-active,
			fmt.Sprintf("%d active chips, %d required", active, cfg.MinChipsReady),
			"promote ready chips or accelerate warmup")
	}
	if in.Alerts.Critico > 0 {
		add(IssueCriticalAlerts, domain.SeverityCritico, in.Alerts.CriticoChips,
			fmt.Sprintf("%d critical alerts open", in.Alerts.Critico), "review and resolve critical alerts")
	}
	if lowTrust > 0 {
		add(IssueLowTrust, domain.SeverityAlerta, lowTrust,
			fmt.Sprintf("%d chips below trust %d", lowTrust, lowTrustBelow), "reduce volume on low-trust chips")
	}
	if highErr > 0 {
		add(IssueHighErrorRate, domain.SeverityAlerta, highErr,
			fmt.Sprintf("%d chips at or above %.1f%% error rate", highErr, cfg.AlertThresholds.ErrorRateCritical),
			"pause affected chips and inspect failures")
	}
	if n := rep.Counts[domain.ChipDegraded]; n > 0 {
		add(IssueDegradedChips, domain.SeverityAlerta, n, fmt.Sprintf("%d chips degraded", n), "recover degraded chips through warmup")
	}
	if n := rep.Counts[domain.ChipOffline]; n > 0 {
		add(IssueOfflineChips, domain.SeverityAlerta, n, fmt.Sprintf("%d chips offline", n), "check gateway sessions and re-pair")
	}
	if n := rep.Counts[domain.ChipBanned]; n > 0 {
		add(IssueBannedChips, domain.SeverityAtencao, n, fmt.Sprintf("%d chips banned", n), "replace or reactivate banned lines")
	}
	if n := len(in.StaleJobs); n > 0 {
		sev := domain.SeverityAlerta
		if in.Jobs > 0 && n*2 >= in.Jobs {
			sev = domain.SeverityCritico
		}
		names := ""
		for i, s := range in.StaleJobs {
			if i > 0 {
				names += ", "
			}
			names += s.Job
		}
		add(IssueStaleJobs, sev, 0, fmt.Sprintf("%d jobs stale: %s", n, names), "check the job runner")
	}
	if cfg.MaxChipsWarming > 0 && rep.Counts[domain.ChipWarming] >= cfg.MaxChipsWarming {
		add(IssueWarmingCapacityFull, domain.SeverityInfo, rep.Counts[domain.ChipWarming],
			fmt.Sprintf("warming capacity full (%d/%d)", rep.Counts[domain.ChipWarming], cfg.MaxChipsWarming), "")
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		if out[i].AffectedChips != out[j].AffectedChips {
			return out[i].AffectedChips > out[j].AffectedChips
		}
		return out[i].Type < out[j].Type
	})
	if out == nil {
		out = []Issue{}
	}
	return out
}

// PoolStatus is the pool summary shown next to the health score.
type PoolStatus struct {
	Total      int                        `json:"total"`
	ByStatus   map[domain.ChipStatus]int  `json:"by_status"`
	ByTrust    map[domain.TrustLevel]int  `json:"by_trust_level"`
	ByPhase    map[domain.WarmupPhase]int `json:"by_phase"`
	Capacity   map[string]CapacityUsage   `json:"capacity"`
	OpenAlerts AlertCounts                `json:"open_alerts"`
}

type CapacityUsage struct {
	Used  int     `json:"used"`
	Limit int     `json:"limit"`
	Pct   float64 `json:"pct"`
}

func Summarize(cfg domain.PoolConfig, chips []domain.Chip, alerts AlertCounts) PoolStatus {
	st := PoolStatus{
		Total:      len(chips),
		ByStatus:   map[domain.ChipStatus]int{},
		ByTrust:    map[domain.TrustLevel]int{},
		ByPhase:    map[domain.WarmupPhase]int{},
		OpenAlerts: alerts,
	}
	for i := range chips {
		c := &chips[i]
		st.ByStatus[c.Status]++
		st.ByTrust[c.TrustLevel()]++
		if c.Status == domain.ChipWarming {
			st.ByPhase[c.WarmupPhase]++
		}
	}
	st.Capacity = map[string]CapacityUsage{
		"active":  usage(st.ByStatus[domain.ChipActive], cfg.MaxChipsActive),
		"warming": usage(st.ByStatus[domain.ChipWarming], cfg.MaxChipsWarming),
		"ready":   usage(st.ByStatus[domain.ChipActive], cfg.MinChipsReady),
	}
	return st
}

func usage(used, limit int) CapacityUsage {
	u := CapacityUsage{Used: used, Limit: limit}
	if limit > 0 {
		u.Pct = round2(float64(used) / float64(limit) * 100)
	}
	return u
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
