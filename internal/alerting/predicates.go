// Package alerting evaluates alert conditions on chips and keeps one open
// alert per chip and type.
package alerting

import (
	"fmt"
	"time"

	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/limiter"
)

// Facts is what a predicate may look at.
type Facts struct {
	Chip        *domain.Chip
	Config      domain.PoolConfig
	WindowDrop  int
	FailedToday int
	Now         time.Time
}

// Finding is a predicate's verdict. Severity, Message, Recommendation and
// Value are set only when Fires.
type Finding struct {
	Type           domain.AlertType
	Fires          bool
	Severity       domain.Severity
	Message        string
	Recommendation string
	Value          float64
}

type Predicate func(f Facts) Finding

// Predicates holds the per-chip checks in evaluation order.
// COMPORTAMENTO_ANOMALO is pool-wide and lives in DetectAnomalies.
var Predicates = []struct {
	Type domain.AlertType
	Eval Predicate
}{
	{domain.AlertTrustCaindo, trustFalling},
	{domain.AlertTaxaBlockAlta, blockRateHigh},
	{domain.AlertDeliveryBaixo, deliveryLow},
	{domain.AlertRespostaBaixa, responseLow},
	{domain.AlertErrosFrequentes, frequentErrors},
	{domain.AlertDesconexao, disconnected},
	{domain.AlertLimiteProximo, limitNear},
	{domain.AlertFaseEstagnada, phaseStagnant},
	{domain.AlertQualidadeMeta, metaQuality},
}

// Evaluate runs every per-chip predicate.
func Evaluate(f Facts) []Finding {
	out := make([]Finding, 0, len(Predicates))
	for _, p := range Predicates {
		fd := p.Eval(f)
		fd.Type = p.Type
		out = append(out, fd)
	}
	return out
}

func fire(sev domain.Severity, value float64, rec, format string, args ...interface{}) Finding {
	return Finding{Fires: true, Severity: sev, Value: value, Recommendation: rec, Message: fmt.Sprintf(format, args...)}
}

func sampled(f Facts) bool {
	return f.Chip.MessagesLast24h >= f.Config.AlertThresholds.MinSampleSize
}

func trustFalling(f Facts) Finding {
	t := f.Config.AlertThresholds
	drop := float64(f.WindowDrop)
	switch {
	case f.WindowDrop >= t.TrustDropCritical:
		return fire(domain.SeverityCritico, drop, "Pause outbound traffic and review recent activity on this chip.",
			"trust dropped %d points in %dh (score %d)", f.WindowDrop, t.TrustWindowHours, f.Chip.TrustScore)
	case f.WindowDrop >= t.TrustDropWarning:
		return fire(domain.SeverityAtencao, drop, "Reduce message volume until the score stabilises.",
			"trust dropped %d points in %dh (score %d)", f.WindowDrop, t.TrustWindowHours, f.Chip.TrustScore)
	}
	return Finding{}
}

func blockRateHigh(f Facts) Finding {
	t := f.Config.AlertThresholds
	rate := f.Chip.BlockRate
	if !sampled(f) {
		return Finding{}
	}
	switch {
	case t.BlockRateCritical > 0 && rate >= t.BlockRateCritical:
		return fire(domain.SeverityCritico, rate, "Stop campaigns on this chip, the block rate risks a ban.",
			"block rate %.1f%% over %d messages", rate, f.Chip.MessagesLast24h)
	case t.BlockRateWarning > 0 && rate >= t.BlockRateWarning:
		return fire(domain.SeverityAlerta, rate, "Review message templates and targeting.",
			"block rate %.1f%% over %d messages", rate, f.Chip.MessagesLast24h)
	}
	return Finding{}
}

func deliveryLow(f Facts) Finding {
	t := f.Config.AlertThresholds
	rate := f.Chip.DeliveryRate
	if !sampled(f) {
		return Finding{}
	}
	switch {
	case rate < t.DeliveryRateCritical:
		return fire(domain.SeverityCritico, rate, "Check the gateway session and the recipient list quality.",
			"delivery rate %.1f%%", rate)
	case rate < t.DeliveryRateWarning:
		return fire(domain.SeverityAlerta, rate, "Check the recipient list quality.",
			"delivery rate %.1f%%", rate)
	}
	return Finding{}
}

func responseLow(f Facts) Finding {
	t := f.Config.AlertThresholds
	rate := f.Chip.ResponseRate
	if !sampled(f) {
		return Finding{}
	}
	switch {
	case rate < t.ResponseRateCritical:
		return fire(domain.SeverityAlerta, rate, "Revise message content, recipients are not engaging.",
			"response rate %.1f%%", rate)
	case rate < t.ResponseRateWarning:
		return fire(domain.SeverityAtencao, rate, "Consider more personalised messages.",
			"response rate %.1f%%", rate)
	}
	return Finding{}
}

func frequentErrors(f Facts) Finding {
	t := f.Config.AlertThresholds
	rate := f.Chip.ErrorRate()
	switch {
	case rate >= t.ErrorRateCritical:
		return fire(domain.SeverityCritico, rate, "Pause the chip and inspect gateway errors.",
			"error rate %.1f%% (%d of %d)", rate, f.Chip.ErrorsLast24h, f.Chip.MessagesLast24h)
	case rate >= t.ErrorRateWarning:
		return fire(domain.SeverityAlerta, rate, "Inspect gateway errors.",
			"error rate %.1f%% (%d of %d)", rate, f.Chip.ErrorsLast24h, f.Chip.MessagesLast24h)
	case t.ErrorCountWarning > 0 && f.Chip.ErrorsLast24h >= t.ErrorCountWarning:
		return fire(domain.SeverityAlerta, float64(f.Chip.ErrorsLast24h), "Inspect gateway errors.",
			"%d errors in 24h", f.Chip.ErrorsLast24h)
	case f.Config.Warmup.FailedActivitiesPerDay > 0 && f.FailedToday >= f.Config.Warmup.FailedActivitiesPerDay:
		return fire(domain.SeverityAlerta, float64(f.FailedToday), "Check the warmup executor for this chip.",
			"%d warmup activities failed today", f.FailedToday)
	}
	return Finding{}
}

func disconnected(f Facts) Finding {
	c := f.Chip
	switch {
	case c.Status == domain.ChipOffline:
		return fire(domain.SeverityCritico, float64(c.ConnCheckFailures), "Reconnect the instance or scan a new QR code.",
			"chip is offline")
	case c.ConnCheckFailures > 0:
		return fire(domain.SeverityCritico, float64(c.ConnCheckFailures), "Check the gateway, connection checks are failing.",
			"%d connection checks exhausted their retries", c.ConnCheckFailures)
	}
	timeout := time.Duration(f.Config.AlertThresholds.HeartbeatTimeoutMinutes) * time.Minute
	if c.Status.Connected() && timeout > 0 && c.LastHeartbeatAt != nil {
		if age := f.Now.Sub(*c.LastHeartbeatAt); age > timeout {
			return fire(domain.SeverityAlerta, age.Minutes(), "Run a connection check on this chip.",
				"no heartbeat for %.0f minutes", age.Minutes())
		}
	}
	return Finding{}
}

func limitNear(f Facts) Finding {
	limit := limiter.DailyCap(f.Config, f.Chip.DailyLimit)
	if limit <= 0 {
		return Finding{}
	}
	used := f.Chip.MessagesToday
	pct := float64(used) / float64(limit) * 100
	switch {
	case used >= limit:
		return fire(domain.SeverityAlerta, pct, "Route new traffic to other chips.",
			"daily limit reached (%d of %d)", used, limit)
	case pct >= f.Config.AlertThresholds.LimitNearPct:
		return fire(domain.SeverityAtencao, pct, "Route new traffic to other chips.",
			"%.0f%% of the daily limit used (%d of %d)", pct, used, limit)
	}
	return Finding{}
}

func phaseStagnant(f Facts) Finding {
	c := f.Chip
	if c.Status == domain.ChipWarming && c.StagnantDays >= f.Config.Warmup.StagnationDays {
		return fire(domain.SeverityAlerta, float64(c.StagnantDays), "Check why planned warmup activities are not executing.",
			"no successful warmup activity for %d days in phase %s", c.StagnantDays, c.WarmupPhase)
	}
	return Finding{}
}

func metaQuality(f Facts) Finding {
	c := f.Chip
	t := f.Config.AlertThresholds
	switch c.QualityRating {
	case "RED":
		return fire(domain.SeverityCritico, 0, "Stop sending from this chip, Meta flagged it.", "Meta quality rating is RED")
	case "YELLOW":
		return fire(domain.SeverityAlerta, 0, "Reduce volume until Meta quality recovers.", "Meta quality rating is YELLOW")
	}
	if sampled(f) && c.DeliveryRate < t.DeliveryRateWarning && c.ResponseRate < t.ResponseRateWarning {
		return fire(domain.SeverityAlerta, c.DeliveryRate, "Quality likely degrading, reduce volume.",
			"delivery %.1f%% and response %.1f%% both below warning", c.DeliveryRate, c.ResponseRate)
	}
	return Finding{}
}
