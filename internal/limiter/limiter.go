// Package limiter enforces the pool's rate and capacity limits.
package limiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/chippool/internal/domain"
)

// Guard names carried by the ConflictError of a rejected check.
const (
	GuardOperatingWindow = "operating_window"
	GuardMinInterval     = "min_interval"
	GuardHourly          = "max_msgs_per_hour"
	GuardDaily           = "daily_limit"
	GuardMaxActive       = "max_chips_active"
	GuardMaxWarming      = "max_chips_warming"
)

// Usage is what a chip has already consumed relative to the checked instant.
type Usage struct {
	LastActionAt time.Time // zero when the chip never acted
	LastHour     int       // actions in [at-1h, at)
	Today        int       // actions counted against the daily cap
	DailyLimit   int       // chip-level cap, 0 for none
}

// DailyCap is the tighter of the pool and chip daily limits. Zero means
// unlimited.
func DailyCap(cfg domain.PoolConfig, chipLimit int) int {
	limit := cfg.MaxMsgsPerDay
	if chipLimit > 0 && (limit == 0 || chipLimit < limit) {
		limit = chipLimit
	}
	return limit
}

// Check reports whether one more action at the given instant is allowed.
func Check(cfg domain.PoolConfig, u Usage, at time.Time) error {
	if err := CheckWindow(cfg, at); err != nil {
		return err
	}
	if cfg.MinIntervalSeconds > 0 && !u.LastActionAt.IsZero() {
		min := time.Duration(cfg.MinIntervalSeconds) * time.Second
		if gap := at.Sub(u.LastActionAt); gap < min {
			return reject(GuardMinInterval, fmt.Sprintf("next action allowed at %s", u.LastActionAt.Add(min).Format(time.RFC3339)))
		}
	}
	if cfg.MaxMsgsPerHour > 0 && u.LastHour >= cfg.MaxMsgsPerHour {
		return reject(GuardHourly, fmt.Sprintf("%d of %d actions used in the last hour", u.LastHour, cfg.MaxMsgsPerHour))
	}
	if limit := DailyCap(cfg, u.DailyLimit); limit > 0 && u.Today >= limit {
		return reject(GuardDaily, fmt.Sprintf("%d of %d daily actions used", u.Today, limit))
	}
	return nil
}

// CheckWindow rejects instants outside operatingDays or operatingHours.
func CheckWindow(cfg domain.PoolConfig, at time.Time) error {
	if !cfg.OperatesOn(at) {
		return reject(GuardOperatingWindow, fmt.Sprintf("%s is not an operating day", at.Weekday()))
	}
	start, end, err := cfg.OperatingHours.Bounds(at)
	if err != nil {
		return &domain.ValidationError{Field: "operatingHours", Reason: err.Error()}
	}
	if at.Before(start) || !at.Before(end) {
		return reject(GuardOperatingWindow, fmt.Sprintf("%s is outside %s-%s", at.Format("15:04"), cfg.OperatingHours.Start, cfg.OperatingHours.End))
	}
	return nil
}

// CheckCapacity guards a transition into target given current status
// counts. Targets other than active and warming are never limited.
func CheckCapacity(cfg domain.PoolConfig, counts map[domain.ChipStatus]int, target domain.ChipStatus) error {
	switch target {
	case domain.ChipActive:
		if cfg.MaxChipsActive > 0 && counts[domain.ChipActive] >= cfg.MaxChipsActive {
			return &domain.ConflictError{Guard: GuardMaxActive, Reason: fmt.Sprintf("pool already has %d active chips", counts[domain.ChipActive])}
		}
	case domain.ChipWarming:
		if cfg.MaxChipsWarming > 0 && counts[domain.ChipWarming] >= cfg.MaxChipsWarming {
			return &domain.ConflictError{Guard: GuardMaxWarming, Reason: fmt.Sprintf("pool already has %d warming chips", counts[domain.ChipWarming])}
		}
	}
	return nil
}

// GuardOf returns the guard of a limiter rejection, or "".
func GuardOf(err error) string {
	var c *domain.ConflictError
	if errors.As(err, &c) {
		return c.Guard
	}
	return ""
}

func reject(guard, reason string) error {
	return &domain.ConflictError{Action: "schedule", Guard: guard, Reason: reason}
}

// Window counts recent outbound sends per chip over the trailing hour.
type Window struct {
	mu    sync.Mutex
	sends map[string][]time.Time
}

func NewWindow() *Window {
	return &Window{sends: make(map[string][]time.Time)}
}

// Count returns sends of chipID since at-1h and drops older entries.
func (w *Window) Count(chipID string, at time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(chipID, at))
}

func (w *Window) Add(chipID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sends[chipID] = append(w.prune(chipID, at), at)
}

func (w *Window) prune(chipID string, at time.Time) []time.Time {
	cutoff := at.Add(-time.Hour)
	kept := w.sends[chipID][:0]
	for _, t := range w.sends[chipID] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(w.sends, chipID)
		return nil
	}
	w.sends[chipID] = kept
	return kept
}
