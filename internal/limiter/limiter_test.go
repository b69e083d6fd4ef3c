package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/talkincode/chippool/internal/domain"
)

// Monday 2026-03-02
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestCheckWindow(t *testing.T) {
	cfg := domain.DefaultPoolConfig()
	assert.NoError(t, CheckWindow(cfg, monday))
	assert.Equal(t, GuardOperatingWindow, GuardOf(CheckWindow(cfg, monday.Add(-3*time.Hour))))
	assert.Equal(t, GuardOperatingWindow, GuardOf(CheckWindow(cfg, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC))), "end is exclusive")
	assert.NoError(t, CheckWindow(cfg, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)), "start is inclusive")
	assert.Equal(t, GuardOperatingWindow, GuardOf(CheckWindow(cfg, monday.AddDate(0, 0, -1))), "sunday is off")
}

func TestCheckLimits(t *testing.T) {
	cfg := domain.DefaultPoolConfig()
	cases := []struct {
		name  string
		usage Usage
		guard string
	}{
		{"fresh chip", Usage{}, ""},
		{"too soon", Usage{LastActionAt: monday.Add(-30 * time.Second)}, GuardMinInterval},
		{"interval elapsed", Usage{LastActionAt: monday.Add(-time.Minute)}, ""},
		{"hourly cap", Usage{LastHour: 30}, GuardHourly},
		{"pool daily cap", Usage{Today: 200}, GuardDaily},
		{"chip daily cap", Usage{Today: 40, DailyLimit: 40}, GuardDaily},
		{"under chip cap", Usage{Today: 39, DailyLimit: 40}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(cfg, tc.usage, monday)
			if tc.guard == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, domain.IsConflict(err))
			assert.Equal(t, tc.guard, GuardOf(err))
		})
	}
}

func TestZeroMeansUnlimited(t *testing.T) {
	cfg := domain.DefaultPoolConfig()
	cfg.MaxMsgsPerHour, cfg.MaxMsgsPerDay, cfg.MinIntervalSeconds = 0, 0, 0
	assert.NoError(t, Check(cfg, Usage{LastActionAt: monday, LastHour: 1000, Today: 5000}, monday))
	assert.Equal(t, 0, DailyCap(cfg, 0))
	assert.Equal(t, 15, DailyCap(cfg, 15))

	cfg.MaxChipsActive = 0
	assert.NoError(t, CheckCapacity(cfg, map[domain.ChipStatus]int{domain.ChipActive: 999}, domain.ChipActive))
}

func TestCheckCapacity(t *testing.T) {
	cfg := domain.DefaultPoolConfig()
	cfg.MaxChipsActive, cfg.MaxChipsWarming = 2, 1
	counts := map[domain.ChipStatus]int{domain.ChipActive: 2, domain.ChipWarming: 0}
	assert.Equal(t, GuardMaxActive, GuardOf(CheckCapacity(cfg, counts, domain.ChipActive)))
	assert.NoError(t, CheckCapacity(cfg, counts, domain.ChipWarming))
	counts[domain.ChipWarming] = 1
	assert.Equal(t, GuardMaxWarming, GuardOf(CheckCapacity(cfg, counts, domain.ChipWarming)))
	assert.NoError(t, CheckCapacity(cfg, counts, domain.ChipPaused))
}

func TestWindow(t *testing.T) {
	w := NewWindow()
	w.Add("a1", monday.Add(-90*time.Minute))
	w.Add("a1", monday.Add(-30*time.Minute))
	w.Add("a1", monday.Add(-time.Minute))
	assert.Equal(t, 2, w.Count("a1", monday))
	assert.Equal(t, 0, w.Count("b2", monday))
	assert.Equal(t, 0, w.Count("a1", monday.Add(2*time.Hour)))
}
