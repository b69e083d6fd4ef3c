package domain

import (
	"fmt"
	"time"
)

// PoolConfigID primary key of the singleton row
const PoolConfigID int64 = 1

type OperatingHours struct {
	Start string `json:"start" gorm:"size:5"` // HH:MM, inclusive
	End   string `json:"end" gorm:"size:5"`   // HH:MM, exclusive
}

// Bounds resolves the window on the calendar day of t.
func (h OperatingHours) Bounds(t time.Time) (start, end time.Time, err error) {
	s, err := time.Parse("15:04", h.Start)
	if err != nil {
		return start, end, fmt.Errorf("operatingHours.start: %w", err)
	}
	e, err := time.Parse("15:04", h.End)
	if err != nil {
		return start, end, fmt.Errorf("operatingHours.end: %w", err)
	}
	y, m, d := t.Date()
	start = time.Date(y, m, d, s.Hour(), s.Minute(), 0, 0, t.Location())
	end = time.Date(y, m, d, e.Hour(), e.Minute(), 0, 0, t.Location())
	return start, end, nil
}

type AlertThresholds struct {
	TrustDropWarning        int     `json:"trustDropWarning"`
	TrustDropCritical       int     `json:"trustDropCritical"`
	TrustWindowHours        int     `json:"trustWindowHours"`
	ErrorRateWarning        float64 `json:"errorRateWarning"`
	ErrorRateCritical       float64 `json:"errorRateCritical"`
	ErrorCountWarning       int     `json:"errorCountWarning"`
	BlockRateWarning        float64 `json:"blockRateWarning"`
	BlockRateCritical       float64 `json:"blockRateCritical"`
	DeliveryRateWarning     float64 `json:"deliveryRateWarning"`
	DeliveryRateCritical    float64 `json:"deliveryRateCritical"`
	ResponseRateWarning     float64 `json:"responseRateWarning"`
	ResponseRateCritical    float64 `json:"responseRateCritical"`
	MinSampleSize           int     `json:"minSampleSize"`
	LimitNearPct            float64 `json:"limitNearPct"`
	HeartbeatTimeoutMinutes int     `json:"heartbeatTimeoutMinutes"`
	AnomalyScore            float64 `json:"anomalyScore"`
	CollapseCrossings       int     `json:"collapseCrossings"`
}

type WarmupSettings struct {
	StagnationDays         int `json:"stagnationDays"`
	FailedActivitiesPerDay int `json:"failedActivitiesPerDay"`
	DailyTrustBonus        int `json:"dailyTrustBonus"`
}

// HealthSettings band edges and sub-check weights of the pool health score.
type HealthSettings struct {
	HealthyMin      int `json:"healthyMin"`
	AttentionMin    int `json:"attentionMin"`
	WarningMin      int `json:"warningMin"`
	WeightTrust     int `json:"weightTrust"`
	WeightErrors    int `json:"weightErrors"`
	WeightCapacity  int `json:"weightCapacity"`
	WeightStaleness int `json:"weightStaleness"`
	WeightAlerts    int `json:"weightAlerts"`
}

func (h HealthSettings) TotalWeight() int {
	return h.WeightTrust + h.WeightErrors + h.WeightCapacity + h.WeightStaleness + h.WeightAlerts
}

// PoolConfig versioned singleton of pool-wide tunables
type PoolConfig struct {
	ID                   int64           `json:"-" gorm:"primaryKey;autoIncrement:false"`
	Version              int64           `json:"version"`
	MaxChipsActive       int             `json:"maxChipsActive"`
	MaxChipsWarming      int             `json:"maxChipsWarming"`
	MinChipsReady        int             `json:"minChipsReady"`
	MaxMsgsPerHour       int             `json:"maxMsgsPerHour"`
	MaxMsgsPerDay        int             `json:"maxMsgsPerDay"`
	MinIntervalSeconds   int             `json:"minIntervalSeconds"`
	AutoPromoteEnabled   bool            `json:"autoPromoteEnabled"`
	AutoDemoteEnabled    bool            `json:"autoDemoteEnabled"`
	MinTrustForPromotion int             `json:"minTrustForPromotion"`
	ProvisionTrustScore  int             `json:"provisionTrustScore"`
	AlertAutoResolve     bool            `json:"alertAutoResolve"`
	OperatingHours       OperatingHours  `json:"operatingHours" gorm:"embedded;embeddedPrefix:hours_"`
	OperatingDays        []int           `json:"operatingDays" gorm:"serializer:json"`
	AlertThresholds      AlertThresholds `json:"alertThresholds" gorm:"embedded;embeddedPrefix:alert_"`
	Warmup               WarmupSettings  `json:"warmup" gorm:"embedded;embeddedPrefix:warmup_"`
	Health               HealthSettings  `json:"health" gorm:"embedded;embeddedPrefix:health_"`
	UpdatedBy            string          `json:"updatedBy"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// TableName Specify table name
func (PoolConfig) TableName() string {
	return "pool_config"
}

// DefaultPoolConfig values seeded on first start.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ID:                   PoolConfigID,
		Version:              1,
		MaxChipsActive:       50,
		MaxChipsWarming:      30,
		MinChipsReady:        10,
		MaxMsgsPerHour:       30,
		MaxMsgsPerDay:        200,
		MinIntervalSeconds:   60,
		AutoPromoteEnabled:   false,
		AutoDemoteEnabled:    true,
		MinTrustForPromotion: 70,
		ProvisionTrustScore:  50,
		AlertAutoResolve:     true,
		OperatingHours:       OperatingHours{Start: "08:00", End: "20:00"},
		OperatingDays:        []int{1, 2, 3, 4, 5, 6},
		AlertThresholds: AlertThresholds{
			TrustDropWarning:        10,
			TrustDropCritical:       20,
			TrustWindowHours:        24,
			ErrorRateWarning:        5,
			ErrorRateCritical:       10,
			ErrorCountWarning:       20,
			BlockRateWarning:        2,
			BlockRateCritical:       5,
			DeliveryRateWarning:     85,
			DeliveryRateCritical:    70,
			ResponseRateWarning:     10,
			ResponseRateCritical:    5,
			MinSampleSize:           20,
			LimitNearPct:            90,
			HeartbeatTimeoutMinutes: 15,
			AnomalyScore:            3.5,
			CollapseCrossings:       2,
		},
		Warmup: WarmupSettings{
			StagnationDays:         3,
			FailedActivitiesPerDay: 3,
			DailyTrustBonus:        2,
		},
		Health: HealthSettings{
			HealthyMin:      80,
			AttentionMin:    65,
			WarningMin:      50,
			WeightTrust:     35,
			WeightErrors:    25,
			WeightCapacity:  20,
			WeightStaleness: 10,
			WeightAlerts:    10,
		},
	}
}

// Clone returns a copy that shares no slices with c.
func (c PoolConfig) Clone() PoolConfig {
	c.OperatingDays = append([]int(nil), c.OperatingDays...)
	return c
}

// OperatesOn reports whether the weekday of t is an operating day.
func (c PoolConfig) OperatesOn(t time.Time) bool {
	wd := int(t.Weekday())
	for _, d := range c.OperatingDays {
		if d == wd {
			return true
		}
	}
	return false
}

// Validate checks field ranges and cross-field ordering.
func (c PoolConfig) Validate() error {
	for _, f := range []struct {
		name  string
		value int
	}{
		{"maxChipsActive", c.MaxChipsActive},
		{"maxChipsWarming", c.MaxChipsWarming},
		{"minChipsReady", c.MinChipsReady},
		{"maxMsgsPerHour", c.MaxMsgsPerHour},
		{"maxMsgsPerDay", c.MaxMsgsPerDay},
		{"minIntervalSeconds", c.MinIntervalSeconds},
	} {
		if f.value < 0 {
			return &ValidationError{Field: f.name, Reason: "must not be negative"}
		}
	}
	if c.MinTrustForPromotion < MinTrustScore || c.MinTrustForPromotion > MaxTrustScore {
		return &ValidationError{Field: "minTrustForPromotion", Reason: "must be between 0 and 100"}
	}
	if c.ProvisionTrustScore < MinTrustScore || c.ProvisionTrustScore > MaxTrustScore {
		return &ValidationError{Field: "provisionTrustScore", Reason: "must be between 0 and 100"}
	}
	start, end, err := c.OperatingHours.Bounds(time.Now())
	if err != nil {
		return &ValidationError{Field: "operatingHours", Reason: err.Error()}
	}
	if !start.Before(end) {
		return &ValidationError{Field: "operatingHours", Reason: "start must be before end"}
	}
	if len(c.OperatingDays) == 0 {
		return &ValidationError{Field: "operatingDays", Reason: "at least one day is required"}
	}
	seen := make(map[int]bool)
	for _, d := range c.OperatingDays {
		if d < 0 || d > 6 {
			return &ValidationError{Field: "operatingDays", Reason: fmt.Sprintf("invalid weekday %d", d)}
		}
		if seen[d] {
			return &ValidationError{Field: "operatingDays", Reason: fmt.Sprintf("duplicate weekday %d", d)}
		}
		seen[d] = true
	}
	t := c.AlertThresholds
	if t.TrustDropWarning <= 0 || t.TrustDropCritical < t.TrustDropWarning {
		return &ValidationError{Field: "alertThresholds.trustDropCritical", Reason: "must be >= trustDropWarning > 0"}
	}
	if t.ErrorRateWarning <= 0 || t.ErrorRateCritical < t.ErrorRateWarning {
		return &ValidationError{Field: "alertThresholds.errorRateCritical", Reason: "must be >= errorRateWarning > 0"}
	}
	if t.BlockRateCritical < t.BlockRateWarning {
		return &ValidationError{Field: "alertThresholds.blockRateCritical", Reason: "must be >= blockRateWarning"}
	}
	if t.DeliveryRateCritical > t.DeliveryRateWarning {
		return &ValidationError{Field: "alertThresholds.deliveryRateCritical", Reason: "must be <= deliveryRateWarning"}
	}
	if t.ResponseRateCritical > t.ResponseRateWarning {
		return &ValidationError{Field: "alertThresholds.responseRateCritical", Reason: "must be <= responseRateWarning"}
	}
	if t.TrustWindowHours <= 0 {
		return &ValidationError{Field: "alertThresholds.trustWindowHours", Reason: "must be positive"}
	}
	if t.LimitNearPct <= 0 || t.LimitNearPct > 100 {
		return &ValidationError{Field: "alertThresholds.limitNearPct", Reason: "must be in (0,100]"}
	}
	if t.CollapseCrossings < 1 {
		return &ValidationError{Field: "alertThresholds.collapseCrossings", Reason: "must be at least 1"}
	}
	if c.Warmup.StagnationDays < 1 {
		return &ValidationError{Field: "warmup.stagnationDays", Reason: "must be at least 1"}
	}
	h := c.Health
	if !(h.HealthyMin > h.AttentionMin && h.AttentionMin > h.WarningMin && h.WarningMin > 0 && h.HealthyMin <= 100) {
		return &ValidationError{Field: "health", Reason: "bands must satisfy 100 >= healthyMin > attentionMin > warningMin > 0"}
	}
	for name, w := range map[string]int{
		"weightTrust": h.WeightTrust, "weightErrors": h.WeightErrors, "weightCapacity": h.WeightCapacity,
		"weightStaleness": h.WeightStaleness, "weightAlerts": h.WeightAlerts,
	} {
		if w < 0 {
			return &ValidationError{Field: "health." + name, Reason: "must not be negative"}
		}
	}
	if h.TotalWeight() == 0 {
		return &ValidationError{Field: "health", Reason: "weights must not all be zero"}
	}
	return nil
}
