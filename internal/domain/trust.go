package domain

import "time"

// TrustLevel fixed band over the trust score
type TrustLevel string

const (
	TrustVerde    TrustLevel = "verde"
	TrustAmarelo  TrustLevel = "amarelo"
	TrustLaranja  TrustLevel = "laranja"
	TrustVermelho TrustLevel = "vermelho"
	TrustCritico  TrustLevel = "critico"
)

const (
	MinTrustScore = 0
	MaxTrustScore = 100
)

// trustBands lower bound of each level, highest first
var trustBands = []struct {
	Min   int
	Level TrustLevel
}{
	{80, TrustVerde},
	{60, TrustAmarelo},
	{40, TrustLaranja},
	{20, TrustVermelho},
	{0, TrustCritico},
}

// ClampScore bounds s to [0,100].
func ClampScore(s int) int {
	if s < MinTrustScore {
		return MinTrustScore
	}
	if s > MaxTrustScore {
		return MaxTrustScore
	}
	return s
}

// LevelFor returns the band containing score. Out-of-range scores are
// clamped first.
func LevelFor(score int) TrustLevel {
	score = ClampScore(score)
	for _, b := range trustBands {
		if score >= b.Min {
			return b.Level
		}
	}
	return TrustCritico
}

// LevelRange returns the inclusive score range of a level.
func LevelRange(l TrustLevel) (lo, hi int, ok bool) {
	hi = MaxTrustScore
	for _, b := range trustBands {
		if b.Level == l {
			return b.Min, hi, true
		}
		hi = b.Min - 1
	}
	return 0, 0, false
}

// TrustEventType kind of trust history entry
type TrustEventType string

const (
	TrustIncrease    TrustEventType = "increase"
	TrustDecrease    TrustEventType = "decrease"
	TrustPhaseChange TrustEventType = "phase_change"
	TrustAlert       TrustEventType = "alert"
)

// TrustEvent immutable trust history entry. FactKey identifies the fact that
// produced it so that replays are ignored.
type TrustEvent struct {
	ID          int64          `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	ChipID      string         `json:"chip_id" gorm:"size:32;uniqueIndex:idx_trust_event_fact,priority:1;index:idx_trust_event_chip_ts,priority:1"`
	Type        TrustEventType `json:"type" gorm:"size:32"`
	ScoreBefore int            `json:"score_before"`
	ScoreAfter  int            `json:"score_after"`
	Description string         `json:"description"`
	FactKey     string         `json:"fact_key" gorm:"size:128;uniqueIndex:idx_trust_event_fact,priority:2"`
	Timestamp   time.Time      `json:"timestamp" gorm:"column:occurred_at;index;index:idx_trust_event_chip_ts,priority:2"`
}

// TableName Specify table name
func (TrustEvent) TableName() string {
	return "trust_event"
}

// TrustFact marks a fact that was consumed without moving the score, so a
// replay stays a no-op once the score has room again.
type TrustFact struct {
	ChipID     string    `json:"chip_id" gorm:"primaryKey;size:32"`
	FactKey    string    `json:"fact_key" gorm:"primaryKey;size:128"`
	RecordedAt time.Time `json:"recorded_at" gorm:"index"`
}

// TableName Specify table name
func (TrustFact) TableName() string {
	return "trust_fact"
}
