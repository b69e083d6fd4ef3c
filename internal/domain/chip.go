package domain

import "time"

// ChipStatus lifecycle status of a chip
type ChipStatus string

const (
	ChipProvisioned ChipStatus = "provisioned"
	ChipPending     ChipStatus = "pending"
	ChipWarming     ChipStatus = "warming"
	ChipReady       ChipStatus = "ready"
	ChipActive      ChipStatus = "active"
	ChipDegraded    ChipStatus = "degraded"
	ChipPaused      ChipStatus = "paused"
	ChipBanned      ChipStatus = "banned"
	ChipCancelled   ChipStatus = "cancelled"
	ChipOffline     ChipStatus = "offline"
)

var ChipStatuses = []ChipStatus{
	ChipProvisioned, ChipPending, ChipWarming, ChipReady, ChipActive,
	ChipDegraded, ChipPaused, ChipBanned, ChipCancelled, ChipOffline,
}

func (s ChipStatus) Valid() bool {
	for _, v := range ChipStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Connected reports whether a chip in this status is expected to hold a
// live gateway session.
func (s ChipStatus) Connected() bool {
	switch s {
	case ChipWarming, ChipReady, ChipActive, ChipDegraded:
		return true
	}
	return false
}

// Monitored reports whether alerts are evaluated for chips in this status.
func (s ChipStatus) Monitored() bool {
	return s.Connected() || s == ChipOffline
}

// WarmupPhase ordered warmup stage
type WarmupPhase string

const (
	PhaseRepouso           WarmupPhase = "repouso"
	PhaseSetup             WarmupPhase = "setup"
	PhasePrimeirosContatos WarmupPhase = "primeiros_contatos"
	PhaseExpansao          WarmupPhase = "expansao"
	PhasePreOperacao       WarmupPhase = "pre_operacao"
	PhaseTesteGraduacao    WarmupPhase = "teste_graduacao"
	PhaseOperacao          WarmupPhase = "operacao"
)

var PhaseOrder = []WarmupPhase{
	PhaseRepouso, PhaseSetup, PhasePrimeirosContatos, PhaseExpansao,
	PhasePreOperacao, PhaseTesteGraduacao, PhaseOperacao,
}

func (p WarmupPhase) Index() int {
	for i, v := range PhaseOrder {
		if v == p {
			return i
		}
	}
	return -1
}

func (p WarmupPhase) Valid() bool {
	return p.Index() >= 0
}

// Next returns the phase following p. ok is false for operacao and for
// unknown phases.
func (p WarmupPhase) Next() (WarmupPhase, bool) {
	i := p.Index()
	if i < 0 || i == len(PhaseOrder)-1 {
		return "", false
	}
	return PhaseOrder[i+1], true
}

// Chip a provisioned WhatsApp line managed by the pool
type Chip struct {
	ID                 string      `json:"id" gorm:"primaryKey;size:32"`
	Phone              string      `json:"phone" gorm:"uniqueIndex;size:32"`
	InstanceName       string      `json:"instance_name" gorm:"index;size:128"`
	DDD                int         `json:"ddd"`
	Region             string      `json:"region" gorm:"size:64"`
	Status             ChipStatus  `json:"status" gorm:"index;size:32"`
	PreviousStatus     ChipStatus  `json:"previous_status" gorm:"size:32"`
	WarmupPhase        WarmupPhase `json:"warmup_phase" gorm:"size:32"`
	WarmingDay         int         `json:"warming_day"`
	PhaseStartedAt     *time.Time  `json:"phase_started_at"`
	StagnantDays       int         `json:"stagnant_days"`
	LastClosedDate     string      `json:"last_closed_date" gorm:"size:10"`
	TrustScore         int         `json:"trust_score" gorm:"index"`
	CriticalDrops      int         `json:"critical_drops"`
	DailyLimit         int         `json:"daily_limit"`
	MessagesToday      int         `json:"messages_today"`
	MessagesDate       string      `json:"messages_date" gorm:"size:10;index"` // plan date MessagesToday counts
	MessagesLast24h    int         `json:"messages_last_24h"`
	ErrorsLast24h      int         `json:"errors_last_24h"`
	MetricsReportedAt  *time.Time  `json:"metrics_reported_at"` // last external 24h report
	ResponseRate       float64     `json:"response_rate"`
	DeliveryRate       float64     `json:"delivery_rate"`
	BlockRate          float64     `json:"block_rate"`
	QualityRating      string      `json:"quality_rating" gorm:"size:16"` // GREEN, YELLOW, RED as reported by Meta
	LastHeartbeatAt    *time.Time  `json:"last_heartbeat_at"`
	ConnCheckFailures  int         `json:"conn_check_failures"`
	PairedAt           *time.Time  `json:"paired_at"`
	ReactivationReason string      `json:"reactivation_reason"`
	LastActivityAt     *time.Time  `json:"last_activity_at"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TableName Specify table name
func (Chip) TableName() string {
	return "chip"
}

// TrustLevel derived band of the current score
func (c *Chip) TrustLevel() TrustLevel {
	return LevelFor(c.TrustScore)
}

// MessagesOn returns the daily message counter as seen on date. A counter
// kept for another date reads as zero; an undated one is taken as current.
func (c *Chip) MessagesOn(date string) int {
	if c.MessagesDate == "" || date == "" || c.MessagesDate == date {
		return c.MessagesToday
	}
	return 0
}

// ErrorRate returns the 24h error percentage.
func (c *Chip) ErrorRate() float64 {
	if c.MessagesLast24h <= 0 {
		if c.ErrorsLast24h > 0 {
			return 100
		}
		return 0
	}
	return float64(c.ErrorsLast24h) / float64(c.MessagesLast24h) * 100
}

// DaysInPhase whole days since the current phase started.
func (c *Chip) DaysInPhase(now time.Time) int {
	if c.PhaseStartedAt == nil {
		return 0
	}
	d := now.Sub(*c.PhaseStartedAt)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// ChipView is the read model returned to API clients, carrying the fields
// computed on read.
type ChipView struct {
	Chip
	TrustLevel     TrustLevel `json:"trust_level"`
	HasActiveAlert bool       `json:"has_active_alert"`
}

func NewChipView(c Chip, hasActiveAlert bool) ChipView {
	return ChipView{Chip: c, TrustLevel: c.TrustLevel(), HasActiveAlert: hasActiveAlert}
}
