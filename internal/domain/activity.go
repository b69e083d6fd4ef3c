package domain

import "time"

type ActivityType string

const (
	ActivityConversaPar     ActivityType = "CONVERSA_PAR"
	ActivityMarcarLido      ActivityType = "MARCAR_LIDO"
	ActivityEntrarGrupo     ActivityType = "ENTRAR_GRUPO"
	ActivityEnviarMidia     ActivityType = "ENVIAR_MIDIA"
	ActivityMensagemGrupo   ActivityType = "MENSAGEM_GRUPO"
	ActivityAtualizarPerfil ActivityType = "ATUALIZAR_PERFIL"
)

var ActivityTypes = []ActivityType{
	ActivityConversaPar, ActivityMarcarLido, ActivityEntrarGrupo,
	ActivityEnviarMidia, ActivityMensagemGrupo, ActivityAtualizarPerfil,
}

func (t ActivityType) Valid() bool {
	for _, v := range ActivityTypes {
		if v == t {
			return true
		}
	}
	return false
}

type ActivityStatus string

const (
	ActivityPlanejada ActivityStatus = "planejada"
	ActivityExecutada ActivityStatus = "executada"
	ActivityFalhou    ActivityStatus = "falhou"
	ActivityCancelada ActivityStatus = "cancelada"
)

func (s ActivityStatus) Terminal() bool {
	return s == ActivityExecutada || s == ActivityFalhou || s == ActivityCancelada
}

// PlanDateLayout format of ScheduledActivity.PlanDate
const PlanDateLayout = "2006-01-02"

// ScheduledActivity a warmup action planned for a chip
type ScheduledActivity struct {
	ID           int64          `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	ChipID       string         `json:"chip_id" gorm:"size:32;index:idx_activity_chip_date,priority:1"`
	Type         ActivityType   `json:"type" gorm:"size:32"`
	Status       ActivityStatus `json:"status" gorm:"size:16;index"`
	Phase        WarmupPhase    `json:"phase" gorm:"size:32"`
	PlanDate     string         `json:"plan_date" gorm:"size:10;index;index:idx_activity_chip_date,priority:2"`
	ScheduledAt  time.Time      `json:"scheduled_at" gorm:"index"`
	ExecutedAt   *time.Time     `json:"executed_at"`
	ErrorMessage string         `json:"error_message"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName Specify table name
func (ScheduledActivity) TableName() string {
	return "scheduled_activity"
}

// ActivityTypeStats per-type counters for a date range
type ActivityTypeStats struct {
	Type      ActivityType `json:"type"`
	Planned   int64        `json:"planned"`
	Executed  int64        `json:"executed"`
	Failed    int64        `json:"failed"`
	Cancelled int64        `json:"cancelled"`
}
