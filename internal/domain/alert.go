package domain

import "time"

type AlertType string

const (
	AlertTrustCaindo          AlertType = "TRUST_CAINDO"
	AlertTaxaBlockAlta        AlertType = "TAXA_BLOCK_ALTA"
	AlertErrosFrequentes      AlertType = "ERROS_FREQUENTES"
	AlertDeliveryBaixo        AlertType = "DELIVERY_BAIXO"
	AlertRespostaBaixa        AlertType = "RESPOSTA_BAIXA"
	AlertDesconexao           AlertType = "DESCONEXAO"
	AlertLimiteProximo        AlertType = "LIMITE_PROXIMO"
	AlertFaseEstagnada        AlertType = "FASE_ESTAGNADA"
	AlertQualidadeMeta        AlertType = "QUALIDADE_META"
	AlertComportamentoAnomalo AlertType = "COMPORTAMENTO_ANOMALO"
)

var AlertTypes = []AlertType{
	AlertTrustCaindo, AlertTaxaBlockAlta, AlertErrosFrequentes, AlertDeliveryBaixo,
	AlertRespostaBaixa, AlertDesconexao, AlertLimiteProximo, AlertFaseEstagnada,
	AlertQualidadeMeta, AlertComportamentoAnomalo,
}

func (t AlertType) Valid() bool {
	for _, v := range AlertTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityCritico Severity = "critico"
	SeverityAlerta  Severity = "alerta"
	SeverityAtencao Severity = "atencao"
	SeverityInfo    Severity = "info"
)

// Rank orders severities, critico highest. Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritico:
		return 4
	case SeverityAlerta:
		return 3
	case SeverityAtencao:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ResolvedBySystem marks alerts closed because their condition cleared.
const ResolvedBySystem = "system"

// Alert a raised condition on a chip
type Alert struct {
	ID              int64      `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	ChipID          string     `json:"chip_id" gorm:"size:32;index:idx_alert_open,priority:1"`
	Type            AlertType  `json:"type" gorm:"size:32;index:idx_alert_open,priority:2"`
	Severity        Severity   `json:"severity" gorm:"size:16;index"`
	Message         string     `json:"message"`
	Recommendation  *string    `json:"recommendation"`
	Value           float64    `json:"value"`
	CreatedAt       time.Time  `json:"created_at" gorm:"index"`
	ResolvedAt      *time.Time `json:"resolved_at" gorm:"index:idx_alert_open,priority:3"`
	ResolvedBy      string     `json:"resolved_by"`
	ResolutionNotes string     `json:"resolution_notes"`
}

// TableName Specify table name
func (Alert) TableName() string {
	return "alert"
}

func (a *Alert) Resolved() bool {
	return a.ResolvedAt != nil
}
