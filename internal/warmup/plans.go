// Package warmup plans and closes the daily activity of warming chips.
package warmup

import "github.com/talkincode/chippool/internal/domain"

// PhasePlan daily activity shape of one warmup phase
type PhasePlan struct {
	Phase        domain.WarmupPhase    `json:"phase"`
	Types        []domain.ActivityType `json:"types"`
	QuotaMin     int                   `json:"quota_min"`
	QuotaMax     int                   `json:"quota_max"`
	IntervalMin  int                   `json:"interval_min"` // minutes
	IntervalMax  int                   `json:"interval_max"`
	GruposPorDia int                   `json:"grupos_por_dia"`
	MinDays      int                   `json:"min_days"`
}

var Plans = map[domain.WarmupPhase]PhasePlan{
	domain.PhaseRepouso: {
		Phase:       domain.PhaseRepouso,
		Types:       []domain.ActivityType{domain.ActivityMarcarLido},
		QuotaMin:    2,
		QuotaMax:    4,
		IntervalMin: 60,
		IntervalMax: 120,
		MinDays:     1,
	},
	domain.PhaseSetup: {
		Phase:       domain.PhaseSetup,
		Types:       []domain.ActivityType{domain.ActivityAtualizarPerfil, domain.ActivityMarcarLido},
		QuotaMin:    3,
		QuotaMax:    5,
		IntervalMin: 30,
		IntervalMax: 90,
		MinDays:     1,
	},
	domain.PhasePrimeirosContatos: {
		Phase:       domain.PhasePrimeirosContatos,
		Types:       []domain.ActivityType{domain.ActivityConversaPar, domain.ActivityMarcarLido},
		QuotaMin:    5,
		QuotaMax:    10,
		IntervalMin: 20,
		IntervalMax: 60,
		MinDays:     2,
	},
	domain.PhaseExpansao: {
		Phase: domain.PhaseExpansao,
		Types: []domain.ActivityType{
			domain.ActivityConversaPar, domain.ActivityMarcarLido,
			domain.ActivityEntrarGrupo, domain.ActivityEnviarMidia,
		},
		QuotaMin:     10,
		QuotaMax:     20,
		IntervalMin:  15,
		IntervalMax:  45,
		GruposPorDia: 1,
		MinDays:      3,
	},
	domain.PhasePreOperacao: {
		Phase: domain.PhasePreOperacao,
		Types: []domain.ActivityType{
			domain.ActivityConversaPar, domain.ActivityEnviarMidia, domain.ActivityMensagemGrupo,
			domain.ActivityEntrarGrupo, domain.ActivityMarcarLido,
		},
		QuotaMin:     15,
		QuotaMax:     30,
		IntervalMin:  10,
		IntervalMax:  30,
		GruposPorDia: 2,
		MinDays:      3,
	},
	domain.PhaseTesteGraduacao: {
		Phase:        domain.PhaseTesteGraduacao,
		Types:        domain.ActivityTypes,
		QuotaMin:     20,
		QuotaMax:     40,
		IntervalMin:  5,
		IntervalMax:  20,
		GruposPorDia: 2,
		MinDays:      2,
	},
}

// PlanFor returns the plan of phase. operacao has none.
func PlanFor(phase domain.WarmupPhase) (PhasePlan, bool) {
	p, ok := Plans[phase]
	return p, ok
}

// Allows reports whether typ may be scheduled in this phase.
func (p PhasePlan) Allows(typ domain.ActivityType) bool {
	for _, t := range p.Types {
		if t == typ {
			return true
		}
	}
	return false
}

// candidates returns the types still allowed after groups joins today.
func (p PhasePlan) candidates(groups int) []domain.ActivityType {
	out := make([]domain.ActivityType, 0, len(p.Types))
	for _, t := range p.Types {
		if t == domain.ActivityEntrarGrupo && groups >= p.GruposPorDia {
			continue
		}
		out = append(out, t)
	}
	return out
}
