package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/domain"
)

func input(status domain.ChipStatus, phase domain.WarmupPhase, score int) Input {
	return Input{
		Chip:   &domain.Chip{ID: "a1", Status: status, WarmupPhase: phase, TrustScore: score},
		Config: domain.DefaultPoolConfig(),
		Counts: map[domain.ChipStatus]int{},
	}
}

func guardOf(t *testing.T, err error) string {
	t.Helper()
	var c *domain.ConflictError
	require.ErrorAs(t, err, &c)
	return c.Guard
}

func TestPromoteAdvancesPhase(t *testing.T) {
	plan, err := Evaluate(ActPromote, input(domain.ChipWarming, domain.PhaseExpansao, 72))
	require.NoError(t, err)
	assert.Equal(t, domain.ChipWarming, plan.To)
	assert.Equal(t, domain.PhasePreOperacao, plan.ToPhase)
}

func TestPromoteRejections(t *testing.T) {
	_, err := Evaluate(ActPromote, input(domain.ChipWarming, domain.PhaseOperacao, 65))
	assert.Equal(t, "phase", guardOf(t, err))

	_, err = Evaluate(ActPromote, input(domain.ChipWarming, domain.PhaseSetup, 69))
	assert.Equal(t, "min_trust_for_promotion", guardOf(t, err))

	_, err = Evaluate(ActPromote, input(domain.ChipActive, domain.PhaseSetup, 90))
	assert.Equal(t, "status", guardOf(t, err))
	var c *domain.ConflictError
	require.ErrorAs(t, err, &c)
	assert.Equal(t, "promote", c.Action)
}

func TestPromoteIntoOperacaoRespectsActiveCapacity(t *testing.T) {
	in := input(domain.ChipWarming, domain.PhaseTesteGraduacao, 80)
	plan, err := Evaluate(ActPromote, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChipActive, plan.To)
	assert.Equal(t, domain.PhaseOperacao, plan.ToPhase)

	in.Counts[domain.ChipActive] = in.Config.MaxChipsActive
	plan, err = Evaluate(ActPromote, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChipReady, plan.To)
}

func TestReactivateNeedsReason(t *testing.T) {
	for _, status := range []domain.ChipStatus{domain.ChipBanned, domain.ChipCancelled, domain.ChipActive} {
		in := input(status, domain.PhaseOperacao, 50)
		_, err := Evaluate(ActReactivate, in)
		assert.True(t, domain.IsValidation(err), status)
	}
	in := input(domain.ChipBanned, domain.PhaseOperacao, 50)
	in.Reason = "appeal accepted"
	plan, err := Evaluate(ActReactivate, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChipPending, plan.To)

	in = input(domain.ChipActive, domain.PhaseOperacao, 50)
	in.Reason = "why not"
	_, err = Evaluate(ActReactivate, in)
	assert.Equal(t, "status", guardOf(t, err))
}

func TestPauseExclusions(t *testing.T) {
	for _, s := range []domain.ChipStatus{domain.ChipPaused, domain.ChipBanned, domain.ChipCancelled, domain.ChipPending, domain.ChipProvisioned} {
		_, err := Evaluate(ActPause, input(s, domain.PhaseRepouso, 50))
		assert.True(t, domain.IsConflict(err), s)
	}
	for _, s := range []domain.ChipStatus{domain.ChipWarming, domain.ChipReady, domain.ChipActive, domain.ChipDegraded, domain.ChipOffline} {
		plan, err := Evaluate(ActPause, input(s, domain.PhaseRepouso, 50))
		require.NoError(t, err, s)
		assert.Equal(t, domain.ChipPaused, plan.To)
	}
}

func TestResumeAndConnectRestorePrevious(t *testing.T) {
	in := input(domain.ChipPaused, domain.PhaseOperacao, 50)
	in.Chip.PreviousStatus = domain.ChipActive
	plan, err := Evaluate(ActResume, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChipActive, plan.To)

	in.Counts[domain.ChipActive] = in.Config.MaxChipsActive
	_, err = Evaluate(ActResume, in)
	assert.Equal(t, "max_chips_active", guardOf(t, err))

	in = input(domain.ChipOffline, domain.PhaseExpansao, 50)
	in.Chip.PreviousStatus = domain.ChipWarming
	plan, err = Evaluate(ActConnect, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChipWarming, plan.To)
	assert.Equal(t, domain.PhaseExpansao, plan.ToPhase)

	in = input(domain.ChipPending, domain.PhaseExpansao, 50)
	plan, err = Evaluate(ActConnect, in)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRepouso, plan.ToPhase)

	in.Counts[domain.ChipWarming] = in.Config.MaxChipsWarming
	_, err = Evaluate(ActConnect, in)
	assert.Equal(t, "max_chips_warming", guardOf(t, err))
}

func TestIdempotentSignals(t *testing.T) {
	plan, err := Evaluate(ActBan, input(domain.ChipBanned, domain.PhaseRepouso, 10))
	require.NoError(t, err)
	assert.True(t, plan.Noop)

	plan, err = Evaluate(ActDisconnect, input(domain.ChipOffline, domain.PhaseRepouso, 10))
	require.NoError(t, err)
	assert.True(t, plan.Noop)

	_, err = Evaluate(ActDisconnect, input(domain.ChipPaused, domain.PhaseRepouso, 10))
	assert.True(t, domain.IsConflict(err))

	plan, err = Evaluate(ActBan, input(domain.ChipPaused, domain.PhaseRepouso, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.ChipBanned, plan.To)
}

func TestDegradeGuard(t *testing.T) {
	in := input(domain.ChipActive, domain.PhaseOperacao, 30)
	in.Chip.CriticalDrops = 1
	_, err := Evaluate(ActDegrade, in)
	assert.Equal(t, "collapse_crossings", guardOf(t, err))

	in.Chip.CriticalDrops = 2
	plan, err := Evaluate(ActDegrade, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChipDegraded, plan.To)

	in.Config.AutoDemoteEnabled = false
	_, err = Evaluate(ActDegrade, in)
	assert.Equal(t, "auto_demote_enabled", guardOf(t, err))

	plan, err = Evaluate(ActRecover, input(domain.ChipDegraded, domain.PhaseOperacao, 30))
	require.NoError(t, err)
	assert.Equal(t, domain.ChipWarming, plan.To)
	assert.Equal(t, domain.PhasePreOperacao, plan.ToPhase)
}

func TestAvailableActions(t *testing.T) {
	avail := AvailableActions(input(domain.ChipWarming, domain.PhaseExpansao, 72))
	got := map[Action]bool{}
	for _, a := range avail {
		got[a.Action] = a.Allowed
		if !a.Allowed {
			assert.NotEmpty(t, a.Reason)
		}
	}
	assert.Len(t, avail, len(OperatorActions))
	assert.True(t, got[ActPromote])
	assert.True(t, got[ActPause])
	assert.True(t, got[ActCancel])
	assert.False(t, got[ActResume])
	assert.False(t, got[ActReactivate])

	avail = AvailableActions(input(domain.ChipBanned, domain.PhaseRepouso, 0))
	for _, a := range avail {
		assert.Equal(t, a.Action == ActReactivate || a.Action == ActCancel, a.Allowed, a.Action)
	}
}

func TestUnknownAction(t *testing.T) {
	_, err := Evaluate("explode", input(domain.ChipActive, domain.PhaseOperacao, 50))
	assert.True(t, domain.IsValidation(err))
}
