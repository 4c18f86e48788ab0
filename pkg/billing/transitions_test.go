package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTierChange(t *testing.T) {
	change, ok := ClassifyTierChange(TierBasic, TierPro)
	assert.True(t, ok)
	assert.Equal(t, ChangeUpgrade, change)

	change, ok = ClassifyTierChange(TierPro, TierBasic)
	assert.True(t, ok)
	assert.Equal(t, ChangeDowngrade, change)

	_, ok = ClassifyTierChange(TierPro, TierPro)
	assert.False(t, ok)

	change, _ = ClassifyTierChange(TierFree, TierVIP)
	assert.Equal(t, ChangeUpgrade, change)
}

func TestDetectTransitions(t *testing.T) {
	t.Run("no change", func(t *testing.T) {
		got := DetectTransitions(
			Snapshot{Tier: TierPro, Status: StatusActive},
			Snapshot{Tier: TierPro, Status: StatusActive},
		)
		assert.Empty(t, got)
	})

	t.Run("upgrade", func(t *testing.T) {
		got := DetectTransitions(
			Snapshot{Tier: TierBasic, Status: StatusActive},
			Snapshot{Tier: TierPro, Status: StatusActive},
		)
		require.Len(t, got, 1)
		assert.Equal(t, EventTierChanged, got[0].Name)
		assert.Equal(t, "upgrade", got[0].Metadata["changeType"])
		assert.Equal(t, "basic", got[0].Metadata["previousTier"])
		assert.Equal(t, "pro", got[0].Metadata["nextTier"])
	})

	t.Run("downgrade", func(t *testing.T) {
		got := DetectTransitions(
			Snapshot{Tier: TierPro, Status: StatusActive},
			Snapshot{Tier: TierBasic, Status: StatusActive},
		)
		require.Len(t, got, 1)
		assert.Equal(t, "downgrade", got[0].Metadata["changeType"])
	})

	t.Run("trial converted", func(t *testing.T) {
		got := DetectTransitions(
			Snapshot{Tier: TierPro, Status: StatusTrialing},
			Snapshot{Tier: TierPro, Status: StatusActive},
		)
		require.Len(t, got, 1)
		assert.Equal(t, EventTrialConverted, got[0].Name)
	})

	t.Run("tier change and conversion together", func(t *testing.T) {
		got := DetectTransitions(
			Snapshot{Tier: TierBasic, Status: StatusTrialing},
			Snapshot{Tier: TierVIP, Status: StatusActive},
		)
		require.Len(t, got, 2)
		assert.Equal(t, EventTierChanged, got[0].Name)
		assert.Equal(t, EventTrialConverted, got[1].Name)
	})

	t.Run("implicit creation from nothing", func(t *testing.T) {
		got := DetectTransitions(SnapshotOf(nil, nil), Snapshot{Tier: TierBasic, Status: StatusActive})
		require.Len(t, got, 1)
		assert.Equal(t, "free", got[0].Metadata["previousTier"])
	})
}

func TestTransition_EventCopiesMetadata(t *testing.T) {
	tr := Transition{Name: EventTrialConverted, Metadata: map[string]interface{}{"tier": "pro"}}
	ev := tr.Event("user-1", refNow)
	ev.Metadata["tier"] = "vip"

	assert.Equal(t, "pro", tr.Metadata["tier"])
	assert.Equal(t, "user-1", ev.UserID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, refNow, ev.OccurredAt)
}
