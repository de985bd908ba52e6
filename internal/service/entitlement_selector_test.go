package service

import (
	"context"
	"testing"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newSelector(t *testing.T, store *memory.Store, tb TieBreak) *EntitlementSelector {
	return NewEntitlementSelector(store.Entitlements(), tb, time.Second, zaptest.NewLogger(t))
}

func TestSelectEntitlement_MonthlyWins(t *testing.T) {
	store := memory.NewStore()
	from, until := monday.AddDate(0, -1, 0), monday.AddDate(0, 1, 0)

	seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), from, until.AddDate(0, 0, -10))
	monthly := seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil, from, until)

	got, err := newSelector(t, store, TieBreakSoonestExpiry).SelectEntitlement(context.Background(), "a", "s1", monday)
	require.NoError(t, err)
	assert.Equal(t, monthly.ID, got.ID)
}

func TestSelectEntitlement_TieBreaks(t *testing.T) {
	store := memory.NewStore()

	// early start, late expiry, many clips
	early := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(5),
		monday.AddDate(0, -2, 0), monday.AddDate(0, 2, 0))
	// late start, soon expiry, many clips
	soon := seedEntitlement(t, store, "a", "s1", model.EntitlementMultiPass, clips(4),
		monday.AddDate(0, 0, -7), monday.AddDate(0, 0, 7))
	// middle start, middle expiry, few clips
	few := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(1),
		monday.AddDate(0, -1, 0), monday.AddDate(0, 1, 0))

	tests := []struct {
		rule TieBreak
		want *model.Entitlement
	}{
		{TieBreakSoonestExpiry, soon},
		{TieBreakOldestFirst, early},
		{TieBreakFewestClips, few},
	}

	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			got, err := newSelector(t, store, tt.rule).SelectEntitlement(context.Background(), "a", "s1", monday)
			require.NoError(t, err)
			assert.Equal(t, tt.want.ID, got.ID)
		})
	}
}

func TestSelectEntitlement_NoneUsable(t *testing.T) {
	store := memory.NewStore()

	// expired
	seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3),
		monday.AddDate(0, -2, 0), monday.AddDate(0, 0, -1))
	// not started yet
	seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil,
		monday.AddDate(0, 0, 1), monday.AddDate(0, 1, 0))
	// used up
	seedEntitlement(t, store, "a", "s1", model.EntitlementMultiPass, clips(0),
		monday.AddDate(0, -1, 0), monday.AddDate(0, 1, 0))
	// other tenant
	seedEntitlement(t, store, "b", "s1", model.EntitlementMonthly, nil,
		monday.AddDate(0, -1, 0), monday.AddDate(0, 1, 0))
	// other user
	seedEntitlement(t, store, "a", "s2", model.EntitlementMonthly, nil,
		monday.AddDate(0, -1, 0), monday.AddDate(0, 1, 0))

	_, err := newSelector(t, store, TieBreakSoonestExpiry).SelectEntitlement(context.Background(), "a", "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSelectEntitlement_ValidityBoundsInclusive(t *testing.T) {
	store := memory.NewStore()
	ent := seedEntitlement(t, store, "a", "s1", model.EntitlementSingle, clips(1), monday, monday.Add(time.Hour))

	sel := newSelector(t, store, TieBreakSoonestExpiry)

	got, err := sel.SelectEntitlement(context.Background(), "a", "s1", monday.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ent.ID, got.ID)

	_, err = sel.SelectEntitlement(context.Background(), "a", "s1", monday.Add(time.Hour+time.Second))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSelectEntitlement_RejectsBlankTenant(t *testing.T) {
	_, err := newSelector(t, memory.NewStore(), "").SelectEntitlement(context.Background(), " ", "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, TieBreakSoonestExpiry, tb)

	tb, err = ParseTieBreak("fewest_clips")
	require.NoError(t, err)
	assert.Equal(t, TieBreakFewestClips, tb)

	_, err = ParseTieBreak("random")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
