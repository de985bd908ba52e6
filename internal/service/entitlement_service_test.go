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

func newEntitlementService(t *testing.T, store *memory.Store) *EntitlementService {
	svc := NewEntitlementService(store.Entitlements(), time.Second, zaptest.NewLogger(t))
	svc.now = func() time.Time { return monday }
	return svc
}

func TestGrantEntitlement_DefaultsPerKind(t *testing.T) {
	tests := []struct {
		kind  model.EntitlementKind
		clips int
		want  *int
	}{
		{model.EntitlementSingle, 0, clips(1)},
		{model.EntitlementSingle, 7, clips(1)},
		{model.EntitlementClipcard, 10, clips(10)},
		{model.EntitlementMultiPass, 4, clips(4)},
		{model.EntitlementMonthly, 0, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			store := memory.NewStore()
			ent, err := newEntitlementService(t, store).GrantEntitlement(context.Background(), GrantRequest{
				TenantID:   "a",
				UserID:     "s1",
				Kind:       tt.kind,
				Clips:      tt.clips,
				ValidUntil: monday.AddDate(0, 1, 0),
			})
			require.NoError(t, err)

			assert.Equal(t, tt.want, ent.RemainingClips)
			assert.Equal(t, monday, ent.Validity.Start)
			assert.True(t, ent.UsableAt(monday))
		})
	}
}

func TestGrantEntitlement_IdempotentByPayment(t *testing.T) {
	store := memory.NewStore()
	svc := newEntitlementService(t, store)

	req := GrantRequest{
		TenantID:   "a",
		UserID:     "s1",
		Kind:       model.EntitlementClipcard,
		Clips:      5,
		ValidUntil: monday.AddDate(0, 2, 0),
		PaymentID:  "pay_123",
	}

	first, err := svc.GrantEntitlement(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.GrantEntitlement(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := store.Entitlements().ListActiveByUser(context.Background(), "a", "s1", monday)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// same payment id in another tenant is a different purchase
	req.TenantID = "b"
	other, err := svc.GrantEntitlement(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestGrantEntitlement_RejectsInvalidRequests(t *testing.T) {
	base := GrantRequest{
		TenantID:   "a",
		UserID:     "s1",
		Kind:       model.EntitlementClipcard,
		Clips:      5,
		ValidUntil: monday.AddDate(0, 1, 0),
	}

	tests := []struct {
		name   string
		mutate func(r *GrantRequest)
	}{
		{"missing tenant", func(r *GrantRequest) { r.TenantID = "" }},
		{"missing user", func(r *GrantRequest) { r.UserID = "" }},
		{"unknown kind", func(r *GrantRequest) { r.Kind = "yearly" }},
		{"clipcard without clips", func(r *GrantRequest) { r.Clips = 0 }},
		{"negative clips", func(r *GrantRequest) { r.Clips = -1 }},
		{"missing expiry", func(r *GrantRequest) { r.ValidUntil = time.Time{} }},
		{"expires before start", func(r *GrantRequest) { r.ValidFrom = monday; r.ValidUntil = monday.Add(-time.Hour) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)

			_, err := newEntitlementService(t, memory.NewStore()).GrantEntitlement(context.Background(), req)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}
