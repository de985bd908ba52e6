package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// 2026-05-04 is a Monday
var monday = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func clips(n int) *int { return &n }

func seedInstance(t *testing.T, store *memory.Store, tenantID string, capacity int) *model.ClassInstance {
	t.Helper()

	class := &model.Class{ID: uuid.New(), TenantID: tenantID, Capacity: capacity}
	inst := model.NewClassInstance(class, monday.Add(48*time.Hour), time.Hour)
	require.NoError(t, store.Instances().Create(context.Background(), inst))
	return inst
}

func seedEntitlement(t *testing.T, store *memory.Store, tenantID, userID string, kind model.EntitlementKind, remaining *int, from, until time.Time) *model.Entitlement {
	t.Helper()

	ent := &model.Entitlement{
		TenantID:       tenantID,
		UserID:         userID,
		Kind:           kind,
		RemainingClips: remaining,
		Validity:       model.DateRange{Start: from, End: until},
		IsActive:       true,
	}
	require.NoError(t, store.Entitlements().Create(context.Background(), ent))
	return ent
}

func remainingClips(t *testing.T, store *memory.Store, ent *model.Entitlement) int {
	t.Helper()

	got, err := store.Entitlements().GetByID(context.Background(), ent.TenantID, ent.ID)
	require.NoError(t, err)
	return got.Clips()
}

func loadInstance(t *testing.T, store *memory.Store, inst *model.ClassInstance) *model.ClassInstance {
	t.Helper()

	got, err := store.Instances().GetByID(context.Background(), inst.TenantID, inst.ID)
	require.NoError(t, err)
	return got
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []any
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, v)
	return nil
}
