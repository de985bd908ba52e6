// Package memory provides an in-memory implementation of the class, instance
// and entitlement stores. It follows the same conditional-write rules as the
// Postgres repositories and is used for tests and ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/google/uuid"
)

type instanceKey struct {
	tenantID string
	classID  uuid.UUID
	startsAt int64
}

type paymentKey struct {
	tenantID  string
	paymentID string
}

// Store keeps every document in maps guarded by one mutex. Values are cloned
// on the way in and out so callers never share state with the store.
type Store struct {
	mu           sync.RWMutex
	classes      map[uuid.UUID]*model.Class
	instances    map[uuid.UUID]*model.ClassInstance
	instanceAt   map[instanceKey]uuid.UUID
	entitlements map[uuid.UUID]*model.Entitlement
	payments     map[paymentKey]uuid.UUID
	now          func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		classes:      make(map[uuid.UUID]*model.Class),
		instances:    make(map[uuid.UUID]*model.ClassInstance),
		instanceAt:   make(map[instanceKey]uuid.UUID),
		entitlements: make(map[uuid.UUID]*model.Entitlement),
		payments:     make(map[paymentKey]uuid.UUID),
		now:          time.Now,
	}
}

// Classes returns the class store view.
func (s *Store) Classes() *ClassStore { return &ClassStore{s} }

// Instances returns the occurrence store view.
func (s *Store) Instances() *InstanceStore { return &InstanceStore{s} }

// Entitlements returns the entitlement store view.
func (s *Store) Entitlements() *EntitlementStore { return &EntitlementStore{s} }

// ClassStore is the class side of Store.
type ClassStore struct{ s *Store }

func (c *ClassStore) Create(ctx context.Context, class *model.Class) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if class.ID == uuid.Nil {
		class.ID = uuid.New()
	}
	if _, ok := c.s.classes[class.ID]; ok {
		return fmt.Errorf("create class: %w", apperrors.ErrAlreadyExists)
	}
	now := c.s.now()
	class.CreatedAt, class.UpdatedAt = now, now

	stored := *class
	stored.WeeklySchedule = append([]model.ScheduleEntry(nil), class.WeeklySchedule...)
	c.s.classes[class.ID] = &stored
	return nil
}

func (c *ClassStore) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	class, ok := c.s.classes[id]
	if !ok || class.TenantID != tenantID {
		return nil, fmt.Errorf("get class by id: %w", apperrors.ErrNotFound)
	}
	out := *class
	out.WeeklySchedule = append([]model.ScheduleEntry(nil), class.WeeklySchedule...)
	return &out, nil
}

func (c *ClassStore) ListActive(ctx context.Context, tenantID string) ([]*model.Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	var out []*model.Class
	for _, class := range c.s.classes {
		if class.TenantID == tenantID && class.IsActive {
			cp := *class
			cp.WeeklySchedule = append([]model.ScheduleEntry(nil), class.WeeklySchedule...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *ClassStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, class := range c.s.classes {
		if !class.IsActive {
			continue
		}
		if _, ok := seen[class.TenantID]; ok {
			continue
		}
		seen[class.TenantID] = struct{}{}
		out = append(out, class.TenantID)
	}
	sort.Strings(out)
	return out, nil
}

// InstanceStore is the occurrence side of Store.
type InstanceStore struct{ s *Store }

func (i *InstanceStore) Create(ctx context.Context, inst *model.ClassInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	key := instanceKey{inst.TenantID, inst.ClassID, inst.StartsAt.UnixNano()}
	if _, ok := i.s.instanceAt[key]; ok {
		return fmt.Errorf("create class instance: %w", apperrors.ErrAlreadyExists)
	}
	if _, ok := i.s.instances[inst.ID]; ok {
		return fmt.Errorf("create class instance: %w", apperrors.ErrAlreadyExists)
	}

	now := i.s.now()
	inst.Revision = 0
	inst.CreatedAt, inst.UpdatedAt = now, now
	i.s.instances[inst.ID] = inst.Clone()
	i.s.instanceAt[key] = inst.ID
	return nil
}

func (i *InstanceStore) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.ClassInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.s.mu.RLock()
	defer i.s.mu.RUnlock()

	inst, ok := i.s.instances[id]
	if !ok || inst.TenantID != tenantID {
		return nil, fmt.Errorf("get class instance by id: %w", apperrors.ErrNotFound)
	}
	return inst.Clone(), nil
}

func (i *InstanceStore) ExistsAt(ctx context.Context, tenantID string, classID uuid.UUID, startsAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	i.s.mu.RLock()
	defer i.s.mu.RUnlock()

	_, ok := i.s.instanceAt[instanceKey{tenantID, classID, startsAt.UnixNano()}]
	return ok, nil
}

func (i *InstanceStore) UpdateIfRevision(ctx context.Context, inst *model.ClassInstance, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	current, ok := i.s.instances[inst.ID]
	if !ok || current.TenantID != inst.TenantID || current.Revision != expected {
		return fmt.Errorf("update class instance: %w", apperrors.ErrConflict)
	}

	next := current.Clone()
	next.Bookings = append([]model.Booking(nil), inst.Bookings...)
	next.RemainingCapacity = inst.RemainingCapacity
	next.IsCancelled = inst.IsCancelled
	next.Revision = expected + 1
	next.UpdatedAt = i.s.now()
	i.s.instances[inst.ID] = next

	inst.Revision = next.Revision
	return nil
}

func (i *InstanceStore) ListByClass(ctx context.Context, tenantID string, classID uuid.UUID, from, to time.Time) ([]*model.ClassInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.s.mu.RLock()
	defer i.s.mu.RUnlock()

	var out []*model.ClassInstance
	for _, inst := range i.s.instances {
		if inst.TenantID != tenantID || inst.ClassID != classID {
			continue
		}
		if inst.StartsAt.Before(from) || !inst.StartsAt.Before(to) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartsAt.Before(out[b].StartsAt) })
	return out, nil
}

// EntitlementStore is the entitlement side of Store.
type EntitlementStore struct{ s *Store }

func (e *EntitlementStore) Create(ctx context.Context, ent *model.Entitlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	if _, ok := e.s.entitlements[ent.ID]; ok {
		return fmt.Errorf("create entitlement: %w", apperrors.ErrAlreadyExists)
	}
	if ent.PaymentID != "" {
		key := paymentKey{ent.TenantID, ent.PaymentID}
		if _, ok := e.s.payments[key]; ok {
			return fmt.Errorf("create entitlement: %w", apperrors.ErrAlreadyExists)
		}
		e.s.payments[key] = ent.ID
	}

	now := e.s.now()
	ent.Revision = 0
	ent.CreatedAt, ent.UpdatedAt = now, now
	e.s.entitlements[ent.ID] = ent.Clone()
	return nil
}

func (e *EntitlementStore) GetByPaymentID(ctx context.Context, tenantID, paymentID string) (*model.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	id, ok := e.s.payments[paymentKey{tenantID, paymentID}]
	if !ok {
		return nil, fmt.Errorf("get entitlement by payment: %w", apperrors.ErrNotFound)
	}
	return e.s.entitlements[id].Clone(), nil
}

// GetByID returns the current entitlement state. The booking engine re-reads
// it when a debit outcome is unknown.
func (e *EntitlementStore) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	ent, ok := e.s.entitlements[id]
	if !ok || ent.TenantID != tenantID {
		return nil, fmt.Errorf("get entitlement by id: %w", apperrors.ErrNotFound)
	}
	return ent.Clone(), nil
}

func (e *EntitlementStore) ListActiveByUser(ctx context.Context, tenantID, userID string, now time.Time) ([]*model.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	var out []*model.Entitlement
	for _, ent := range e.s.entitlements {
		if ent.TenantID != tenantID || ent.UserID != userID {
			continue
		}
		if !ent.IsActive || !ent.Validity.Contains(now) {
			continue
		}
		out = append(out, ent.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Validity.End.Equal(out[b].Validity.End) {
			return out[a].Validity.End.Before(out[b].Validity.End)
		}
		return out[a].ID.String() < out[b].ID.String()
	})
	return out, nil
}

func (e *EntitlementStore) DebitClip(ctx context.Context, tenantID string, id uuid.UUID, expected int64, attemptID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	ent, ok := e.s.entitlements[id]
	if !ok || ent.TenantID != tenantID || ent.Revision != expected || !ent.IsActive || ent.Clips() <= 0 || ent.HasDebit(attemptID) {
		return fmt.Errorf("debit entitlement clip: %w", apperrors.ErrConflict)
	}

	next := ent.WithDebit(attemptID)
	next.UpdatedAt = e.s.now()
	e.s.entitlements[id] = next
	return nil
}
