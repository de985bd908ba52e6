package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newBookingService(t *testing.T, instances InstanceStore, entitlements EntitlementStore, opts ...BookingOption) *BookingService {
	logger := zaptest.NewLogger(t)
	selector := NewEntitlementSelector(entitlements, TieBreakSoonestExpiry, time.Second, logger)
	opts = append([]BookingOption{WithBookingRetries(5, time.Millisecond)}, opts...)
	return NewBookingService(instances, entitlements, selector, logger, opts...)
}

func validFrom() time.Time  { return monday.AddDate(0, -1, 0) }
func validUntil() time.Time { return monday.AddDate(0, 1, 0) }

func TestBookInstance_Success(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 2)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())

	pub := &recordingPublisher{}
	svc := newBookingService(t, store.Instances(), store.Entitlements(), WithEventPublisher(pub))

	res, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	require.NoError(t, err)

	assert.Equal(t, 1, res.RemainingCapacity)
	assert.Equal(t, card.ID, res.Booking.EntitlementID)
	assert.Equal(t, model.EntitlementClipcard, res.Booking.EntitlementKind)
	assert.Equal(t, 2, res.Entitlement.Clips())

	stored := loadInstance(t, store, inst)
	assert.True(t, stored.HasBooking("s1"))
	assert.Equal(t, 1, stored.RemainingCapacity)
	assert.True(t, stored.CapacityConsistent())
	assert.Equal(t, 2, remainingClips(t, store, card))

	assert.Equal(t, []string{BookingCreatedKey}, pub.keys)
}

func TestBookInstance_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, store *memory.Store) uuid.UUID
		want  error
		kind  apperrors.Kind
	}{
		{
			name: "unknown instance",
			setup: func(t *testing.T, store *memory.Store) uuid.UUID {
				seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil, validFrom(), validUntil())
				return uuid.New()
			},
			want: apperrors.ErrNotFound,
			kind: apperrors.KindNotFound,
		},
		{
			name: "cancelled before full",
			setup: func(t *testing.T, store *memory.Store) uuid.UUID {
				inst := seedInstance(t, store, "a", 1)
				cur := loadInstance(t, store, inst)
				next := cur.WithBooking(model.Booking{StudentID: "other"})
				next.IsCancelled = true
				require.NoError(t, store.Instances().UpdateIfRevision(context.Background(), next, cur.Revision))
				seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil, validFrom(), validUntil())
				return inst.ID
			},
			want: apperrors.ErrClassCancelled,
			kind: apperrors.KindClassCancelled,
		},
		{
			name: "full",
			setup: func(t *testing.T, store *memory.Store) uuid.UUID {
				inst := seedInstance(t, store, "a", 1)
				cur := loadInstance(t, store, inst)
				require.NoError(t, store.Instances().UpdateIfRevision(context.Background(),
					cur.WithBooking(model.Booking{StudentID: "other"}), cur.Revision))
				seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil, validFrom(), validUntil())
				return inst.ID
			},
			want: apperrors.ErrClassFull,
			kind: apperrors.KindClassFull,
		},
		{
			name: "already booked",
			setup: func(t *testing.T, store *memory.Store) uuid.UUID {
				inst := seedInstance(t, store, "a", 3)
				cur := loadInstance(t, store, inst)
				require.NoError(t, store.Instances().UpdateIfRevision(context.Background(),
					cur.WithBooking(model.Booking{StudentID: "s1"}), cur.Revision))
				seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil, validFrom(), validUntil())
				return inst.ID
			},
			want: apperrors.ErrAlreadyBooked,
			kind: apperrors.KindAlreadyBooked,
		},
		{
			name: "no entitlement",
			setup: func(t *testing.T, store *memory.Store) uuid.UUID {
				return seedInstance(t, store, "a", 3).ID
			},
			want: apperrors.ErrNoValidEntitlement,
			kind: apperrors.KindNoValidEntitlement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			id := tt.setup(t, store)

			svc := newBookingService(t, store.Instances(), store.Entitlements())
			res, err := svc.BookInstance(context.Background(), "a", id, "s1", monday)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)

			var be *apperrors.BookingError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.kind, be.Kind)
			assert.False(t, be.Retryable())
		})
	}
}

func TestBookInstance_ConcurrentLastSeat(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 1)

	const students = 8
	for i := range students {
		seedEntitlement(t, store, "a", fmt.Sprintf("s%d", i), model.EntitlementClipcard, clips(1), validFrom(), validUntil())
	}

	svc := newBookingService(t, store.Instances(), store.Entitlements(), WithBookingRetries(20, time.Millisecond))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		booked  int
		full    int
		unknown []error
	)
	for i := range students {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.BookInstance(context.Background(), "a", inst.ID, fmt.Sprintf("s%d", i), monday)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case errors.Is(err, apperrors.ErrClassFull):
				full++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 1, booked)
	assert.Equal(t, students-1, full)

	stored := loadInstance(t, store, inst)
	assert.Len(t, stored.Bookings, 1)
	assert.Equal(t, 0, stored.RemainingCapacity)
	assert.True(t, stored.CapacityConsistent())
}

func TestBookInstance_MonthlyDoesNotDebitClipcard(t *testing.T) {
	store := memory.NewStore()
	first := seedInstance(t, store, "a", 5)
	second := seedInstance(t, store, "a", 5)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())
	seedEntitlement(t, store, "a", "s1", model.EntitlementMonthly, nil, validFrom(), validUntil())

	svc := newBookingService(t, store.Instances(), store.Entitlements())

	for _, inst := range []*model.ClassInstance{first, second} {
		res, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
		require.NoError(t, err)
		assert.Equal(t, model.EntitlementMonthly, res.Booking.EntitlementKind)
		assert.Nil(t, res.Entitlement.RemainingClips)
	}

	assert.Equal(t, 3, remainingClips(t, store, card))
}

func TestBookInstance_SingleClipIsConsumed(t *testing.T) {
	store := memory.NewStore()
	first := seedInstance(t, store, "a", 5)
	second := seedInstance(t, store, "a", 5)
	single := seedEntitlement(t, store, "a", "s1", model.EntitlementSingle, clips(1), validFrom(), validUntil())

	svc := newBookingService(t, store.Instances(), store.Entitlements())

	res, err := svc.BookInstance(context.Background(), "a", first.ID, "s1", monday)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Entitlement.Clips())
	assert.Equal(t, 0, remainingClips(t, store, single))

	_, err = svc.BookInstance(context.Background(), "a", second.ID, "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrNoValidEntitlement)
	assert.False(t, loadInstance(t, store, second).HasBooking("s1"))
}

func TestBookInstance_TenantIsolation(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 5)
	seedEntitlement(t, store, "b", "s1", model.EntitlementMonthly, nil, validFrom(), validUntil())

	svc := newBookingService(t, store.Instances(), store.Entitlements())

	_, err := svc.BookInstance(context.Background(), "b", inst.ID, "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// entitlement from tenant b is invisible to tenant a
	_, err = svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrNoValidEntitlement)

	_, err = svc.BookInstance(context.Background(), "", inst.ID, "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBookInstance_BlankStudent(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 5)

	svc := newBookingService(t, store.Instances(), store.Entitlements())

	_, err := svc.BookInstance(context.Background(), "a", inst.ID, "", monday)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Empty(t, loadInstance(t, store, inst).Bookings)
}

// failingDebit fails every clip debit with a transport error
type failingDebit struct {
	EntitlementStore
	calls int
	mu    sync.Mutex
}

func (f *failingDebit) DebitClip(context.Context, string, uuid.UUID, int64, uuid.UUID) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("connection reset")
}

func TestBookInstance_CompensatesFailedDebit(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 2)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())

	debit := &failingDebit{EntitlementStore: store.Entitlements()}
	svc := newBookingService(t, store.Instances(), debit, WithBookingRetries(2, time.Millisecond))

	_, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	var be *apperrors.BookingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, apperrors.KindStoreUnavailable, be.Kind)
	assert.True(t, be.Retryable())

	assert.Equal(t, 3, debit.calls)

	stored := loadInstance(t, store, inst)
	assert.Empty(t, stored.Bookings)
	assert.Equal(t, 2, stored.RemainingCapacity)
	assert.Equal(t, 3, remainingClips(t, store, card))
}

// conflictingInstances never accepts a write
type conflictingInstances struct {
	InstanceStore
}

func (conflictingInstances) UpdateIfRevision(context.Context, *model.ClassInstance, int64) error {
	return fmt.Errorf("update class instance: %w", apperrors.ErrConflict)
}

func TestBookInstance_RetryBudgetExhausted(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 2)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())

	svc := newBookingService(t, conflictingInstances{store.Instances()}, store.Entitlements(),
		WithBookingRetries(3, time.Millisecond))

	_, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, apperrors.KindConcurrencyConflict, apperrors.KindOf(err))
	assert.Equal(t, 3, remainingClips(t, store, card))
}

func TestBookInstance_ClipDebitRace(t *testing.T) {
	store := memory.NewStore()
	first := seedInstance(t, store, "a", 5)
	second := seedInstance(t, store, "a", 5)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementMultiPass, clips(1), validFrom(), validUntil())

	svc := newBookingService(t, store.Instances(), store.Entitlements())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, inst := range []*model.ClassInstance{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrNoValidEntitlement)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, remainingClips(t, store, card))

	total := len(loadInstance(t, store, first).Bookings) + len(loadInstance(t, store, second).Bookings)
	assert.Equal(t, 1, total)
}

// lostAckInstances applies the first instance write and then reports a timeout
type lostAckInstances struct {
	InstanceStore
	once   sync.Once
	onLost func()
}

func (l *lostAckInstances) UpdateIfRevision(ctx context.Context, inst *model.ClassInstance, expected int64) error {
	if err := l.InstanceStore.UpdateIfRevision(ctx, inst, expected); err != nil {
		return err
	}

	lost := false
	l.once.Do(func() { lost = true })
	if !lost {
		return nil
	}
	if l.onLost != nil {
		l.onLost()
	}
	return context.DeadlineExceeded
}

// lostAckDebit applies the first clip debit and then reports a timeout.
// The next rereadFailures entitlement reads after that fail as well.
type lostAckDebit struct {
	EntitlementStore
	mu             sync.Mutex
	debits         int
	rereadFailures int
}

func (l *lostAckDebit) DebitClip(ctx context.Context, tenantID string, id uuid.UUID, expected int64, attemptID uuid.UUID) error {
	if err := l.EntitlementStore.DebitClip(ctx, tenantID, id, expected, attemptID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.debits++
	if l.debits == 1 {
		return context.DeadlineExceeded
	}
	return nil
}

func (l *lostAckDebit) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Entitlement, error) {
	l.mu.Lock()
	fail := l.debits > 0 && l.rereadFailures > 0
	if fail {
		l.rereadFailures--
	}
	l.mu.Unlock()

	if fail {
		return nil, errors.New("connection reset")
	}
	return l.EntitlementStore.GetByID(ctx, tenantID, id)
}

// assertPaidBookings checks that every stored booking cost exactly one clip
func assertPaidBookings(t *testing.T, store *memory.Store, inst *model.ClassInstance, card *model.Entitlement, clipsBefore int) *model.ClassInstance {
	t.Helper()

	stored := loadInstance(t, store, inst)
	assert.Equal(t, stored.Capacity-len(stored.Bookings), stored.RemainingCapacity)
	assert.True(t, stored.CapacityConsistent())
	assert.Equal(t, clipsBefore-len(stored.Bookings), remainingClips(t, store, card))
	return stored
}

func TestBookInstance_InstanceWriteAckLost(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 5)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())

	pub := &recordingPublisher{}
	instances := &lostAckInstances{InstanceStore: store.Instances()}
	svc := newBookingService(t, instances, store.Entitlements(), WithEventPublisher(pub))

	res, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RemainingCapacity)
	assert.Equal(t, 2, res.Entitlement.Clips())
	assert.NotEqual(t, uuid.Nil, res.Booking.AttemptID)

	stored := assertPaidBookings(t, store, inst, card, 3)
	require.Len(t, stored.Bookings, 1)
	assert.Equal(t, res.Booking.AttemptID, stored.Bookings[0].AttemptID)
	assert.Equal(t, []string{BookingCreatedKey}, pub.keys)
}

func TestBookInstance_DebitAckLost(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 5)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())

	debit := &lostAckDebit{EntitlementStore: store.Entitlements()}
	svc := newBookingService(t, store.Instances(), debit)

	res, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entitlement.Clips())
	assert.True(t, res.Entitlement.HasDebit(res.Booking.AttemptID))

	stored := assertPaidBookings(t, store, inst, card, 3)
	assert.Len(t, stored.Bookings, 1)
	assert.Equal(t, 1, debit.debits)
}

func TestBookInstance_DebitOutcomeResolvedOnRetry(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 5)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementClipcard, clips(3), validFrom(), validUntil())

	// the debit lands, its ack is lost and the first re-read fails too
	debit := &lostAckDebit{EntitlementStore: store.Entitlements(), rereadFailures: 1}
	svc := newBookingService(t, store.Instances(), debit)

	res, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RemainingCapacity)
	assert.Equal(t, 2, res.Entitlement.Clips())

	stored := assertPaidBookings(t, store, inst, card, 3)
	assert.Len(t, stored.Bookings, 1)
	assert.Equal(t, 1, debit.debits)
	assert.Zero(t, debit.rereadFailures)
}

func TestBookInstance_ReconcileRevertsWhenClipIsGone(t *testing.T) {
	store := memory.NewStore()
	inst := seedInstance(t, store, "a", 5)
	card := seedEntitlement(t, store, "a", "s1", model.EntitlementSingle, clips(1), validFrom(), validUntil())

	// another booking spends the only clip while the instance write ack is in flight
	instances := &lostAckInstances{
		InstanceStore: store.Instances(),
		onLost: func() {
			require.NoError(t, store.Entitlements().DebitClip(context.Background(), "a", card.ID, 0, uuid.New()))
		},
	}
	svc := newBookingService(t, instances, store.Entitlements())

	_, err := svc.BookInstance(context.Background(), "a", inst.ID, "s1", monday)
	assert.ErrorIs(t, err, apperrors.ErrNoValidEntitlement)

	stored := loadInstance(t, store, inst)
	assert.Empty(t, stored.Bookings)
	assert.Equal(t, 5, stored.RemainingCapacity)
	assert.Equal(t, 0, remainingClips(t, store, card))
}
