package model

import (
	"time"

	"github.com/google/uuid"
)

// ClassInstance конкретное занятие в конкретное время, сгенерированное из Class
type ClassInstance struct {
	ID                uuid.UUID `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ClassID           uuid.UUID `json:"class_id"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
	Capacity          int       `json:"capacity"` // копируется из Class при генерации
	RemainingCapacity int       `json:"remaining_capacity"`
	IsCancelled       bool      `json:"is_cancelled"`
	Bookings          []Booking `json:"bookings"`
	Revision          int64     `json:"revision"` // токен оптимистичной блокировки
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewClassInstance создаёт пустое занятие с полной вместимостью
func NewClassInstance(class *Class, startsAt time.Time, duration time.Duration) *ClassInstance {
	return &ClassInstance{
		ID:                uuid.New(),
		TenantID:          class.TenantID,
		ClassID:           class.ID,
		StartsAt:          startsAt,
		EndsAt:            startsAt.Add(duration),
		Capacity:          class.Capacity,
		RemainingCapacity: class.Capacity,
		Bookings:          []Booking{},
	}
}

// HasBooking проверяет есть ли у студента запись на занятие
func (i *ClassInstance) HasBooking(studentID string) bool {
	for _, b := range i.Bookings {
		if b.StudentID == studentID {
			return true
		}
	}
	return false
}

// WithBooking возвращает копию занятия с добавленной записью.
// Оставшиеся места всегда пересчитываются из числа записей.
func (i *ClassInstance) WithBooking(b Booking) *ClassInstance {
	next := i.Clone()
	next.Bookings = append(next.Bookings, b)
	next.RemainingCapacity = next.Capacity - len(next.Bookings)
	return next
}

// BookingOf возвращает копию записи студента или nil
func (i *ClassInstance) BookingOf(studentID string) *Booking {
	for _, b := range i.Bookings {
		if b.StudentID == studentID {
			return &b
		}
	}
	return nil
}

// WithoutBooking возвращает копию занятия без записи студента
func (i *ClassInstance) WithoutBooking(studentID string) *ClassInstance {
	next := i.Clone()
	kept := make([]Booking, 0, len(next.Bookings))
	for _, b := range next.Bookings {
		if b.StudentID != studentID {
			kept = append(kept, b)
		}
	}
	next.Bookings = kept
	next.RemainingCapacity = next.Capacity - len(next.Bookings)
	return next
}

// Clone глубокая копия, записи не разделяются между копиями
func (i *ClassInstance) Clone() *ClassInstance {
	c := *i
	c.Bookings = make([]Booking, len(i.Bookings))
	copy(c.Bookings, i.Bookings)
	return &c
}

// CapacityConsistent проверяет инвариант вместимости
func (i *ClassInstance) CapacityConsistent() bool {
	return i.RemainingCapacity == i.Capacity-len(i.Bookings) &&
		i.RemainingCapacity >= 0 &&
		i.RemainingCapacity <= i.Capacity
}
