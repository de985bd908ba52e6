package model

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultDuration длительность разового занятия, если она не указана
const DefaultDuration = 60 * time.Minute

// DateRange закрытый интервал времени [Start, End]
type DateRange struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}

// Contains проверяет что t попадает в интервал (границы включены)
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// ScheduleEntry одна строка недельного расписания класса
type ScheduleEntry struct {
	DayOfWeek int    `json:"day_of_week" validate:"min=0,max=6"` // 0 = Sunday, 6 = Saturday
	StartTime string `json:"start_time" validate:"required"`     // "HH:MM"
	EndTime   string `json:"end_time" validate:"required"`       // "HH:MM"
}

// Clock возвращает час и минуту начала и длительность занятия.
// Ошибка означает что строка расписания некорректна и её нужно пропустить.
func (e ScheduleEntry) Clock() (hour, minute int, duration time.Duration, err error) {
	if err := validate.Struct(e); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid schedule entry: %w", err)
	}

	start, err := time.Parse("15:04", e.StartTime)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse start time %q: %w", e.StartTime, err)
	}
	end, err := time.Parse("15:04", e.EndTime)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse end time %q: %w", e.EndTime, err)
	}
	if !end.After(start) {
		return 0, 0, 0, fmt.Errorf("end time %s must be after start time %s", e.EndTime, e.StartTime)
	}

	return start.Hour(), start.Minute(), end.Sub(start), nil
}

// Weekday день недели записи в формате time.Weekday
func (e ScheduleEntry) Weekday() time.Weekday {
	return time.Weekday(e.DayOfWeek)
}

// Class шаблон занятия: либо разовое, либо регулярное по недельному расписанию
type Class struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        string          `json:"tenant_id" validate:"required"`
	Name            string          `json:"name"`
	Capacity        int             `json:"capacity" validate:"gt=0"`
	IsRecurring     bool            `json:"is_recurring"`
	SingleDate      *time.Time      `json:"single_date,omitempty"`
	RecurringWindow *DateRange      `json:"recurring_window,omitempty"`
	WeeklySchedule  []ScheduleEntry `json:"weekly_schedule,omitempty"`
	DurationMinutes int             `json:"duration_minutes" validate:"gte=0"` // для разового занятия, 0 = DefaultDuration
	Timezone        string          `json:"timezone"`                           // IANA, пусто = UTC
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate проверяет инвариант "разовый либо регулярный, но не оба".
// Отдельные строки расписания здесь не разбираются: кривая строка не делает
// класс невалидным, генератор пропускает её с причиной.
func (c *Class) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid class: %w", err)
	}

	if c.IsRecurring {
		if c.SingleDate != nil {
			return fmt.Errorf("recurring class must not have a single date")
		}
		if c.RecurringWindow == nil {
			return fmt.Errorf("recurring class requires a recurring window")
		}
		if c.RecurringWindow.End.Before(c.RecurringWindow.Start) {
			return fmt.Errorf("recurring window ends before it starts")
		}
		if len(c.WeeklySchedule) == 0 {
			return fmt.Errorf("recurring class requires a weekly schedule")
		}
		return nil
	}

	if c.SingleDate == nil {
		return fmt.Errorf("single class requires a date")
	}
	if c.RecurringWindow != nil || len(c.WeeklySchedule) > 0 {
		return fmt.Errorf("single class must not have a recurring schedule")
	}
	return nil
}

// Duration длительность разового занятия
func (c *Class) Duration() time.Duration {
	if c.DurationMinutes <= 0 {
		return DefaultDuration
	}
	return time.Duration(c.DurationMinutes) * time.Minute
}

// Location возвращает часовой пояс класса
func (c *Class) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
