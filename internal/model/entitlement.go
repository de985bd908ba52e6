package model

import (
	"time"

	"github.com/google/uuid"
)

type EntitlementKind string

const (
	EntitlementSingle    EntitlementKind = "single"
	EntitlementMultiPass EntitlementKind = "multi-pass"
	EntitlementClipcard  EntitlementKind = "clipcard"
	EntitlementMonthly   EntitlementKind = "monthly" // безлимит на период
)

// Valid проверяет что вид абонемента известен
func (k EntitlementKind) Valid() bool {
	switch k {
	case EntitlementSingle, EntitlementMultiPass, EntitlementClipcard, EntitlementMonthly:
		return true
	default:
		return false
	}
}

// Unlimited абонемент не списывает занятия
func (k EntitlementKind) Unlimited() bool {
	return k == EntitlementMonthly
}

// Entitlement купленный абонемент пользователя
type Entitlement struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id"`
	Kind           EntitlementKind `json:"kind"`
	RemainingClips *int            `json:"remaining_clips"` // nil для monthly
	Validity       DateRange       `json:"validity"`
	IsActive       bool            `json:"is_active"`
	PaymentID      string          `json:"payment_id"` // ключ идемпотентности от платёжного сервиса
	Revision       int64           `json:"revision"`
	DebitAttempts  []uuid.UUID     `json:"debit_attempts,omitempty"` // попытки записи, оплаченные абонементом
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clips возвращает остаток занятий, 0 если остаток не задан
func (e *Entitlement) Clips() int {
	if e.RemainingClips == nil {
		return 0
	}
	return *e.RemainingClips
}

// UsableAt проверяет что абонементом можно оплатить запись в момент now
func (e *Entitlement) UsableAt(now time.Time) bool {
	if !e.IsActive || !e.Kind.Valid() || !e.Validity.Contains(now) {
		return false
	}
	if e.Kind.Unlimited() {
		return true
	}
	return e.Clips() > 0
}

// HasDebit проверяет что занятие уже списано для попытки записи attemptID
func (e *Entitlement) HasDebit(attemptID uuid.UUID) bool {
	for _, id := range e.DebitAttempts {
		if id == attemptID {
			return true
		}
	}
	return false
}

// WithDebit возвращает копию после списания одного занятия попыткой attemptID
func (e *Entitlement) WithDebit(attemptID uuid.UUID) *Entitlement {
	next := e.Clone()
	clips := next.Clips() - 1
	next.RemainingClips = &clips
	next.DebitAttempts = append(next.DebitAttempts, attemptID)
	next.Revision++
	return next
}

// Clone глубокая копия
func (e *Entitlement) Clone() *Entitlement {
	c := *e
	if e.RemainingClips != nil {
		clips := *e.RemainingClips
		c.RemainingClips = &clips
	}
	if e.DebitAttempts != nil {
		c.DebitAttempts = make([]uuid.UUID, len(e.DebitAttempts))
		copy(c.DebitAttempts, e.DebitAttempts)
	}
	return &c
}
