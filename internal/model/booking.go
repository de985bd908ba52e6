package model

import (
	"time"

	"github.com/google/uuid"
)

// Booking запись студента на занятие, хранится внутри ClassInstance
type Booking struct {
	StudentID       string          `json:"student_id"`
	EntitlementID   uuid.UUID       `json:"entitlement_id"`
	EntitlementKind EntitlementKind `json:"entitlement_kind"`
	BookedAt        time.Time       `json:"booked_at"`
	AttemptID       uuid.UUID       `json:"attempt_id"` // один на вызов записи, не меняется между повторами
}
