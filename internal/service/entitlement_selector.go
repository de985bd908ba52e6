package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/tenant"
	"go.uber.org/zap"
)

// TieBreak правило выбора между несколькими подходящими абонементами
type TieBreak string

const (
	TieBreakSoonestExpiry TieBreak = "soonest_expiry" // сначала тот, что скоро сгорит
	TieBreakOldestFirst   TieBreak = "oldest_first"   // сначала самый ранний по началу действия
	TieBreakFewestClips   TieBreak = "fewest_clips"   // сначала тот, где осталось меньше занятий
)

// ParseTieBreak разбирает правило из конфигурации
func ParseTieBreak(s string) (TieBreak, error) {
	switch tb := TieBreak(s); tb {
	case TieBreakSoonestExpiry, TieBreakOldestFirst, TieBreakFewestClips:
		return tb, nil
	case "":
		return TieBreakSoonestExpiry, nil
	default:
		return "", fmt.Errorf("unknown entitlement tie-break %q: %w", s, apperrors.ErrInvalidInput)
	}
}

type EntitlementSelector struct {
	entitlements EntitlementStore
	tieBreak     TieBreak
	storeTimeout time.Duration
	logger       *zap.Logger
}

func NewEntitlementSelector(
	entitlements EntitlementStore,
	tieBreak TieBreak,
	storeTimeout time.Duration,
	logger *zap.Logger,
) *EntitlementSelector {
	if tieBreak == "" {
		tieBreak = TieBreakSoonestExpiry
	}
	return &EntitlementSelector{
		entitlements: entitlements,
		tieBreak:     tieBreak,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// SelectEntitlement выбирает абонемент, которым будет оплачена новая запись.
// Безлимитный monthly всегда в приоритете; среди абонементов с занятиями
// выбор определяется правилом tieBreak. apperrors.ErrNotFound означает
// что пользователю нужно купить абонемент.
func (s *EntitlementSelector) SelectEntitlement(ctx context.Context, tenantID, userID string, now time.Time) (*model.Entitlement, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", apperrors.ErrInvalidInput)
	}

	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	list, err := s.entitlements.ListActiveByUser(callCtx, tenantID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}

	var unlimited, clipped []*model.Entitlement
	for _, e := range list {
		if e.UserID != userID || !tenant.Owns(tenantID, e.TenantID) {
			continue
		}
		if !e.UsableAt(now) {
			continue
		}
		if e.Kind.Unlimited() {
			unlimited = append(unlimited, e)
		} else {
			clipped = append(clipped, e)
		}
	}

	if len(unlimited) > 0 {
		s.order(unlimited, TieBreakSoonestExpiry)
		return unlimited[0], nil
	}
	if len(clipped) > 0 {
		s.order(clipped, s.tieBreak)
		return clipped[0], nil
	}

	s.logger.Debug("No usable entitlement",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Int("candidates", len(list)),
	)

	return nil, apperrors.ErrNotFound
}

// TieBreak возвращает текущее правило выбора
func (s *EntitlementSelector) TieBreak() TieBreak {
	return s.tieBreak
}

func (s *EntitlementSelector) order(list []*model.Entitlement, rule TieBreak) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch rule {
		case TieBreakOldestFirst:
			if !a.Validity.Start.Equal(b.Validity.Start) {
				return a.Validity.Start.Before(b.Validity.Start)
			}
		case TieBreakFewestClips:
			if a.Clips() != b.Clips() {
				return a.Clips() < b.Clips()
			}
		}
		if !a.Validity.End.Equal(b.Validity.End) {
			return a.Validity.End.Before(b.Validity.End)
		}
		return a.ID.String() < b.ID.String()
	})
}
