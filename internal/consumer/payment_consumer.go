package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/service"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// PaymentCompletedKey routing key события об успешной оплате абонемента
const PaymentCompletedKey = "payment.completed"

// PaymentCompleted событие платёжного сервиса
type PaymentCompleted struct {
	Event   string `json:"event"`   // "payment.completed"
	Version int    `json:"version"` // 1
	Data    struct {
		PaymentID  string                `json:"payment_id"`
		TenantID   string                `json:"tenant_id"`
		UserID     string                `json:"user_id"`
		Kind       model.EntitlementKind `json:"kind"`
		Clips      int                   `json:"clips"`
		ValidFrom  time.Time             `json:"valid_from"`
		ValidUntil time.Time             `json:"valid_until"`
	} `json:"data"`
}

// Action что сделать с сообщением после обработки
type Action int

const (
	Ack     Action = iota
	Drop           // nack без возврата в очередь
	Requeue        // nack с возвратом в очередь
)

type Granter interface {
	GrantEntitlement(ctx context.Context, req service.GrantRequest) (*model.Entitlement, error)
}

type DeliverySource interface {
	Deliveries(ctx context.Context) (<-chan amqp.Delivery, error)
}

// PaymentConsumer выдаёт абонементы по событиям об оплате
type PaymentConsumer struct {
	grants Granter
	source DeliverySource
	logger *zap.Logger
}

func NewPaymentConsumer(grants Granter, source DeliverySource, logger *zap.Logger) *PaymentConsumer {
	return &PaymentConsumer{grants: grants, source: source, logger: logger}
}

// Run читает очередь до отмены ctx или закрытия канала
func (pc *PaymentConsumer) Run(ctx context.Context) error {
	msgs, err := pc.source.Deliveries(ctx)
	if err != nil {
		return err
	}

	pc.logger.Info("Payment consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				pc.logger.Warn("Payment deliveries channel closed")
				return nil
			}
			pc.settle(d, pc.Handle(ctx, d.RoutingKey, d.Body))
		}
	}
}

// Handle обрабатывает одно сообщение и решает, подтвердить ли его
func (pc *PaymentConsumer) Handle(ctx context.Context, routingKey string, body []byte) Action {
	if routingKey != PaymentCompletedKey {
		return Ack
	}

	var evt PaymentCompleted
	if err := json.Unmarshal(body, &evt); err != nil {
		pc.logger.Warn("Failed to unmarshal payment event", zap.Error(err))
		return Drop
	}
	if evt.Data.PaymentID == "" {
		pc.logger.Warn("Payment event without payment id, ignoring")
		return Ack
	}

	ent, err := pc.grants.GrantEntitlement(ctx, service.GrantRequest{
		TenantID:   evt.Data.TenantID,
		UserID:     evt.Data.UserID,
		Kind:       evt.Data.Kind,
		Clips:      evt.Data.Clips,
		ValidFrom:  evt.Data.ValidFrom,
		ValidUntil: evt.Data.ValidUntil,
		PaymentID:  evt.Data.PaymentID,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			pc.logger.Warn("Invalid payment event, ignoring",
				zap.String("payment_id", evt.Data.PaymentID),
				zap.Error(err),
			)
			return Ack
		}
		pc.logger.Error("Failed to grant entitlement, requeueing",
			zap.String("payment_id", evt.Data.PaymentID),
			zap.Error(err),
		)
		return Requeue
	}

	pc.logger.Debug("Payment processed",
		zap.String("payment_id", evt.Data.PaymentID),
		zap.String("entitlement_id", ent.ID.String()),
	)
	return Ack
}

func (pc *PaymentConsumer) settle(d amqp.Delivery, action Action) {
	var err error
	switch action {
	case Ack:
		err = d.Ack(false)
	case Drop:
		err = d.Nack(false, false)
	case Requeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		pc.logger.Warn("Failed to settle delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}
