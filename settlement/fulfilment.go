package settlement

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bidmart/bizerr"
	"bidmart/identity"
	"bidmart/ledger"
	"bidmart/models"
	"bidmart/store"
)

// orderTransitions 列出付款之後允許的訂單狀態變化
var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPendingPayment: {models.OrderStatusCancelled},
	models.OrderStatusPaid:           {models.OrderStatusProcessing, models.OrderStatusRefunded},
	models.OrderStatusProcessing:     {models.OrderStatusShipped, models.OrderStatusRefunded},
	models.OrderStatusShipped:        {models.OrderStatusDelivered},
	models.OrderStatusDelivered:      {models.OrderStatusCompleted},
}

// AdvanceOrder 由管理員推進訂單的出貨狀態，付款只能透過 PayOrder
// 轉為 Refunded 時會在同一個交易中把成交金額退回得標者的錢包
func (s *Service) AdvanceOrder(ctx context.Context, caller identity.Identity, orderID uuid.UUID, to models.OrderStatus) (*models.Order, error) {
	const op = "AdvanceOrder"
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	now := s.options.clock()
	var order *models.Order
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = store.LockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if !slices.Contains(orderTransitions[order.Status], to) {
			return bizerr.ErrInvalidTransition.WithMessage("order cannot move from %s to %s", order.Status, to)
		}
		if to == models.OrderStatusRefunded {
			if err := refund(tx, order, now); err != nil {
				return err
			}
		}
		err = tx.Model(order).Updates(map[string]any{
			"status":     to,
			"updated_at": now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to update order, id=%s, err=%w", op, orderID, err)
		}
		order.Status = to
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// refund 退款給得標者，呼叫端必須已經鎖定訂單
func refund(tx *gorm.DB, order *models.Order, now time.Time) error {
	applied, err := ledger.Applied(tx, models.WalletTransactionOrderRefund, order.ID.String())
	if err != nil {
		return err
	}
	if applied {
		return bizerr.ErrAlreadyApplied
	}
	winner, err := store.LockAccount(tx, order.WinnerID)
	if err != nil {
		return err
	}
	_, err = ledger.Credit(tx, winner, ledger.Posting{
		Amount:      order.FinalPrice,
		Type:        models.WalletTransactionOrderRefund,
		ReferenceID: order.ID.String(),
		Description: fmt.Sprintf("Refund for auction %s", order.AuctionID),
	}, now)
	return err
}
