package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/venue/internal/ledger"
	"github.com/xtrntr/venue/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AttemptMatch tries to execute an order against the best-priced compatible
// counter-order. It is an idempotent no-op when the order is no longer open,
// when the book holds no compatible counter-order, or when the only
// candidate's amount differs — a resting open order is the expected steady
// state, not an error.
func (s *Service) AttemptMatch(ctx context.Context, orderID int64) error {
	var trade *models.Trade

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		fresh, err := s.db.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if fresh.Status != models.StatusOpen {
			return nil
		}

		counter, err := s.db.FindCounterOrderForUpdate(ctx, tx, fresh)
		if err != nil {
			return err
		}
		if counter == nil {
			return nil
		}
		// The venue fills both sides completely in one trade; a candidate
		// with a different amount is not a match.
		if !ledger.SameQuantity(fresh.Amount, counter.Amount) {
			return nil
		}

		trade, err = s.executeTrade(ctx, tx, fresh, counter)
		return err
	})
	if err != nil {
		return fmt.Errorf("match attempt for order %d: %w", orderID, err)
	}
	if trade == nil {
		return nil
	}

	s.logger.Info("order matched",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("buy_order_id", trade.BuyOrderID),
		zap.Int64("sell_order_id", trade.SellOrderID),
		zap.String("symbol", trade.Symbol),
		zap.String("price", ledger.MoneyString(trade.Price)),
		zap.String("amount", ledger.QuantityString(trade.Amount)))

	s.notifyMatched(ctx, trade)
	return nil
}

// executeTrade settles a buy/sell pair. The executed price is always the
// sell order's limit, so a buyer who reserved against a higher limit gets
// the difference refunded.
func (s *Service) executeTrade(ctx context.Context, tx pgx.Tx, order, counter *models.Order) (*models.Trade, error) {
	buyOrder, sellOrder := order, counter
	if order.Side == models.SideSell {
		buyOrder, sellOrder = counter, order
	}

	amount := ledger.RoundQuantity(buyOrder.Amount)
	executedPrice := ledger.RoundMoney(sellOrder.Price)
	totalValue := ledger.Notional(amount, executedPrice)
	fee := ledger.Fee(totalValue)

	buyer, err := s.db.GetUserForUpdate(ctx, tx, buyOrder.UserID)
	if err != nil {
		return nil, err
	}
	seller, err := s.db.GetUserForUpdate(ctx, tx, sellOrder.UserID)
	if err != nil {
		return nil, err
	}

	buyerAsset, err := s.lockOrCreateAsset(ctx, tx, buyer.ID, buyOrder.Symbol)
	if err != nil {
		return nil, err
	}
	sellerAsset, err := s.lockOrCreateAsset(ctx, tx, seller.ID, sellOrder.Symbol)
	if err != nil {
		return nil, err
	}

	// The buyer reserved against their own limit plus the fee buffer; when
	// the maker's price is better, the excess goes back.
	refund := buyOrder.ReservedValue.Sub(totalValue).Sub(fee)
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	refund = ledger.RoundMoney(refund)

	if err := s.db.SetUserBalance(ctx, tx, buyer.ID, ledger.RoundMoney(buyer.Balance.Add(refund))); err != nil {
		return nil, err
	}
	if err := s.db.SetAssetAmounts(ctx, tx, buyerAsset.ID,
		ledger.RoundQuantity(buyerAsset.Amount.Add(amount)), buyerAsset.LockedAmount); err != nil {
		return nil, err
	}

	if err := s.db.SetUserBalance(ctx, tx, seller.ID, ledger.RoundMoney(seller.Balance.Add(totalValue))); err != nil {
		return nil, err
	}
	if err := s.db.SetAssetAmounts(ctx, tx, sellerAsset.ID,
		sellerAsset.Amount, ledger.RoundQuantity(sellerAsset.LockedAmount.Sub(amount))); err != nil {
		return nil, err
	}

	// Rewrite the buy order's reservation to the cash actually consumed.
	consumed := ledger.RoundMoney(totalValue.Add(fee))
	if err := s.db.FillOrder(ctx, tx, buyOrder.ID, &consumed); err != nil {
		return nil, err
	}
	if err := s.db.FillOrder(ctx, tx, sellOrder.ID, nil); err != nil {
		return nil, err
	}

	return s.db.CreateTrade(ctx, tx, &models.Trade{
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		Symbol:      order.Symbol,
		Price:       executedPrice,
		Amount:      amount,
		TotalValue:  totalValue,
		Fee:         fee,
	})
}

// lockOrCreateAsset locks the (user, symbol) asset row, creating an empty
// one first for a buyer who has never held the symbol.
func (s *Service) lockOrCreateAsset(ctx context.Context, tx pgx.Tx, userID int64, symbol string) (*models.Asset, error) {
	asset, err := s.db.GetAssetForUpdate(ctx, tx, userID, symbol)
	if err != nil {
		return nil, err
	}
	if asset != nil {
		return asset, nil
	}
	return s.db.CreateAsset(ctx, tx, userID, symbol, decimal.Zero, decimal.Zero)
}

// notifyMatched emits the post-trade event carrying both participants'
// wallet snapshots. It runs after commit and must never fail the trade:
// delivery problems are the transport's concern.
func (s *Service) notifyMatched(ctx context.Context, trade *models.Trade) {
	buyOrder, err := s.db.GetOrder(ctx, s.db.Pool, trade.BuyOrderID)
	if err != nil {
		s.logger.Warn("failed to load buy order for trade event", zap.Int64("trade_id", trade.ID), zap.Error(err))
		return
	}
	sellOrder, err := s.db.GetOrder(ctx, s.db.Pool, trade.SellOrderID)
	if err != nil {
		s.logger.Warn("failed to load sell order for trade event", zap.Int64("trade_id", trade.ID), zap.Error(err))
		return
	}

	profiles := make(map[int64]Profile, 2)
	for _, userID := range []int64{buyOrder.UserID, sellOrder.UserID} {
		profile, err := s.GetProfile(ctx, userID)
		if err != nil {
			s.logger.Warn("failed to load profile for trade event", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
		profiles[userID] = *profile
	}

	s.notifier.OrderMatched(ctx, TradeEvent{
		Trade:     *trade,
		BuyOrder:  *buyOrder,
		SellOrder: *sellOrder,
		Profiles:  profiles,
	})
}
