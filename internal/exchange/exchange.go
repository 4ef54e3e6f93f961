// Package exchange implements the order lifecycle: placement with fund and
// asset reservation, matching with ledger settlement, and cancellation with
// reservation release. Every mutation of users, assets and orders happens
// inside a transaction that locks each row FOR UPDATE before re-reading it,
// so concurrent match and cancel attempts serialize on the order row.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/venue/internal/db"
	"github.com/xtrntr/venue/internal/ledger"
	"github.com/xtrntr/venue/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientFunds rejects a buy order the user's balance cannot cover.
	ErrInsufficientFunds = errors.New("insufficient USD balance")
	// ErrNoHoldings rejects a sell order for a symbol the user has never held.
	ErrNoHoldings = errors.New("no holdings for this symbol")
	// ErrInsufficientAsset rejects a sell order exceeding the user's free quantity.
	ErrInsufficientAsset = errors.New("insufficient asset balance")
	// ErrNotCancellable rejects cancellation of a filled or cancelled order.
	ErrNotCancellable = errors.New("only open orders may be cancelled")
	// ErrNotFound reports an unknown order, user or asset identity.
	ErrNotFound = errors.New("not found")
)

// Service coordinates order placement, matching and cancellation.
type Service struct {
	db       *db.DB
	notifier Notifier
	logger   *zap.Logger
}

// NewService creates the order service. notifier receives one event per
// executed trade, after the settlement transaction commits.
func NewService(database *db.DB, notifier Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{db: database, notifier: notifier, logger: logger}
}

// PlaceRequest describes a new limit order.
type PlaceRequest struct {
	Symbol string
	Side   models.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Place validates and reserves resources for a new order, persists it OPEN,
// then attempts to match it. Reservation and matching are two separate
// transactions: a failure between them leaves an open, correctly reserved
// order that a later match or cancellation resolves.
func (s *Service) Place(ctx context.Context, userID int64, req PlaceRequest) (*models.Order, error) {
	symbol := strings.ToUpper(req.Symbol)

	var order *models.Order
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		amount := ledger.RoundQuantity(req.Amount)
		price := ledger.RoundMoney(req.Price)
		limitValue := ledger.Notional(amount, price)

		var err error
		if req.Side == models.SideBuy {
			order, err = s.placeBuyOrder(ctx, tx, userID, symbol, price, amount, limitValue)
		} else {
			order, err = s.placeSellOrder(ctx, tx, userID, symbol, price, amount)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.AttemptMatch(ctx, order.ID); err != nil {
		return nil, err
	}

	return s.db.GetOrder(ctx, s.db.Pool, order.ID)
}

func (s *Service) placeBuyOrder(ctx context.Context, tx pgx.Tx, userID int64, symbol string, price, amount, limitValue decimal.Decimal) (*models.Order, error) {
	buyer, err := s.db.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	feeBuffer := ledger.RoundMoney(limitValue.Mul(ledger.FeeRate))
	reservation := limitValue.Add(feeBuffer)

	if buyer.Balance.LessThan(reservation) {
		return nil, ErrInsufficientFunds
	}

	newBalance := ledger.RoundMoney(buyer.Balance.Sub(reservation))
	if err := s.db.SetUserBalance(ctx, tx, buyer.ID, newBalance); err != nil {
		return nil, err
	}

	return s.db.CreateOrder(ctx, tx, &models.Order{
		UserID:        userID,
		Symbol:        symbol,
		Side:          models.SideBuy,
		Price:         price,
		Amount:        amount,
		Status:        models.StatusOpen,
		ReservedValue: reservation,
	})
}

func (s *Service) placeSellOrder(ctx context.Context, tx pgx.Tx, userID int64, symbol string, price, amount decimal.Decimal) (*models.Order, error) {
	asset, err := s.db.GetAssetForUpdate(ctx, tx, userID, symbol)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, ErrNoHoldings
	}
	if asset.Amount.LessThan(amount) {
		return nil, ErrInsufficientAsset
	}

	free := ledger.RoundQuantity(asset.Amount.Sub(amount))
	locked := ledger.RoundQuantity(asset.LockedAmount.Add(amount))
	if err := s.db.SetAssetAmounts(ctx, tx, asset.ID, free, locked); err != nil {
		return nil, err
	}

	return s.db.CreateOrder(ctx, tx, &models.Order{
		UserID:        userID,
		Symbol:        symbol,
		Side:          models.SideSell,
		Price:         price,
		Amount:        amount,
		Status:        models.StatusOpen,
		ReservedValue: decimal.Zero,
	})
}

// Cancel releases an open order's reservation and marks it cancelled.
// Ownership must be verified by the caller before invoking Cancel.
func (s *Service) Cancel(ctx context.Context, orderID int64) (*models.Order, error) {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.db.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if locked.Status != models.StatusOpen {
			return ErrNotCancellable
		}

		if locked.Side == models.SideBuy {
			buyer, err := s.db.GetUserForUpdate(ctx, tx, locked.UserID)
			if err != nil {
				return err
			}
			refunded := ledger.RoundMoney(buyer.Balance.Add(locked.ReservedValue))
			if err := s.db.SetUserBalance(ctx, tx, buyer.ID, refunded); err != nil {
				return err
			}
		} else {
			asset, err := s.db.GetAssetForUpdate(ctx, tx, locked.UserID, locked.Symbol)
			if err != nil {
				return err
			}
			// A missing asset row should not occur for an open sell, but
			// cancellation still completes if it does.
			if asset != nil {
				free := ledger.RoundQuantity(asset.Amount.Add(locked.Amount))
				lockedAmount := ledger.RoundQuantity(asset.LockedAmount.Sub(locked.Amount))
				if err := s.db.SetAssetAmounts(ctx, tx, asset.ID, free, lockedAmount); err != nil {
					return err
				}
			}
		}

		return s.db.CancelOrder(ctx, tx, locked.ID)
	})
	if err != nil {
		return nil, err
	}

	return s.db.GetOrder(ctx, s.db.Pool, orderID)
}

// Profile is a user's wallet snapshot: free cash plus every asset row.
type Profile struct {
	User   models.User
	Assets []models.Asset
}

// GetProfile loads a user's wallet snapshot.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := s.db.GetUser(ctx, s.db.Pool, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	assets, err := s.db.GetUserAssets(ctx, s.db.Pool, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile assets: %w", err)
	}
	return &Profile{User: *user, Assets: assets}, nil
}
