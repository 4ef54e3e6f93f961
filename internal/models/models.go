package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order's direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status is an order's lifecycle state. OPEN is the only non-terminal state.
type Status int

const (
	StatusOpen      Status = 1
	StatusFilled    Status = 2
	StatusCancelled Status = 3
)

// Terminal reports whether the order can no longer change.
func (s Status) Terminal() bool {
	return s != StatusOpen
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// User represents a registered user. Balance is free USD cash at scale 2,
// never negative.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string
	Balance      decimal.Decimal
	CreatedAt    time.Time
}

// Asset is a user's holding of one symbol. Amount is the free quantity,
// LockedAmount the quantity committed to open sell orders, both at scale 8
// and never negative. One row per (user, symbol).
type Asset struct {
	ID           int64
	UserID       int64
	Symbol       string
	Amount       decimal.Decimal
	LockedAmount decimal.Decimal
	UpdatedAt    time.Time
}

// Order is a limit order. Amount is fixed for the order's lifetime; there
// are no partial fills. ReservedValue is the cash withheld for a buy order
// (notional plus fee buffer) and zero for sells, whose reservation lives in
// the asset row's LockedAmount instead.
type Order struct {
	ID            int64
	UserID        int64
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Status        Status
	ReservedValue decimal.Decimal
	FilledAt      *time.Time
	CreatedAt     time.Time
}

// Trade is the immutable record of one settlement. Price is the executed
// price (the sell order's limit), TotalValue = price × amount at scale 2.
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	Symbol      string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	TotalValue  decimal.Decimal
	Fee         decimal.Decimal
	ExecutedAt  time.Time
}
