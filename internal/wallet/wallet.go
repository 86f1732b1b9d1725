// Package wallet implements the per-user currency ledger over account
// documents. Like the inventory ledger, the core operations run against a
// store transaction so they commit atomically with the card movements they
// pay for.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrUnknownUser is returned for operations on a nonexistent account.
	ErrUnknownUser = errors.New("wallet: unknown user")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")

	// ErrInvalidSeed is returned for an empty client seed.
	ErrInvalidSeed = errors.New("wallet: client seed must not be empty")
)

// Debit subtracts amount from the user's balance in the given currency.
func Debit(tx store.Tx, userID string, c model.Currency, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	a, err := tx.Account(userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownUser
	}
	if err != nil {
		return err
	}

	balance := a.Balance(c)
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	a.SetBalance(c, balance.Sub(amount))
	tx.PutAccount(a)
	return nil
}

// Credit adds amount to the user's balance in the given currency.
func Credit(tx store.Tx, userID string, c model.Currency, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	a, err := tx.Account(userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownUser
	}
	if err != nil {
		return err
	}

	a.SetBalance(c, a.Balance(c).Add(amount))
	tx.PutAccount(a)
	return nil
}

// Wallet bundles standalone account operations that run their own
// transactions.
type Wallet struct {
	store store.Store
}

// New creates a Wallet over the given store.
func New(s store.Store) *Wallet {
	return &Wallet{store: s}
}

// Open creates an account for userID with zero balances and a fresh random
// client seed. Returns the existing account unchanged if one exists.
func (w *Wallet) Open(ctx context.Context, userID string, now time.Time) (*model.Account, error) {
	var out *model.Account
	err := w.store.Update(ctx, func(tx store.Tx) error {
		a, err := tx.Account(userID)
		if err == nil {
			out = a
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		seed := make([]byte, 16)
		if _, err := rand.Read(seed); err != nil {
			return err
		}

		a = &model.Account{
			UserID:     userID,
			ClientSeed: hex.EncodeToString(seed),
			CreatedAt:  now,
		}
		tx.PutAccount(a)
		out = a
		return nil
	})
	return out, err
}

// Deposit credits amount to the user's balance in the given currency.
func (w *Wallet) Deposit(ctx context.Context, userID string, c model.Currency, amount decimal.Decimal) error {
	return w.store.Update(ctx, func(tx store.Tx) error {
		return Credit(tx, userID, c, amount)
	})
}

// SetClientSeed replaces the user's provably-fair client seed. Future draws
// use the new seed; past draws verify against the seed recorded with them.
func (w *Wallet) SetClientSeed(ctx context.Context, userID, seed string) error {
	if seed == "" {
		return ErrInvalidSeed
	}
	return w.store.Update(ctx, func(tx store.Tx) error {
		a, err := tx.Account(userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return err
		}
		a.ClientSeed = seed
		tx.PutAccount(a)
		return nil
	})
}

// Get returns the user's account.
func (w *Wallet) Get(ctx context.Context, userID string) (*model.Account, error) {
	var out *model.Account
	err := w.store.View(ctx, func(tx store.Tx) error {
		a, err := tx.Account(userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}
