package draw_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/catalog"
	"github.com/packrush/card-engine/internal/draw"
	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/spendlimit"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

func d(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

var packCards = map[string]float64{
	"dragon": 1,
	"goblin": 60,
	"slime":  39,
}

func newTestEngine(t *testing.T, limiter *spendlimit.Limiter) (*draw.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	cat := catalog.NewMemory()
	for id, worth := range map[string]int64{"dragon": 5000, "goblin": 10, "slime": 25} {
		cat.Add(catalog.Card{
			Ref:        model.CardRef{CollectionID: "base", CardID: id},
			Name:       id,
			PointWorth: decimal.NewFromInt(worth),
		})
	}
	if limiter == nil {
		limiter = spendlimit.NewLimiter(decimal.Zero, decimal.Zero)
	}

	e := draw.New(ms, cat, limiter, ledger.DefaultPolicy())
	err := e.AddPack(context.Background(), &model.Pack{
		CollectionID: "base",
		PackID:       "starter",
		PricePoints:  d(50),
		Cards:        packCards,
	})
	if err != nil {
		t.Fatalf("AddPack failed: %v", err)
	}
	return e, ms
}

func seedAccount(t *testing.T, ms *store.MemoryStore, userID string, points int64) {
	t.Helper()
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		tx.PutAccount(&model.Account{
			UserID:        userID,
			PointsBalance: d(points),
			ClientSeed:    "client-seed",
			CreatedAt:     time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func account(t *testing.T, ms *store.MemoryStore, userID string) *model.Account {
	t.Helper()
	var a *model.Account
	err := ms.View(context.Background(), func(tx store.Tx) error {
		got, err := tx.Account(userID)
		if err != nil {
			return err
		}
		a = got
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read account: %v", err)
	}
	return a
}

func TestOpen(t *testing.T) {
	e, ms := newTestEngine(t, nil)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 500)

	s, err := e.Open(ctx, "alice", "base", "starter", 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if s.Count != 5 || len(s.CardIDs) != 5 {
		t.Fatalf("session holds %d card ids for count %d, want 5", len(s.CardIDs), s.Count)
	}
	if s.Nonce != 1 {
		t.Errorf("first draw nonce = %d, want 1", s.Nonce)
	}
	if !s.PricePoints.Equal(d(250)) {
		t.Errorf("session price = %s, want 250", s.PricePoints)
	}
	if s.ClientSeed != "client-seed" {
		t.Errorf("session client seed = %q", s.ClientSeed)
	}

	a := account(t, ms, "alice")
	if !a.PointsBalance.Equal(d(250)) {
		t.Errorf("balance after draw = %s, want 250", a.PointsBalance)
	}
	if a.NonceCounter != 5 {
		t.Errorf("nonce counter = %d, want 5", a.NonceCounter)
	}
	if !a.TotalDrawn.Equal(d(5)) {
		t.Errorf("total drawn = %s, want 5", a.TotalDrawn)
	}
	if !a.WeekSpent.Equal(d(250)) || a.WeekStart != spendlimit.WeekStart(time.Now().UTC()) {
		t.Errorf("weekly spend = %s @ %s, want 250 @ current week", a.WeekSpent, a.WeekStart)
	}

	// Drawn cards landed in the ledger, duplicates aggregated.
	var credited int64
	err = ms.View(ctx, func(tx store.Tx) error {
		seen := make(map[string]bool)
		for _, id := range s.CardIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			c, err := tx.CardInstance("alice", model.CardRef{CollectionID: "base", CardID: id})
			if err != nil {
				return err
			}
			credited += c.Quantity
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reading drawn cards: %v", err)
	}
	if credited != 5 {
		t.Errorf("credited quantity = %d, want 5", credited)
	}

	pack, err := e.GetPack(ctx, "base", "starter")
	if err != nil {
		t.Fatalf("GetPack failed: %v", err)
	}
	if pack.Popularity != 5 {
		t.Errorf("pack popularity = %d, want 5", pack.Popularity)
	}

	sessions, err := ms.DrawSessionsByUser(ctx, "alice")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %d (%v), want exactly 1", len(sessions), err)
	}
}

func TestOpen_SequentialDrawsGetDisjointNonces(t *testing.T) {
	e, ms := newTestEngine(t, nil)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 1000)

	s1, err := e.Open(ctx, "alice", "base", "starter", 3)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	s2, err := e.Open(ctx, "alice", "base", "starter", 2)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	if s1.Nonce != 1 || s2.Nonce != 4 {
		t.Errorf("nonces = %d, %d; want 1 and 4", s1.Nonce, s2.Nonce)
	}
	if a := account(t, ms, "alice"); a.NonceCounter != 5 {
		t.Errorf("nonce counter = %d, want 5", a.NonceCounter)
	}
}

func TestOpen_Validation(t *testing.T) {
	e, ms := newTestEngine(t, nil)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 10)

	if _, err := e.Open(ctx, "alice", "base", "starter", 0); !errors.Is(err, draw.ErrInvalidCount) {
		t.Errorf("count 0 = %v, want ErrInvalidCount", err)
	}
	if _, err := e.Open(ctx, "alice", "base", "starter", draw.MaxCount+1); !errors.Is(err, draw.ErrInvalidCount) {
		t.Errorf("count over max = %v, want ErrInvalidCount", err)
	}
	if _, err := e.Open(ctx, "alice", "base", "no-such-pack", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown pack = %v, want ErrNotFound", err)
	}
	if _, err := e.Open(ctx, "nobody", "base", "starter", 1); !errors.Is(err, wallet.ErrUnknownUser) {
		t.Errorf("unknown user = %v, want ErrUnknownUser", err)
	}
	if _, err := e.Open(ctx, "alice", "base", "starter", 1); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Errorf("underfunded draw = %v, want ErrInsufficientFunds", err)
	}
	if a := account(t, ms, "alice"); a.NonceCounter != 0 {
		t.Errorf("nonce counter after rejected draws = %d, want 0", a.NonceCounter)
	}
}

func TestOpen_EmptyPackConsumesNoNonce(t *testing.T) {
	e, ms := newTestEngine(t, nil)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 500)

	err := ms.Update(ctx, func(tx store.Tx) error {
		tx.PutPack(&model.Pack{CollectionID: "base", PackID: "hollow", PricePoints: d(10)})
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed empty pack: %v", err)
	}

	if _, err := e.Open(ctx, "alice", "base", "hollow", 1); !errors.Is(err, draw.ErrEmptyPack) {
		t.Fatalf("empty pack = %v, want ErrEmptyPack", err)
	}

	a := account(t, ms, "alice")
	if a.NonceCounter != 0 {
		t.Errorf("nonce counter = %d, want 0", a.NonceCounter)
	}
	if !a.PointsBalance.Equal(d(500)) {
		t.Errorf("balance = %s, want untouched 500", a.PointsBalance)
	}
}

func TestOpen_SpendLimits(t *testing.T) {
	limiter := spendlimit.NewLimiter(d(100), d(150))
	e, ms := newTestEngine(t, limiter)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 10000)

	// 3 x 50 = 150 breaches the per-draw cap of 100.
	if _, err := e.Open(ctx, "alice", "base", "starter", 3); !errors.Is(err, spendlimit.ErrPerDrawLimitExceeded) {
		t.Errorf("over per-draw cap = %v, want ErrPerDrawLimitExceeded", err)
	}

	// Two affordable draws, then the weekly cap of 150 trips.
	if _, err := e.Open(ctx, "alice", "base", "starter", 2); err != nil {
		t.Fatalf("first draw failed: %v", err)
	}
	if _, err := e.Open(ctx, "alice", "base", "starter", 1); err != nil {
		t.Fatalf("second draw failed: %v", err)
	}
	if _, err := e.Open(ctx, "alice", "base", "starter", 1); !errors.Is(err, spendlimit.ErrWeeklyLimitExceeded) {
		t.Errorf("over weekly cap = %v, want ErrWeeklyLimitExceeded", err)
	}

	// A stale week key resets the running total.
	err := ms.Update(ctx, func(tx store.Tx) error {
		a, err := tx.Account("alice")
		if err != nil {
			return err
		}
		a.WeekStart = "2020-01-06"
		tx.PutAccount(a)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to age week key: %v", err)
	}
	if _, err := e.Open(ctx, "alice", "base", "starter", 1); err != nil {
		t.Errorf("draw in a fresh week failed: %v", err)
	}
}

func TestVerify(t *testing.T) {
	e, ms := newTestEngine(t, nil)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 500)

	s, err := e.Open(ctx, "alice", "base", "starter", 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := draw.Verify(s); err != nil {
		t.Fatalf("Verify on an honest session = %v, want nil", err)
	}

	tampered := s.Clone()
	tampered.ServerSeed = "0000000000000000000000000000000000000000000000000000000000000000"
	if err := draw.Verify(tampered); !errors.Is(err, draw.ErrSeedHashMismatch) {
		t.Errorf("swapped server seed = %v, want ErrSeedHashMismatch", err)
	}

	tampered = s.Clone()
	tampered.Nonce++
	if err := draw.Verify(tampered); !errors.Is(err, draw.ErrRandomHashMismatch) {
		t.Errorf("shifted nonce = %v, want ErrRandomHashMismatch", err)
	}

	tampered = s.Clone()
	for i := range tampered.CardIDs {
		tampered.CardIDs[i] = "dragon"
	}
	if err := draw.Verify(tampered); !errors.Is(err, draw.ErrSequenceMismatch) {
		t.Errorf("rewritten card list = %v, want ErrSequenceMismatch", err)
	}

	// A tampered weight table changes the replayed sequence.
	tampered = s.Clone()
	tampered.CardTable["wisp"] = 500
	if err := draw.Verify(tampered); !errors.Is(err, draw.ErrSequenceMismatch) {
		t.Errorf("altered card table = %v, want ErrSequenceMismatch", err)
	}
}

func TestVerify_SurvivesPackTableEdit(t *testing.T) {
	e, ms := newTestEngine(t, nil)
	ctx := context.Background()
	seedAccount(t, ms, "alice", 500)

	s, err := e.Open(ctx, "alice", "base", "starter", 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Rebalance the pack after the draw. The session carries its own table
	// snapshot, so it must still verify.
	err = e.AddPack(ctx, &model.Pack{
		CollectionID: "base",
		PackID:       "starter",
		PricePoints:  d(50),
		Cards:        map[string]float64{"dragon": 90, "goblin": 5, "slime": 5},
	})
	if err != nil {
		t.Fatalf("AddPack failed: %v", err)
	}

	if err := draw.Verify(s); err != nil {
		t.Errorf("Verify after pack rebalance = %v, want nil", err)
	}
	if s.CardTable["goblin"] != packCards["goblin"] {
		t.Errorf("session table goblin weight = %v, want the draw-time %v", s.CardTable["goblin"], packCards["goblin"])
	}

	sessions, err := ms.DrawSessionsByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("DrawSessionsByUser failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if err := draw.Verify(&sessions[0]); err != nil {
		t.Errorf("Verify on the stored session = %v, want nil", err)
	}
}

func TestAddPack_Validation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.AddPack(ctx, &model.Pack{PackID: "x"}); err == nil {
		t.Error("pack without a collection was accepted")
	}
	if err := e.AddPack(ctx, &model.Pack{
		CollectionID: "base",
		PackID:       "bad",
		Cards:        map[string]float64{"goblin": -1},
	}); err == nil {
		t.Error("pack with a negative weight was accepted")
	}
	if err := e.AddPack(ctx, &model.Pack{
		CollectionID: "base",
		PackID:       "bad",
		Cards:        map[string]float64{"bad card!": 1},
	}); err == nil {
		t.Error("pack with a malformed card id was accepted")
	}
}
