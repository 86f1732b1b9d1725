package market_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/market"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

var dragon = model.CardRef{CollectionID: "base", CardID: "dragon"}

func d(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

func newTestMarket(t *testing.T) (*market.Market, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return market.New(ms, ledger.DefaultPolicy(), market.DefaultConfig()), ms
}

func seedAccount(t *testing.T, ms *store.MemoryStore, userID string, points int64) {
	t.Helper()
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		tx.PutAccount(&model.Account{
			UserID:        userID,
			PointsBalance: d(points),
			CreatedAt:     time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func seedCards(t *testing.T, ms *store.MemoryStore, owner string, ref model.CardRef, qty int64) {
	t.Helper()
	meta := ledger.Meta{Name: "Dragon", ImageRef: "img/dragon", PointWorth: d(5000), Rarity: 3}
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		return ledger.Credit(tx, ledger.DefaultPolicy(), owner, ref, qty, meta, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("failed to seed cards: %v", err)
	}
}

func getCard(t *testing.T, ms *store.MemoryStore, owner string, ref model.CardRef) (*model.CardInstance, error) {
	t.Helper()
	var c *model.CardInstance
	err := ms.View(context.Background(), func(tx store.Tx) error {
		got, err := tx.CardInstance(owner, ref)
		if err != nil {
			return err
		}
		c = got
		return nil
	})
	return c, err
}

func getBalance(t *testing.T, ms *store.MemoryStore, userID string) decimal.Decimal {
	t.Helper()
	var bal decimal.Decimal
	err := ms.View(context.Background(), func(tx store.Tx) error {
		a, err := tx.Account(userID)
		if err != nil {
			return err
		}
		bal = a.PointsBalance
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return bal
}

// The full happy path: list three copies, take an offer, accept, pay. Money
// moves once, the cards change hands in full, and everything marketplace-
// side is cleaned up.
func TestAcceptedOfferSettlement(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()

	seedAccount(t, ms, "seller", 0)
	seedAccount(t, ms, "buyer", 100)
	seedCards(t, ms, "seller", dragon, 3)

	listing, err := m.CreateListing(ctx, "seller", dragon, 3, d(200), decimal.Zero)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}

	c, _ := getCard(t, ms, "seller", dragon)
	if c.Quantity != 0 || c.LockedQuantity != 3 {
		t.Fatalf("seller stock after listing = (%d, %d), want (0, 3)", c.Quantity, c.LockedQuantity)
	}

	offer, err := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, d(100))
	if err != nil {
		t.Fatalf("PlaceOffer failed: %v", err)
	}

	if _, err := m.AcceptOffer(ctx, "seller", offer.ID); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	rec, err := m.PayAccepted(ctx, "buyer", offer.ID)
	if err != nil {
		t.Fatalf("PayAccepted failed: %v", err)
	}
	if rec.Quantity != 3 || !rec.Amount.Equal(d(100)) {
		t.Errorf("record = qty %d amount %s, want qty 3 amount 100", rec.Quantity, rec.Amount)
	}

	if got := getBalance(t, ms, "buyer"); !got.IsZero() {
		t.Errorf("buyer balance = %s, want 0", got)
	}
	if got := getBalance(t, ms, "seller"); !got.Equal(d(100)) {
		t.Errorf("seller balance = %s, want 100", got)
	}

	bc, err := getCard(t, ms, "buyer", dragon)
	if err != nil {
		t.Fatalf("buyer card missing: %v", err)
	}
	if bc.Quantity != 3 || bc.LockedQuantity != 0 {
		t.Errorf("buyer stock = (%d, %d), want (3, 0)", bc.Quantity, bc.LockedQuantity)
	}
	if bc.Name != "Dragon" {
		t.Errorf("buyer card metadata not carried over: %+v", bc)
	}

	if _, err := getCard(t, ms, "seller", dragon); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("seller stock after settlement = %v, want ErrNotFound", err)
	}

	if _, err := m.GetListing(ctx, listing.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("listing after settlement = %v, want ErrNotFound", err)
	}

	recs, err := ms.TransactionsByUser(ctx, "buyer")
	if err != nil || len(recs) != 1 {
		t.Errorf("transactions = %d (%v), want exactly 1", len(recs), err)
	}
}

func TestCreateListing_InsufficientStock(t *testing.T) {
	m, ms := newTestMarket(t)
	seedCards(t, ms, "seller", dragon, 2)

	_, err := m.CreateListing(context.Background(), "seller", dragon, 3, d(200), decimal.Zero)
	if !errors.Is(err, ledger.ErrInsufficientStock) {
		t.Errorf("CreateListing = %v, want ErrInsufficientStock", err)
	}
}

func TestWithdrawListing_ReleasesStockAndDropsOffers(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 3)

	listing, err := m.CreateListing(ctx, "seller", dragon, 3, d(200), decimal.Zero)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	if _, err := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, d(50)); err != nil {
		t.Fatalf("PlaceOffer failed: %v", err)
	}

	if err := m.WithdrawListing(ctx, "seller", listing.ID); err != nil {
		t.Fatalf("WithdrawListing failed: %v", err)
	}

	c, _ := getCard(t, ms, "seller", dragon)
	if c.Quantity != 3 || c.LockedQuantity != 0 {
		t.Errorf("seller stock after withdraw = (%d, %d), want (3, 0)", c.Quantity, c.LockedQuantity)
	}

	err = ms.View(ctx, func(tx store.Tx) error {
		offers, err := tx.OffersByListing(listing.ID)
		if err != nil {
			return err
		}
		if len(offers) != 0 {
			t.Errorf("offers after listing withdraw = %d, want 0", len(offers))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestWithdrawListing_WrongOwner(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)

	if err := m.WithdrawListing(ctx, "intruder", listing.ID); !errors.Is(err, market.ErrForbidden) {
		t.Errorf("WithdrawListing by non-owner = %v, want ErrForbidden", err)
	}
}

func TestPlaceOffer_Validation(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	// Points-only listing.
	listing, err := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}

	if _, err := m.PlaceOffer(ctx, "seller", listing.ID, model.Points, d(50)); !errors.Is(err, market.ErrSelfDeal) {
		t.Errorf("self offer = %v, want ErrSelfDeal", err)
	}

	if _, err := m.PlaceOffer(ctx, "buyer", listing.ID, model.Cash, d(50)); !errors.Is(err, market.ErrCurrencyNotAccepted) {
		t.Errorf("cash offer on points listing = %v, want ErrCurrencyNotAccepted", err)
	}

	if _, err := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, decimal.NewFromFloat(50.5)); !errors.Is(err, market.ErrInvalidInput) {
		t.Errorf("fractional points offer = %v, want ErrInvalidInput", err)
	}

	first, err := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, d(50))
	if err != nil {
		t.Fatalf("first offer failed: %v", err)
	}

	// An equal bid is accepted but loses the tie: the earlier bidder keeps
	// the cached top spot.
	if _, err := m.PlaceOffer(ctx, "buyer2", listing.ID, model.Points, d(50)); err != nil {
		t.Fatalf("equal offer failed: %v", err)
	}
	got, err := m.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got.Highest(model.Points).OfferID != first.ID {
		t.Errorf("highest after equal bid = %+v, want first offer", got.Highest(model.Points))
	}

	higher, err := m.PlaceOffer(ctx, "buyer2", listing.ID, model.Points, d(51))
	if err != nil {
		t.Fatalf("higher offer failed: %v", err)
	}
	got, _ = m.GetListing(ctx, listing.ID)
	if got.Highest(model.Points).OfferID != higher.ID {
		t.Errorf("highest after higher bid = %+v, want the 51-point offer", got.Highest(model.Points))
	}
}

func TestWithdrawOffer_RecomputesHighest(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)

	o1, err := m.PlaceOffer(ctx, "alice", listing.ID, model.Points, d(50))
	if err != nil {
		t.Fatalf("first offer failed: %v", err)
	}
	o2, err := m.PlaceOffer(ctx, "bob", listing.ID, model.Points, d(70))
	if err != nil {
		t.Fatalf("second offer failed: %v", err)
	}

	if err := m.WithdrawOffer(ctx, "bob", o2.ID); err != nil {
		t.Fatalf("WithdrawOffer failed: %v", err)
	}

	got, err := m.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	highest := got.Highest(model.Points)
	if highest.OfferID != o1.ID || !highest.Amount.Equal(d(50)) {
		t.Errorf("highest after withdraw = %+v, want o1 at 50", highest)
	}

	// A new offer above the recomputed cache takes the top spot.
	o3, err := m.PlaceOffer(ctx, "carol", listing.ID, model.Points, d(60))
	if err != nil {
		t.Fatalf("third offer failed: %v", err)
	}
	got, _ = m.GetListing(ctx, listing.ID)
	if got.Highest(model.Points).OfferID != o3.ID {
		t.Errorf("highest after new bid = %+v, want carol's offer", got.Highest(model.Points))
	}
}

func TestAcceptFreezesListing(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)
	offer, _ := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, d(50))

	if _, err := m.AcceptOffer(ctx, "intruder", offer.ID); !errors.Is(err, market.ErrForbidden) {
		t.Errorf("accept by non-owner = %v, want ErrForbidden", err)
	}

	accepted, err := m.AcceptOffer(ctx, "seller", offer.ID)
	if err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if accepted.PaymentDueAt.IsZero() {
		t.Error("accepted offer has no payment deadline")
	}

	if _, err := m.PlaceOffer(ctx, "buyer2", listing.ID, model.Points, d(999)); !errors.Is(err, market.ErrAlreadyAccepted) {
		t.Errorf("offer on accepted listing = %v, want ErrAlreadyAccepted", err)
	}
	if err := m.WithdrawListing(ctx, "seller", listing.ID); !errors.Is(err, market.ErrAlreadyAccepted) {
		t.Errorf("withdraw accepted listing = %v, want ErrAlreadyAccepted", err)
	}
	if err := m.WithdrawOffer(ctx, "buyer", offer.ID); !errors.Is(err, market.ErrAlreadyAccepted) {
		t.Errorf("withdraw accepted offer = %v, want ErrAlreadyAccepted", err)
	}
	if _, err := m.AcceptOffer(ctx, "seller", offer.ID); !errors.Is(err, market.ErrAlreadyAccepted) {
		t.Errorf("double accept = %v, want ErrAlreadyAccepted", err)
	}
}

func TestAcceptHighest(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)

	if _, err := m.AcceptHighest(ctx, "seller", listing.ID, model.Points); !errors.Is(err, market.ErrNoOffers) {
		t.Errorf("accept with no offers = %v, want ErrNoOffers", err)
	}

	top, _ := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, d(1000))
	if _, err := m.PlaceOffer(ctx, "lowballer", listing.ID, model.Points, d(1)); err != nil {
		t.Fatalf("lowball offer failed: %v", err)
	}

	if _, err := m.AcceptHighest(ctx, "intruder", listing.ID, model.Points); !errors.Is(err, market.ErrForbidden) {
		t.Errorf("accept by non-owner = %v, want ErrForbidden", err)
	}
	if _, err := m.AcceptHighest(ctx, "seller", listing.ID, "beads"); !errors.Is(err, market.ErrInvalidInput) {
		t.Errorf("accept with bad currency = %v, want ErrInvalidInput", err)
	}

	accepted, err := m.AcceptHighest(ctx, "seller", listing.ID, model.Points)
	if err != nil {
		t.Fatalf("AcceptHighest failed: %v", err)
	}
	if accepted.ID != top.ID || accepted.BidderID != "buyer" {
		t.Errorf("accepted offer %s by %s, want the highest bid %s by buyer", accepted.ID, accepted.BidderID, top.ID)
	}
	if accepted.Status != model.OfferAccepted || accepted.PaymentDueAt.IsZero() {
		t.Errorf("accepted offer status=%s due=%v, want accepted with a deadline", accepted.Status, accepted.PaymentDueAt)
	}

	got, err := m.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got.Status != model.ListingAccepted {
		t.Errorf("listing status = %s, want accepted", got.Status)
	}

	if _, err := m.AcceptHighest(ctx, "seller", listing.ID, model.Points); !errors.Is(err, market.ErrAlreadyAccepted) {
		t.Errorf("double accept = %v, want ErrAlreadyAccepted", err)
	}
}

func TestAcceptHighest_PerCurrency(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), d(20))
	if _, err := m.PlaceOffer(ctx, "buyer", listing.ID, model.Cash, decimal.NewFromFloat(9.5)); err != nil {
		t.Fatalf("cash offer failed: %v", err)
	}

	// No points offer stands even though a cash one does.
	if _, err := m.AcceptHighest(ctx, "seller", listing.ID, model.Points); !errors.Is(err, market.ErrNoOffers) {
		t.Errorf("accept points with only a cash offer = %v, want ErrNoOffers", err)
	}

	accepted, err := m.AcceptHighest(ctx, "seller", listing.ID, model.Cash)
	if err != nil {
		t.Fatalf("AcceptHighest cash failed: %v", err)
	}
	if accepted.Currency != model.Cash {
		t.Errorf("accepted currency = %s, want cash", accepted.Currency)
	}
}

func TestPayAccepted_Validation(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedAccount(t, ms, "seller", 0)
	seedAccount(t, ms, "buyer", 10)
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)
	offer, _ := m.PlaceOffer(ctx, "buyer", listing.ID, model.Points, d(100))

	// Unaccepted offers cannot be paid.
	if _, err := m.PayAccepted(ctx, "buyer", offer.ID); !errors.Is(err, market.ErrNotAccepted) {
		t.Errorf("pay before accept = %v, want ErrNotAccepted", err)
	}

	if _, err := m.AcceptOffer(ctx, "seller", offer.ID); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}

	if _, err := m.PayAccepted(ctx, "stranger", offer.ID); !errors.Is(err, market.ErrForbidden) {
		t.Errorf("pay by non-bidder = %v, want ErrForbidden", err)
	}

	// Insufficient funds: nothing moves and the deal stays payable.
	if _, err := m.PayAccepted(ctx, "buyer", offer.ID); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Errorf("pay without funds = %v, want ErrInsufficientFunds", err)
	}
	if got := getBalance(t, ms, "seller"); !got.IsZero() {
		t.Errorf("seller balance after failed pay = %s, want 0", got)
	}
	c, _ := getCard(t, ms, "seller", dragon)
	if c.LockedQuantity != 1 {
		t.Errorf("reservation after failed pay = %d, want 1", c.LockedQuantity)
	}

	// Fund the buyer and pay for real.
	err := ms.Update(ctx, func(tx store.Tx) error {
		return wallet.Credit(tx, "buyer", model.Points, d(90))
	})
	if err != nil {
		t.Fatalf("top-up failed: %v", err)
	}
	if _, err := m.PayAccepted(ctx, "buyer", offer.ID); err != nil {
		t.Fatalf("PayAccepted failed: %v", err)
	}
}

func TestPayDirect(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedAccount(t, ms, "seller", 0)
	seedAccount(t, ms, "buyer", 1000)
	seedCards(t, ms, "seller", dragon, 3)

	listing, err := m.CreateListing(ctx, "seller", dragon, 3, d(200), decimal.Zero)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}

	if _, err := m.PayDirect(ctx, "seller", listing.ID, model.Points, 1); !errors.Is(err, market.ErrSelfDeal) {
		t.Errorf("buy own listing = %v, want ErrSelfDeal", err)
	}
	if _, err := m.PayDirect(ctx, "buyer", listing.ID, model.Cash, 1); !errors.Is(err, market.ErrCurrencyNotAccepted) {
		t.Errorf("cash buy on points listing = %v, want ErrCurrencyNotAccepted", err)
	}
	if _, err := m.PayDirect(ctx, "buyer", listing.ID, model.Points, 4); !errors.Is(err, ledger.ErrInsufficientStock) {
		t.Errorf("over-quantity buy = %v, want ErrInsufficientStock", err)
	}

	rec, err := m.PayDirect(ctx, "buyer", listing.ID, model.Points, 1)
	if err != nil {
		t.Fatalf("PayDirect failed: %v", err)
	}
	if !rec.Amount.Equal(d(200)) {
		t.Errorf("direct buy amount = %s, want 200", rec.Amount)
	}

	got, err := m.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("listing gone after partial buy: %v", err)
	}
	if got.Quantity != 2 {
		t.Errorf("listing quantity after partial buy = %d, want 2", got.Quantity)
	}

	// Buy out the rest; the listing disappears.
	if _, err := m.PayDirect(ctx, "buyer", listing.ID, model.Points, 2); err != nil {
		t.Fatalf("second PayDirect failed: %v", err)
	}
	if _, err := m.GetListing(ctx, listing.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("listing after buyout = %v, want ErrNotFound", err)
	}

	bc, _ := getCard(t, ms, "buyer", dragon)
	if bc.Quantity != 3 {
		t.Errorf("buyer stock after buyout = %d, want 3", bc.Quantity)
	}
	if got := getBalance(t, ms, "buyer"); !got.Equal(d(400)) {
		t.Errorf("buyer balance = %s, want 400", got)
	}
	if got := getBalance(t, ms, "seller"); !got.Equal(d(600)) {
		t.Errorf("seller balance = %s, want 600", got)
	}
}

func TestRaiseOffer(t *testing.T) {
	m, ms := newTestMarket(t)
	ctx := context.Background()
	seedCards(t, ms, "seller", dragon, 1)

	listing, _ := m.CreateListing(ctx, "seller", dragon, 1, d(200), decimal.Zero)
	o1, _ := m.PlaceOffer(ctx, "alice", listing.ID, model.Points, d(50))
	o2, err := m.PlaceOffer(ctx, "bob", listing.ID, model.Points, d(70))
	if err != nil {
		t.Fatalf("second offer failed: %v", err)
	}

	// A raise must beat the offer's own old amount.
	if _, err := m.RaiseOffer(ctx, "alice", o1.ID, d(50)); !errors.Is(err, market.ErrMustIncrease) {
		t.Errorf("raise to same amount = %v, want ErrMustIncrease", err)
	}
	if _, err := m.RaiseOffer(ctx, "bob", o1.ID, d(60)); !errors.Is(err, market.ErrForbidden) {
		t.Errorf("raise of someone else's offer = %v, want ErrForbidden", err)
	}

	// Raising below the current highest succeeds without moving the cache.
	if _, err := m.RaiseOffer(ctx, "alice", o1.ID, d(60)); err != nil {
		t.Fatalf("raise below highest failed: %v", err)
	}
	got, _ := m.GetListing(ctx, listing.ID)
	if got.Highest(model.Points).OfferID != o2.ID {
		t.Errorf("highest after low raise = %+v, want bob's offer", got.Highest(model.Points))
	}

	raised, err := m.RaiseOffer(ctx, "alice", o1.ID, d(80))
	if err != nil {
		t.Fatalf("RaiseOffer failed: %v", err)
	}
	if !raised.Amount.Equal(d(80)) {
		t.Errorf("raised amount = %s, want 80", raised.Amount)
	}

	got, _ = m.GetListing(ctx, listing.ID)
	if got.Highest(model.Points).OfferID != o1.ID {
		t.Errorf("highest after raise = %+v, want alice's offer", got.Highest(model.Points))
	}
}
