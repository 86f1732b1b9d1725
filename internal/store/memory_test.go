package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

func ref(coll, card string) model.CardRef {
	return model.CardRef{CollectionID: coll, CardID: card}
}

func seedAccount(t *testing.T, ms *store.MemoryStore, userID string, points int64) {
	t.Helper()
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		tx.PutAccount(&model.Account{
			UserID:        userID,
			PointsBalance: decimal.NewFromInt(points),
			CreatedAt:     time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func TestUpdate_ReadYourWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.Update(ctx, func(tx store.Tx) error {
		tx.PutCardInstance(&model.CardInstance{
			OwnerID: "u1", CollectionID: "base", CardID: "dragon", Quantity: 3,
		})

		c, err := tx.CardInstance("u1", ref("base", "dragon"))
		if err != nil {
			return err
		}
		if c.Quantity != 3 {
			t.Errorf("staged read Quantity = %d, want 3", c.Quantity)
		}

		tx.DeleteCardInstance("u1", ref("base", "dragon"))
		if _, err := tx.CardInstance("u1", ref("base", "dragon")); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("read after staged delete = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestUpdate_ErrorDiscardsWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := ms.Update(ctx, func(tx store.Tx) error {
		tx.PutListing(&model.Listing{ID: "l1", OwnerID: "u1", Quantity: 1})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update = %v, want boom", err)
	}

	err = ms.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Listing("l1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Listing after failed Update = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestUpdate_ConcurrentIncrements(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "u1", 0)

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				// Retry until committed; a conflicting worker may exhaust an
				// Update's internal retries under heavy contention.
				for {
					err := ms.Update(ctx, func(tx store.Tx) error {
						a, err := tx.Account("u1")
						if err != nil {
							return err
						}
						a.PointsBalance = a.PointsBalance.Add(decimal.NewFromInt(1))
						tx.PutAccount(a)
						return nil
					})
					if err == nil {
						break
					}
					if !errors.Is(err, store.ErrConflict) {
						t.Errorf("Update failed: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	err := ms.View(ctx, func(tx store.Tx) error {
		a, err := tx.Account("u1")
		if err != nil {
			return err
		}
		want := decimal.NewFromInt(workers * perWorker)
		if !a.PointsBalance.Equal(want) {
			t.Errorf("PointsBalance = %s, want %s (lost updates)", a.PointsBalance, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestOffersByListing_FiltersAndOverlays(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.Update(ctx, func(tx store.Tx) error {
		tx.PutOffer(&model.Offer{ID: "o1", ListingID: "l1", BidderID: "a"})
		tx.PutOffer(&model.Offer{ID: "o2", ListingID: "l1", BidderID: "b"})
		tx.PutOffer(&model.Offer{ID: "o3", ListingID: "l2", BidderID: "c"})
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err = ms.Update(ctx, func(tx store.Tx) error {
		tx.DeleteOffer("o2")
		tx.PutOffer(&model.Offer{ID: "o4", ListingID: "l1", BidderID: "d"})

		offers, err := tx.OffersByListing("l1")
		if err != nil {
			return err
		}

		got := make(map[string]bool)
		for _, o := range offers {
			got[o.ID] = true
		}
		if len(got) != 2 || !got["o1"] || !got["o4"] {
			t.Errorf("OffersByListing = %v, want {o1, o4}", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestReadModels(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.Update(ctx, func(tx store.Tx) error {
		tx.PutListing(&model.Listing{ID: "l1", OwnerID: "u1"})
		tx.PutListing(&model.Listing{ID: "l2", OwnerID: "u2"})
		tx.PutCardInstance(&model.CardInstance{OwnerID: "u1", CollectionID: "base", CardID: "a", Quantity: 1})
		tx.PutCardInstance(&model.CardInstance{OwnerID: "u1", CollectionID: "base", CardID: "b", Quantity: 2})
		tx.PutCardInstance(&model.CardInstance{OwnerID: "u2", CollectionID: "base", CardID: "a", Quantity: 5})
		tx.AppendTransaction(&model.TransactionRecord{ID: "t1", SellerID: "u1", BuyerID: "u2"})
		tx.AppendTransaction(&model.TransactionRecord{ID: "t2", SellerID: "u3", BuyerID: "u4"})
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	all, err := ms.AllListings(ctx)
	if err != nil || len(all) != 2 {
		t.Errorf("AllListings = %d listings (%v), want 2", len(all), err)
	}

	mine, err := ms.ListingsByOwner(ctx, "u1")
	if err != nil || len(mine) != 1 || mine[0].ID != "l1" {
		t.Errorf("ListingsByOwner(u1) = %v (%v), want [l1]", mine, err)
	}

	cards, err := ms.CardInstancesByOwner(ctx, "u1")
	if err != nil || len(cards) != 2 {
		t.Errorf("CardInstancesByOwner(u1) = %d cards (%v), want 2", len(cards), err)
	}

	recs, err := ms.TransactionsByUser(ctx, "u2")
	if err != nil || len(recs) != 1 || recs[0].ID != "t1" {
		t.Errorf("TransactionsByUser(u2) = %v (%v), want [t1]", recs, err)
	}
}
