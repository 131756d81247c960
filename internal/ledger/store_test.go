package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/lumen/internal/ledger"
)

func storeBackends(t *testing.T) map[string]ledger.Store {
	t.Helper()

	sqlite, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "lumen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]ledger.Store{
		"memory": ledger.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRawMessageDedup(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msgs := store.RawMessages()

			msg := ledger.RawMessage{
				SourceType: ledger.SourceMail,
				ExternalID: "m1",
				RawPayload: "Paid 299 to Zomato",
				FetchedAt:  time.Now().UTC(),
			}
			require.NoError(t, msgs.InsertIfAbsent(ctx, msg))

			// Redelivery of the same external id is a duplicate.
			err := msgs.InsertIfAbsent(ctx, msg)
			assert.ErrorIs(t, err, ledger.ErrDuplicateMessage)

			// Same id under a different source type is a distinct message.
			msg.SourceType = ledger.SourceSMS
			assert.NoError(t, msgs.InsertIfAbsent(ctx, msg))
		})
	}
}

func TestRawMessageProcessedOnce(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msgs := store.RawMessages()

			require.NoError(t, msgs.InsertIfAbsent(ctx, ledger.RawMessage{
				SourceType: ledger.SourceMail, ExternalID: "m1", FetchedAt: time.Now().UTC(),
			}))

			require.NoError(t, msgs.MarkProcessed(ctx, ledger.SourceMail, "m1", ledger.StateCommitted))

			err := msgs.MarkProcessed(ctx, ledger.SourceMail, "m1", ledger.StateRejected)
			assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

			got, err := msgs.Get(ctx, ledger.SourceMail, "m1")
			require.NoError(t, err)
			assert.Equal(t, ledger.StateCommitted, got.State)

			err = msgs.MarkProcessed(ctx, ledger.SourceMail, "missing", ledger.StateRejected)
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestListUnprocessedOldestFirst(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msgs := store.RawMessages()
			base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

			for i, id := range []string{"c", "a", "b"} {
				require.NoError(t, msgs.InsertIfAbsent(ctx, ledger.RawMessage{
					SourceType: ledger.SourceMail,
					ExternalID: id,
					FetchedAt:  base.Add(time.Duration(2-i) * time.Minute),
				}))
			}

			got, err := msgs.ListUnprocessed(ctx, 0)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "b", got[0].ExternalID)
			assert.Equal(t, "a", got[1].ExternalID)
			assert.Equal(t, "c", got[2].ExternalID)

			limited, err := msgs.ListUnprocessed(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestTransactionLifecycle(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			txs := store.Transactions()

			tx := &ledger.Transaction{
				ID:                 "t1",
				OwnerRef:           "owner-1",
				Amount:             299,
				Currency:           "INR",
				MerchantRaw:        "ZOMATO LTD",
				MerchantNormalized: "zomato",
				Category:           "Food",
				PaymentChannel:     ledger.ChannelUPI,
				Timestamp:          time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
				SourceType:         ledger.SourceMail,
				SourceExternalID:   "m1",
			}
			require.NoError(t, txs.Insert(ctx, tx))

			require.NoError(t, txs.UpdateScore(ctx, "t1", true, 0.81, ledger.SeverityWarning, 3))
			require.NoError(t, txs.MarkIndexed(ctx, "t1"))
			require.NoError(t, txs.SetConfirmed(ctx, "t1", true))

			got, err := txs.Get(ctx, "t1")
			require.NoError(t, err)
			assert.True(t, got.AnomalyFlag)
			assert.Equal(t, ledger.SeverityWarning, got.AnomalySeverity)
			assert.InDelta(t, 0.81, got.AnomalyScore, 1e-9)
			assert.EqualValues(t, 3, got.ModelVersion)
			assert.True(t, got.Indexed)
			assert.True(t, got.UserConfirmed)

			// Soft delete keeps the row but hides it from default listings.
			require.NoError(t, txs.SoftDelete(ctx, "t1"))
			visible, err := txs.List(ctx, "owner-1", ledger.TransactionQuery{})
			require.NoError(t, err)
			assert.Empty(t, visible)

			all, err := txs.List(ctx, "owner-1", ledger.TransactionQuery{IncludeDeleted: true})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.True(t, all[0].Deleted())
		})
	}
}

func TestTransactionListFilters(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			txs := store.Transactions()
			base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

			seed := []ledger.Transaction{
				{ID: "a", OwnerRef: "o", Amount: 100, MerchantNormalized: "zomato", Category: "Food", Timestamp: base},
				{ID: "b", OwnerRef: "o", Amount: 900, MerchantNormalized: "amazon", Category: "Shopping", Timestamp: base.AddDate(0, 0, 3)},
				{ID: "c", OwnerRef: "o", Amount: 450, MerchantNormalized: "zomato", Category: "Food", Timestamp: base.AddDate(0, 0, 6)},
				{ID: "d", OwnerRef: "other", Amount: 450, MerchantNormalized: "zomato", Category: "Food", Timestamp: base},
			}
			for i := range seed {
				seed[i].Currency = "INR"
				seed[i].PaymentChannel = ledger.ChannelCard
				seed[i].SourceType = ledger.SourceManual
				require.NoError(t, txs.Insert(ctx, &seed[i]))
			}

			byMerchant, err := txs.List(ctx, "o", ledger.TransactionQuery{Merchant: "zomato"})
			require.NoError(t, err)
			require.Len(t, byMerchant, 2)
			// Newest first.
			assert.Equal(t, "c", byMerchant[0].ID)

			min := 400.0
			max := 500.0
			byAmount, err := txs.List(ctx, "o", ledger.TransactionQuery{MinAmount: &min, MaxAmount: &max})
			require.NoError(t, err)
			require.Len(t, byAmount, 1)
			assert.Equal(t, "c", byAmount[0].ID)

			byTime, err := txs.List(ctx, "o", ledger.TransactionQuery{
				From: base.AddDate(0, 0, 1), To: base.AddDate(0, 0, 4),
			})
			require.NoError(t, err)
			require.Len(t, byTime, 1)
			assert.Equal(t, "b", byTime[0].ID)
		})
	}
}

func TestListUnindexed(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			txs := store.Transactions()
			base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

			for i, id := range []string{"a", "b", "c"} {
				require.NoError(t, txs.Insert(ctx, &ledger.Transaction{
					ID: id, OwnerRef: "o", Amount: 100, Currency: "INR",
					MerchantNormalized: "zomato", Category: "Food",
					PaymentChannel: ledger.ChannelUPI, SourceType: ledger.SourceMail,
					Timestamp: base, CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}
			require.NoError(t, txs.MarkIndexed(ctx, "b"))
			require.NoError(t, txs.SoftDelete(ctx, "c"))

			// Indexed and deleted rows are not sweep candidates.
			got, err := txs.ListUnindexed(ctx, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0].ID)

			limited, err := txs.ListUnindexed(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestFindSimilar(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			txs := store.Transactions()
			ts := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

			require.NoError(t, txs.Insert(ctx, &ledger.Transaction{
				ID: "t1", OwnerRef: "o", Amount: 299, MerchantNormalized: "zomato",
				Currency: "INR", PaymentChannel: ledger.ChannelUPI,
				SourceType: ledger.SourceMail, Timestamp: ts,
			}))

			near, err := txs.FindSimilar(ctx, "o", "zomato", 299.4, 0.5, ts.Add(time.Hour), 24*time.Hour)
			require.NoError(t, err)
			assert.Len(t, near, 1)

			far, err := txs.FindSimilar(ctx, "o", "zomato", 299, 0.5, ts.Add(60*time.Hour), 24*time.Hour)
			require.NoError(t, err)
			assert.Empty(t, far)

			otherMerchant, err := txs.FindSimilar(ctx, "o", "swiggy", 299, 0.5, ts, 24*time.Hour)
			require.NoError(t, err)
			assert.Empty(t, otherMerchant)
		})
	}
}

func TestModelVersionsMonotonic(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			models := store.Models()
			now := time.Now().UTC()

			v, err := models.LatestVersion(ctx, "o")
			require.NoError(t, err)
			assert.EqualValues(t, 0, v)

			require.NoError(t, models.Save(ctx, "o", 1, now, []byte("v1")))
			require.NoError(t, models.Save(ctx, "o", 2, now, []byte("v2")))

			err = models.Save(ctx, "o", 2, now, []byte("dup"))
			assert.ErrorIs(t, err, ledger.ErrStaleVersion)

			version, blob, err := models.LoadLatest(ctx, "o")
			require.NoError(t, err)
			assert.EqualValues(t, 2, version)
			assert.Equal(t, []byte("v2"), blob)

			// Prior versions stay loadable for rollback.
			old, err := models.LoadVersion(ctx, "o", 1)
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), old)

			_, _, err = models.LoadLatest(ctx, "unknown")
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestFeedbackAppendOnly(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fb := store.Feedback()
			base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

			require.NoError(t, fb.Append(ctx, ledger.FeedbackEvent{
				ID: "f1", TransactionID: "t1", Decision: ledger.DecisionReject, OccurredAt: base,
			}))
			require.NoError(t, fb.Append(ctx, ledger.FeedbackEvent{
				ID: "f2", TransactionID: "t1", Decision: ledger.DecisionApprove, OccurredAt: base.Add(time.Minute),
			}))

			events, err := fb.ListByTransaction(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, ledger.DecisionReject, events[0].Decision)
			assert.Equal(t, ledger.DecisionApprove, events[1].Decision)
		})
	}
}
