package db

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func confirmRecordIsAbsent(ctx context.Context, t *testing.T, store *ShardedStore, key Key) {
	t.Helper()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		v, err := tx.Get(ctx, key)
		if !errors.Is(err, ErrRecordDoesNotExist) {
			t.Error(err)
		}
		if want, got := []byte{}, v; !bytes.Equal(want, got) {
			t.Errorf("record value: want %q, got %q", want, got)
		}
		// Don't bother trying to commit anything.
		return false, nil
	}); err != nil {
		t.Error(err)
	}
}

func confirmRecordIsPresentIn(ctx context.Context, t *testing.T, tx Transaction, key Key, value Value) {
	t.Helper()
	v, err := tx.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if want, got := value, v; !bytes.Equal(want, got) {
		t.Errorf("record value: want %q, got %q", want, got)
	}
}

func confirmRecordIsPresent(ctx context.Context, t *testing.T, store *ShardedStore, key Key, value Value) {
	t.Helper()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		confirmRecordIsPresentIn(ctx, t, tx, key, value)
		// Don't bother trying to commit anything.
		return false, nil
	}); err != nil {
		t.Error(err)
	}
}

func TestGetAbsentRecord(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		key := Key("k1")
		v, err := tx.Get(ctx, key)
		if !errors.Is(err, ErrRecordDoesNotExist) {
			t.Error(err)
		}
		if want, got := 0, len(v); want != got {
			t.Errorf("value length: want %d, got %d", want, got)
		}
		return false, nil
	}); err != nil {
		t.Error(err)
	}
}

func TestInsertGetCommitGet(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	value := Value("v1")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		if err := tx.Insert(ctx, key, value); err != nil {
			t.Fatal(err)
		}
		confirmRecordIsPresentIn(ctx, t, tx, key, value)
		return true, nil
	}); err != nil {
		t.Error(err)
	}
	// Now confirm that the changes were committed, visible to subsequent transactions.
	confirmRecordIsPresent(ctx, t, store, key, value)
}

func TestInsertGetAbortGet(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		value := Value("v1")
		if err := tx.Insert(ctx, key, value); err != nil {
			t.Fatal(err)
		}
		confirmRecordIsPresentIn(ctx, t, tx, key, value)
		return false, nil
	}); err != nil {
		t.Error(err)
	}
	// Now confirm that the changes were not committed, and are not visible to subsequent transactions.
	confirmRecordIsAbsent(ctx, t, store, key)
}

func TestInsertInsertCommitGet(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	value := Value("v1")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (commit bool, err error) {
		if err := tx.Insert(ctx, key, value); err != nil {
			t.Fatal(err)
		}
		// A second attempt to insert the same record in the same transaction should fail, because
		// we can see the pending record as existing.
		if err := tx.Insert(ctx, key, value); !errors.Is(err, ErrRecordExists) {
			t.Error(err)
		}
		return true, nil
	}); err != nil {
		t.Error(err)
	}
	// Now confirm that the changes were committed, visible to subsequent transactions.
	confirmRecordIsPresent(ctx, t, store, key, value)
}

func TestInsertDeleteInsertGetAbortGet(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (commit bool, err error) {
		value := Value("v1")
		if err := tx.Insert(ctx, key, value); err != nil {
			t.Fatal(err)
		}
		err, deleted := tx.Delete(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !deleted {
			t.Error("record deleted: want true, got false")
		}
		if err := tx.Insert(ctx, key, value); err != nil {
			t.Fatal(err)
		}
		return false, nil
	}); err != nil {
		t.Error(err)
	}
	// Now confirm that the changes were not committed, and are not visible to subsequent transactions.
	confirmRecordIsAbsent(ctx, t, store, key)
}

func TestConcurrentInsertersConflict(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
			if err := tx.Insert(ctx, key, Value("from-first")); err != nil {
				return false, err
			}
			close(entered)
			<-release
			return true, nil
		})
	}()
	<-entered

	var conflictErr error
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		conflictErr = tx.Insert(ctx, key, Value("from-second"))
		return false, nil
	}); err != nil {
		t.Error(err)
	}
	if !errors.Is(conflictErr, ErrTransactionInConflict) {
		t.Errorf("conflicting insert error: want ErrTransactionInConflict, got %v", conflictErr)
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Error(firstErr)
	}
	confirmRecordIsPresent(ctx, t, store, key, Value("from-first"))
}

func TestCommitRestampsToPermanentTID(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	value := Value("v1")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		return true, tx.Insert(ctx, key, value)
	}); err != nil {
		t.Fatal(err)
	}

	rm := store.recordMapFor(key)
	head, ok := rm.lookup(key)
	if !ok {
		t.Fatal("expected an indexed record after commit")
	}
	head.Lock()
	tid, committedBytes := head.PeekLocked()
	head.Unlock()
	if isProvisional(tid) {
		t.Errorf("committed tuple TID %#x still carries the provisional marker bit", uint64(tid))
	}
	if want, got := value, Value(committedBytes); !bytes.Equal(want, got) {
		t.Errorf("committed value: want %q, got %q", want, got)
	}
}

func TestVacuumPrunesDeadHistoryAndRemovesDeadTombstone(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		value := Value("overflow-this-small-tuple-" + string(rune('a'+i)))
		if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
			if i == 0 {
				return true, tx.Insert(ctx, key, value)
			}
			return true, tx.Update(ctx, key, value)
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Vacuum(ctx); err != nil {
		t.Fatal(err)
	}
	confirmRecordIsPresent(ctx, t, store, key, Value("overflow-this-small-tuple-c"))

	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		err, deleted := tx.Delete(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !deleted {
			t.Error("record deleted: want true, got false")
		}
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Vacuum(ctx); err != nil {
		t.Fatal(err)
	}

	rm := store.recordMapFor(key)
	if _, ok := rm.lookup(key); ok {
		t.Error("expected vacuum to remove the index entry for a fully deleted record")
	}
	confirmRecordIsAbsent(ctx, t, store, key)
}

func TestScanShardListsOnlyLiveRecords(t *testing.T) {
	store, err := MakeShardedStore(WithShardCount(1))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, k := range []Key{Key("alpha"), Key("beta"), Key("gamma")} {
		if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
			return true, tx.Insert(ctx, k, Value("v-"+string(k)))
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (bool, error) {
		err, _ := tx.Delete(ctx, Key("beta"))
		return true, err
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.ScanShard(0)
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(got, func(i, j int) bool { return string(got[i]) < string(got[j]) })
	want := []Key{Key("alpha"), Key("gamma")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ScanShard keys mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.ScanShard(1); err == nil {
		t.Error("ScanShard with an out-of-range shard: want error, got nil")
	}
}

func TestUpdate(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (commit bool, err error) {
		key := Key("k1")
		if _, err := tx.Get(ctx, key); !errors.Is(err, ErrRecordDoesNotExist) {
			t.Fatal(err)
		}
		// Since the record does not exist, we should not be allowed to update it.
		if err := tx.Update(ctx, key, Value("v1")); !errors.Is(err, ErrRecordDoesNotExist) {
			t.Fatal(err)
		}
		return false, nil
	}); err != nil {
		t.Error(err)
	}
}

func TestInsertUpdateCommitGet(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	subsequentValue := Value("v2")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (commit bool, err error) {
		initialValue := Key("v1")
		if err := tx.Insert(ctx, key, Value(initialValue)); err != nil {
			t.Fatal(err)
		}
		err = tx.Update(ctx, key, subsequentValue)
		if err != nil {
			t.Fatal(err)
		}
		return true, nil
	}); err != nil {
		t.Error(err)
	}
	// Now confirm that the changes were committed, visible to subsequent transactions.
	confirmRecordIsPresent(ctx, t, store, key, subsequentValue)
}

func TestInsertUpdateGetUpdateGetAbortGet(t *testing.T) {
	store, err := MakeShardedStore()
	if err != nil {
		t.Fatal(err)
	}
	key := Key("k1")
	ctx := context.Background()
	if err := store.WithinTransaction(ctx, func(ctx context.Context, tx Transaction) (commit bool, err error) {
		initialValue := Value("v1")
		if err := tx.Insert(ctx, key, initialValue); err != nil {
			t.Fatal(err)
		}
		secondValue := Value("v2")
		err = tx.Update(ctx, key, secondValue)
		if err != nil {
			t.Fatal(err)
		}
		confirmRecordIsPresentIn(ctx, t, tx, key, secondValue)
		thirdValue := Value("v3")
		err = tx.Update(ctx, key, thirdValue)
		if err != nil {
			t.Fatal(err)
		}
		confirmRecordIsPresentIn(ctx, t, tx, key, thirdValue)
		return false, nil
	}); err != nil {
		t.Error(err)
	}
	// Now confirm that the changes were not committed, and are not visible to subsequent transactions.
	confirmRecordIsAbsent(ctx, t, store, key)
}
