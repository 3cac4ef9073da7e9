package db

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"

	"sehlabs.com/tuplekv/internal/smr"
	"sehlabs.com/tuplekv/internal/tuple"
)

// provisionalMarkerBit tags a tuple's TID as belonging to a transaction
// that has not yet committed: the transaction's numeric ID with the top
// bit set. Every committed TID a transaction ever stamps is its own ID
// with the top bit clear, so the two domains never collide and a single
// comparison tells a reader (or a conflicting writer) which regime it's
// looking at.
const provisionalMarkerBit tuple.TID = 1 << 63

// committedHorizon is the snapshot TID every ordinary Get reads at: the
// largest possible committed TID. Because every in-flight write's TID
// has the top bit set, reading at committedHorizon can never observe an
// uncommitted value by construction, without any side table of commit
// status.
const committedHorizon tuple.TID = provisionalMarkerBit - 1

func provisionalTID(id transactionID) tuple.TID {
	return provisionalMarkerBit | tuple.TID(id)
}

func isProvisional(t tuple.TID) bool {
	return t >= provisionalMarkerBit
}

// A KeyShardProjection is a projection function from a given database key to an opaque value with
// which to assign the key to a storage shard.
type KeyShardProjection func(Key) uint64

type shardedStoreOptions struct {
	initialRecordMapCapacity int
	keyShardProjection       KeyShardProjection
	shardCount               int
}

// ShardedStoreOption is a potential customization of a ShardedStore's behavior.
type ShardedStoreOption func(*shardedStoreOptions) error

// WithInitialRecordMapCapacity establishes the positive number of records per shard for which to
// allocate sufficient capacity initially.
func WithInitialRecordMapCapacity(n int) ShardedStoreOption {
	return func(o *shardedStoreOptions) error {
		if n < 1 {
			return errors.New("initial record map capacity must be positive")
		}
		o.initialRecordMapCapacity = n
		return nil
	}
}

// WithShardCount establishes the number of independently locked shards the store's key space is
// divided across. More shards reduce contention between unrelated keys at the cost of more
// bookkeeping; the default matches the teacher's original fixed array size.
func WithShardCount(n int) ShardedStoreOption {
	return func(o *shardedStoreOptions) error {
		if n < 1 {
			return errors.New("shard count must be positive")
		}
		o.shardCount = n
		return nil
	}
}

// WithKeyShardProjection establishes a projection function from a given database key to an opaque
// value with which to assign the key to a storage shard.
//
// The function must be deterministic, should produce an even distribution of output values for
// keys, and should complete quickly.
func WithKeyShardProjection(p KeyShardProjection) ShardedStoreOption {
	return func(o *shardedStoreOptions) error {
		if p == nil {
			return errors.New("key shard projection must be non-nil")
		}
		o.keyShardProjection = p
		return nil
	}
}

type recordMap struct {
	lock         rwMutex
	recordsByKey map[string]*tuple.Tuple
}

func (rm *recordMap) lookup(k Key) (*tuple.Tuple, bool) {
	rm.lock.RLock()
	head, ok := rm.recordsByKey[string(k)]
	rm.lock.RUnlock()
	return head, ok
}

// lookupCtx behaves like lookup, but gives up and returns ctx.Err() if ctx is
// done before the shard's read lock can be acquired, for callers (lockHead's
// retry loop) that must stay responsive to cancellation under contention.
func (rm *recordMap) lookupCtx(ctx context.Context, k Key) (*tuple.Tuple, bool, error) {
	if !rm.lock.TryRLockUntil(ctx) {
		return nil, false, ctx.Err()
	}
	head, ok := rm.recordsByKey[string(k)]
	rm.lock.RUnlock()
	return head, ok, nil
}

// getOrCreateCtx returns the tuple currently indexed under k, allocating a fresh
// empty one and indexing it if none exists yet; it gives up and returns ctx.Err()
// if ctx is done before the shard's lock can be acquired.
func (rm *recordMap) getOrCreateCtx(ctx context.Context, k Key, counters *tuple.Counters) (*tuple.Tuple, error) {
	if head, ok, err := rm.lookupCtx(ctx, k); err != nil {
		return nil, err
	} else if ok {
		return head, nil
	}
	if !rm.lock.TryLockUntil(ctx) {
		return nil, ctx.Err()
	}
	defer rm.lock.Unlock()
	if head, ok := rm.recordsByKey[string(k)]; ok {
		return head, nil
	}
	head := tuple.New(counters)
	rm.recordsByKey[string(k)] = head
	return head, nil
}

// swing repoints the index entry for k at head, the tuple core's
// "replacement" from a head-allocating write. The caller must already
// hold head's lock per the store's lock ordering: a tuple's own lock,
// when held, is always acquired before this shard lock, never after.
func (rm *recordMap) swing(k Key, head *tuple.Tuple) {
	rm.lock.Lock()
	rm.recordsByKey[string(k)] = head
	rm.lock.Unlock()
}

// remove drops k's index entry if and only if it still points at dead, the
// caller's own idea of what should be removed. The caller must hold dead's
// lock for the whole call so that a concurrent getOrCreate (which only
// double-checks under this same shard lock) cannot install a fresh
// replacement and have it clobbered here.
func (rm *recordMap) remove(k Key, dead *tuple.Tuple) bool {
	rm.lock.Lock()
	defer rm.lock.Unlock()
	if current, ok := rm.recordsByKey[string(k)]; !ok || current != dead {
		return false
	}
	delete(rm.recordsByKey, string(k))
	return true
}

// defaultShardCount matches the teacher's original fixed array size.
const defaultShardCount = 512

// ShardedStore is a database that stores records in a set of maps relating each key to a history of
// versions. All reading and mutation of the database occurs within transactions that allow readers
// to observe a consistent snapshot while writers propose and commit transactions concurrently.
//
// Each record's version history is a tuple chain (internal/tuple): the
// index here owns only the current head pointer per key, exactly as the
// tuple core's ownership model expects. Reclaiming tuples no longer
// reachable from any live index entry is handled by an internal/smr.Manager.
type ShardedStore struct {
	keyShardProjection KeyShardProjection
	txState            transactionState
	counters           *tuple.Counters
	reclaim            *smr.Manager
	recordMaps         []recordMap
}

// MakeShardedStore creates an empty ShardedStore ready to accept records.
func MakeShardedStore(opts ...ShardedStoreOption) (*ShardedStore, error) {
	seed := maphash.MakeSeed()
	options := shardedStoreOptions{
		keyShardProjection: func(k Key) uint64 {
			// TODO(seh): Consider using MurmurHash2, or MurmurHash3 if we can use 128 bits.
			return maphash.Bytes(seed, k)
		},
		initialRecordMapCapacity: 50,
		shardCount:               defaultShardCount,
	}
	for _, o := range opts {
		if err := o(&options); err != nil {
			return nil, err
		}
	}
	s := ShardedStore{
		keyShardProjection: options.keyShardProjection,
		counters:           tuple.NewCounters(),
		reclaim:            smr.NewManager(),
		recordMaps:         make([]recordMap, options.shardCount),
	}
	for i := range s.recordMaps {
		s.recordMaps[i].lock = makeLock()
		s.recordMaps[i].recordsByKey = make(map[string]*tuple.Tuple, options.initialRecordMapCapacity)
	}
	return &s, nil
}

// Counters reports the tuple core's observability counters accumulated across every record this
// store has ever held.
func (s *ShardedStore) Counters() tuple.Snapshot {
	return s.counters.Snapshot()
}

func (s *ShardedStore) recordMapFor(k Key) *recordMap {
	return &s.recordMaps[s.keyShardProjection(k)%uint64(len(s.recordMaps))]
}

// ShardCount reports the number of independently locked shards this store's key space is divided
// across.
func (s *ShardedStore) ShardCount() int {
	return len(s.recordMaps)
}

// ScanShard lists every key in the given shard that currently carries a committed, non-tombstone
// value, for diagnostics. shard must be in [0, ShardCount()).
func (s *ShardedStore) ScanShard(shard int) ([]Key, error) {
	if shard < 0 || shard >= len(s.recordMaps) {
		return nil, fmt.Errorf("shard %d out of range [0, %d)", shard, len(s.recordMaps))
	}
	rm := &s.recordMaps[shard]
	rm.lock.RLock()
	heads := make(map[string]*tuple.Tuple, len(rm.recordsByKey))
	for k, head := range rm.recordsByKey {
		heads[k] = head
	}
	rm.lock.RUnlock()

	keys := make([]Key, 0, len(heads))
	for k, head := range heads {
		value, tid, ok := readValueAt(head, committedHorizon)
		if ok && tid != tuple.MinTID && len(value) > 0 {
			keys = append(keys, Key(k))
		}
	}
	return keys, nil
}

// readValueAt runs the tuple core's stable_read against head at asOf, growing its scratch buffer
// until the copy is no longer truncated.
func readValueAt(head *tuple.Tuple, asOf tuple.TID) (Value, tuple.TID, bool) {
	bufLen := 256
	for {
		buf := make([]byte, bufLen)
		n, tid, ok := tuple.Read(head, asOf, buf)
		if !ok {
			return nil, 0, false
		}
		if n < bufLen {
			return Value(buf[:n]), tid, true
		}
		bufLen *= 2
	}
}

// pendingEntry remembers what a transaction's key looked like the moment it first touched it, so
// Rollback can restore exactly that state.
type pendingEntry struct {
	priorTID   tuple.TID
	priorValue Value
}

// shardedStoreTransaction represents the database starting at a point in time, isolated both from
// observing and interfering with operations in other transactions.
//
// Writes this transaction makes land immediately in the tuple chain, tagged with this
// transaction's provisional TID (its numeric ID with the top bit set) rather than buffered
// separately; this is what makes an ordinary multi-write transaction exercise the tuple core's
// in-place, spill, and head-replacement paths the same way any other writer does. A provisional
// TID is never visible to another transaction's reads, which always sample at committedHorizon,
// and any other transaction's write against the same key fails with ErrTransactionInConflict
// until this one commits or rolls back.
type shardedStoreTransaction struct {
	store         *ShardedStore
	id            transactionID
	guard         *smr.Guard
	pendingWrites map[string]*pendingEntry
}

// canOverwrite is this transaction's can_overwrite_record oracle: true only for a record that has
// never been written (MinTID) or that this same transaction already holds provisionally. Every
// other existing value belongs to either a committed predecessor or another transaction's
// in-flight write, neither of which this write may discard in place.
func (t *shardedStoreTransaction) canOverwrite(existing, _ tuple.TID) bool {
	return existing == tuple.MinTID || existing == provisionalTID(t.id)
}

// lockHead returns the locked, currently-indexed tuple for k, creating one if create is true and
// none exists. It re-validates that the returned tuple is still the one indexed under k after
// acquiring its lock, retrying if a concurrent vacuum pass removed or replaced the entry out from
// under it; this is the read side of the store's lock ordering rule (a tuple's lock is always
// taken before any shard lock that might remove it from the index).
func (t *shardedStoreTransaction) lockHead(ctx context.Context, rm *recordMap, k Key, create bool) (*tuple.Tuple, error) {
	for {
		var head *tuple.Tuple
		if create {
			var err error
			head, err = rm.getOrCreateCtx(ctx, k, t.store.counters)
			if err != nil {
				return nil, err
			}
		} else {
			var ok bool
			var err error
			head, ok, err = rm.lookupCtx(ctx, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, recordDoesNotExistError(k)
			}
		}
		head.Lock()
		if current, ok := rm.lookup(k); ok && current == head {
			return head, nil
		}
		head.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// checkConflict peeks the locked head's current (tid, bytes) and fails fast, without ever calling
// tuple.WriteRecordAt, if another transaction's provisional write is sitting there. This conflict
// detection is the store's job, not the oracle's: the oracle only decides in-place-vs-spill once a
// write is already known to be safe to attempt.
func (t *shardedStoreTransaction) checkConflict(k Key, head *tuple.Tuple) (tuple.TID, Value, error) {
	existing, bytes := head.PeekLocked()
	if isProvisional(existing) && existing != provisionalTID(t.id) {
		head.Unlock()
		return 0, nil, transactionInConflictError(k)
	}
	return existing, Value(bytes), nil
}

// finishWrite swings the index to replacement if the write allocated a new head, unlocks head, and
// stashes the key's pre-transaction state the first time this transaction touches it.
func (t *shardedStoreTransaction) finishWrite(rm *recordMap, k Key, head, replacement *tuple.Tuple, existing tuple.TID, priorBytes Value) {
	if replacement != nil {
		rm.swing(k, replacement)
	}
	head.Unlock()
	key := string(k)
	if _, has := t.pendingWrites[key]; has {
		return
	}
	if t.pendingWrites == nil {
		t.pendingWrites = make(map[string]*pendingEntry, 3)
	}
	t.pendingWrites[key] = &pendingEntry{
		priorTID:   existing,
		priorValue: append(Value(nil), priorBytes...),
	}
}

func (t *shardedStoreTransaction) Get(ctx context.Context, k Key) (Value, error) {
	rm := t.store.recordMapFor(k)
	if _, pending := t.pendingWrites[string(k)]; pending {
		head, ok := rm.lookup(k)
		if !ok {
			return nil, recordDoesNotExistError(k)
		}
		head.Lock()
		_, bytes := head.PeekLocked()
		head.Unlock()
		if len(bytes) == 0 {
			return nil, recordDoesNotExistError(k)
		}
		return Value(bytes), nil
	}
	for {
		head, ok := rm.lookup(k)
		if !ok {
			return nil, recordDoesNotExistError(k)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		value, tid, ok := readValueAt(head, committedHorizon)
		if !ok {
			// The index swung to a new head mid-read; retry against the current entry.
			continue
		}
		if tid == tuple.MinTID || len(value) == 0 {
			return nil, recordDoesNotExistError(k)
		}
		return value, nil
	}
}

func (t *shardedStoreTransaction) Insert(ctx context.Context, k Key, v Value) error {
	rm := t.store.recordMapFor(k)
	head, err := t.lockHead(ctx, rm, k, true)
	if err != nil {
		return err
	}
	existing, priorBytes, err := t.checkConflict(k, head)
	if err != nil {
		return err
	}
	if len(priorBytes) > 0 {
		head.Unlock()
		return recordExistsError(k)
	}
	_, replacement := tuple.WriteRecordAt(head, t.canOverwrite, provisionalTID(t.id), v)
	t.finishWrite(rm, k, head, replacement, existing, priorBytes)
	return nil
}

func (t *shardedStoreTransaction) Update(ctx context.Context, k Key, v Value) error {
	rm := t.store.recordMapFor(k)
	head, err := t.lockHead(ctx, rm, k, false)
	if err != nil {
		return err
	}
	existing, priorBytes, err := t.checkConflict(k, head)
	if err != nil {
		return err
	}
	if len(priorBytes) == 0 {
		head.Unlock()
		return recordDoesNotExistError(k)
	}
	_, replacement := tuple.WriteRecordAt(head, t.canOverwrite, provisionalTID(t.id), v)
	t.finishWrite(rm, k, head, replacement, existing, priorBytes)
	return nil
}

// Upsert tries Update first, falling back to Insert if the record doesn't exist yet, and retrying
// if it loses a race with a concurrent Insert of the same key within this same transaction attempt.
func (t *shardedStoreTransaction) Upsert(ctx context.Context, k Key, v Value) error {
	for {
		err := t.Update(ctx, k, v)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRecordDoesNotExist) {
			err = t.Insert(ctx, k, v)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrRecordExists) {
				continue
			}
		}
		return err
	}
}

func (t *shardedStoreTransaction) Delete(ctx context.Context, k Key) (error, bool) {
	rm := t.store.recordMapFor(k)
	head, err := t.lockHead(ctx, rm, k, false)
	if err != nil {
		if errors.Is(err, ErrRecordDoesNotExist) {
			return nil, false
		}
		return err, false
	}
	existing, priorBytes, err := t.checkConflict(k, head)
	if err != nil {
		return err, false
	}
	if len(priorBytes) == 0 {
		head.Unlock()
		return nil, false
	}
	_, replacement := tuple.WriteRecordAt(head, t.canOverwrite, provisionalTID(t.id), nil)
	t.finishWrite(rm, k, head, replacement, existing, priorBytes)
	return nil, true
}

// commit re-stamps every key this transaction wrote with its permanent, committed TID (the
// transaction's own numeric ID, top bit clear). Since the existing value at head is always this
// same transaction's provisional marker, canOverwrite is always true and the bytes already fit the
// tuple's own capacity, so this is always an in-place rewrite: no new allocation, no spill,
// regardless of how many times the key was rewritten mid-transaction.
func (t *shardedStoreTransaction) commit() {
	commitTID := tuple.TID(t.id)
	for key := range t.pendingWrites {
		k := Key(key)
		rm := t.store.recordMapFor(k)
		head, ok := rm.lookup(k)
		if !ok {
			continue
		}
		head.Lock()
		existing, bytes := head.PeekLocked()
		if existing != provisionalTID(t.id) {
			head.Unlock()
			continue
		}
		_, replacement := tuple.WriteRecordAt(head, t.canOverwrite, commitTID, bytes)
		if replacement != nil {
			rm.swing(k, replacement)
		}
		head.Unlock()
	}
}

// rollback restores every key this transaction wrote to the (tid, bytes) pair it captured on
// first touch.
func (t *shardedStoreTransaction) rollback() {
	for key, entry := range t.pendingWrites {
		k := Key(key)
		rm := t.store.recordMapFor(k)
		head, ok := rm.lookup(k)
		if !ok {
			continue
		}
		head.Lock()
		existing, _ := head.PeekLocked()
		if existing != provisionalTID(t.id) {
			head.Unlock()
			continue
		}
		_, replacement := tuple.WriteRecordAt(head, t.canOverwrite, entry.priorTID, entry.priorValue)
		if replacement != nil {
			rm.swing(k, replacement)
		}
		head.Unlock()
	}
}

// Transaction allows observing and mutating the database tentatively, such that it's possible to
// roll back or preclude committing pending mutations.
type Transaction interface {
	// Get retrieves an existing record from the database for the given key, if any such record
	// exists.
	//
	// If the database does not contain a record with the given key. Get returns
	// ErrRecordDoesNotExist.
	Get(ctx context.Context, k Key) (Value, error)
	// Insert adds a new record to the database for the given key, storing the given value.
	//
	// If the database already contains a record for the given key, Insert returns ErrRecordExists.
	Insert(ctx context.Context, k Key, v Value) error
	// Update modifies an existing record in the database with the given key to store the given
	// value.
	//
	// If the database does not contain a record with the given key. Update returns
	// ErrRecordDoesNotExist.
	Update(ctx context.Context, k Key, v Value) error
	// Upsert ensures that a record exists in the database for the given key storing the given
	// value.
	//
	// If no record for the given key already exists, Upsert behaves like Insert. Conversely, if a
	// record for the given key already exists, Upsert behaves like Update.
	Upsert(ctx context.Context, k Key, v Value) error
	// Delete ensures that no record exists in the database for the given key, removing an existing
	// record if need be.
	//
	// Delete returns true if it removed an existing record, or false if either no such record
	// existed or an error arose.
	Delete(ctx context.Context, k Key) (error, bool)
}

var _ Transaction = (*shardedStoreTransaction)(nil)

func (s *ShardedStore) WithinTransaction(ctx context.Context, f func(context.Context, Transaction) (commit bool, err error)) error {
	if f == nil {
		return errors.New("transaction-consuming function must be non-nil")
	}
	guard := s.reclaim.Enter()
	defer guard.Exit()
	tx := shardedStoreTransaction{
		store: s,
		id:    s.txState.claimNext(),
		guard: guard,
	}
	// TODO(seh): Consider recovering from panics here and rolling back the transaction.
	commit, err := f(ctx, &tx)
	if commit {
		tx.commit()
	} else {
		tx.rollback()
	}
	return err
}
