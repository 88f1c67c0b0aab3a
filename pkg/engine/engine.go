package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quillstore/quill/pkg/events"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/metrics"
	"github.com/quillstore/quill/pkg/storage"
	"github.com/quillstore/quill/pkg/types"
	"github.com/quillstore/quill/pkg/wal"
)

// Options configures the write engine. Zero values take defaults.
type Options struct {
	ShardCount    int
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SafeMode      bool
	CacheTTL      time.Duration
	CacheSize     int
	MaxRetries    int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ShardCount:    8,
		BufferSize:    10000,
		BatchSize:     1000,
		FlushInterval: 100 * time.Millisecond,
		SafeMode:      true,
		CacheTTL:      60 * time.Second,
		CacheSize:     4096,
		MaxRetries:    5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ShardCount <= 0 {
		o.ShardCount = d.ShardCount
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	return o
}

// collectionBuffer holds the pending writes for one collection. Each
// buffer has its own mutex; the engine never holds two at once.
type collectionBuffer struct {
	mu      sync.Mutex
	entries []*types.BufferedWrite
}

// Engine is the buffered, sharded write engine. Writes land in the WAL
// first, then the in-memory per-collection buffer, and reach the shard
// pool on the next flush. Reads go cache, then buffer, then shards.
type Engine struct {
	opts   Options
	pool   *storage.Pool
	wal    *wal.WAL
	broker *events.Broker
	cache  *readCache

	mu      sync.RWMutex
	buffers map[string]*collectionBuffer

	// flushMu serializes flush passes; the timer, overflow kicks, and
	// sync reads all funnel through it.
	flushMu sync.Mutex
	// acceptMu spans a write's WAL append and buffer append as one unit
	// against Flush's covered-prefix snapshot, so a WAL record can never
	// be truncated while its entry exists only in memory.
	acceptMu sync.RWMutex

	degraded atomic.Bool
	closed   atomic.Bool

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates the engine: opens the shard pool and WAL under dataDir,
// replays any WAL records left by a crash into the buffer, flushes
// them, and starts the flush timer. broker may be nil.
func Open(dataDir string, opts Options, broker *events.Broker) (*Engine, error) {
	opts = opts.withDefaults()

	pool, err := storage.OpenPool(dataDir, opts.ShardCount)
	if err != nil {
		metrics.RegisterComponent("shards", false, err.Error())
		return nil, fmt.Errorf("open shard pool: %w", err)
	}
	w, err := wal.Open(dataDir, opts.SafeMode)
	if err != nil {
		pool.Close()
		metrics.RegisterComponent("wal", false, err.Error())
		return nil, fmt.Errorf("open wal: %w", err)
	}

	e := &Engine{
		opts:    opts,
		pool:    pool,
		wal:     w,
		broker:  broker,
		cache:   newReadCache(opts.CacheSize, opts.CacheTTL),
		buffers: make(map[string]*collectionBuffer),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	if opts.SafeMode {
		if err := e.recover(); err != nil {
			w.Close()
			pool.Close()
			return nil, err
		}
	}

	metrics.RegisterComponent("wal", true, "")
	metrics.RegisterComponent("shards", true, "")

	e.wg.Add(1)
	go e.flushLoop()
	return e, nil
}

// recover replays WAL records into the buffers and flushes them. The
// WAL is truncated only after that flush commits, so a crash during
// recovery just replays again.
func (e *Engine) recover() error {
	records, err := e.wal.Replay()
	if err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	lg1 := log.WithComponent("engine")
	lg1.Info().
		Int("records", len(records)).
		Msg("recovering buffered writes from wal")
	for _, rec := range records {
		buf := e.buffer(rec.Collection)
		buf.mu.Lock()
		buf.entries = append(buf.entries, rec)
		buf.mu.Unlock()
	}
	if err := e.Flush(); err != nil {
		// The data is still in the WAL; start anyway and let the
		// flush loop keep retrying.
		lg2 := log.WithComponent("engine")
		lg2.Error().Err(err).
			Msg("recovery flush failed, retrying in background")
	}
	return nil
}

func (e *Engine) buffer(collection string) *collectionBuffer {
	e.mu.RLock()
	buf, ok := e.buffers[collection]
	e.mu.RUnlock()
	if ok {
		return buf
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf, ok = e.buffers[collection]; ok {
		return buf
	}
	buf = &collectionBuffer{}
	e.buffers[collection] = buf
	return buf
}

// Upsert accepts a write. The WAL append happens before anything else;
// if it fails the write was not accepted.
func (e *Engine) Upsert(collection, id string, value json.RawMessage, version uint64) error {
	return e.accept(&types.BufferedWrite{
		Collection: collection,
		ID:         id,
		Op:         types.WriteUpsert,
		Value:      value,
		Version:    version,
		Timestamp:  types.NowMillis(),
	})
}

// Delete accepts a physical row removal. Document-level deletes go
// through SoftDelete instead so resync can observe them.
func (e *Engine) Delete(collection, id string) error {
	return e.accept(&types.BufferedWrite{
		Collection: collection,
		ID:         id,
		Op:         types.WriteDelete,
		Timestamp:  types.NowMillis(),
	})
}

// SoftDelete tombstones a row: it stays durable, flagged deleted, until
// compaction removes it past the retention horizon.
func (e *Engine) SoftDelete(collection, id string, value json.RawMessage, version uint64) error {
	return e.accept(&types.BufferedWrite{
		Collection: collection,
		ID:         id,
		Op:         types.WriteUpsert,
		Value:      value,
		Version:    version,
		Timestamp:  types.NowMillis(),
		Deleted:    true,
	})
}

func (e *Engine) accept(rec *types.BufferedWrite) error {
	if e.closed.Load() {
		return types.NewError(types.ErrDurable, "engine_closed", "engine is closed")
	}
	if e.degraded.Load() {
		metrics.WriteErrorsTotal.WithLabelValues("degraded").Inc()
		return types.NewError(types.ErrDurable, "engine_degraded",
			"engine is in degraded read-only mode")
	}
	if err := types.ValidateCollection(rec.Collection); err != nil {
		metrics.WriteErrorsTotal.WithLabelValues("validation").Inc()
		return err
	}
	if err := types.ValidateDocID(rec.ID); err != nil {
		metrics.WriteErrorsTotal.WithLabelValues("validation").Inc()
		return err
	}

	e.acceptMu.RLock()
	if err := e.wal.Append(rec); err != nil {
		e.acceptMu.RUnlock()
		e.enterDegraded(err)
		metrics.WriteErrorsTotal.WithLabelValues("wal").Inc()
		return err
	}

	buf := e.buffer(rec.Collection)
	buf.mu.Lock()
	buf.entries = append(buf.entries, rec)
	overflow := len(buf.entries) >= e.opts.BufferSize
	buf.mu.Unlock()
	e.acceptMu.RUnlock()

	e.cache.put(rec.Collection, rec.ID, rec)
	metrics.WritesTotal.WithLabelValues(rec.Collection, string(rec.Op)).Inc()

	if overflow {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-e.kick:
		case <-e.stopCh:
			return
		}
		if err := e.Flush(); err != nil {
			lg3 := log.WithComponent("engine")
			lg3.Error().Err(err).Msg("flush failed")
		}
	}
}

// Flush drains every collection buffer to the shard pool and truncates
// the WAL prefix the drained entries came from. Safe to call
// concurrently; passes are serialized.
func (e *Engine) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	// Batched fsync: everything accepted so far becomes durable in the
	// WAL before the shard commits start. The exclusive hold on acceptMu
	// means no write is sitting between its WAL append and its buffer
	// append while the covered prefix is snapshotted; entries appended
	// after it have WAL records beyond the prefix and survive the
	// truncate below.
	e.acceptMu.Lock()
	if err := e.wal.Sync(); err != nil {
		e.acceptMu.Unlock()
		e.enterDegraded(err)
		return err
	}
	covered := e.wal.Count()
	e.acceptMu.Unlock()

	timer := metrics.NewTimer()
	total := 0
	var firstErr error
	for _, name := range e.collectionNames() {
		n, err := e.flushCollection(name)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if total > 0 {
		metrics.FlushBatchSize.Observe(float64(total))
		timer.ObserveDuration(metrics.FlushDuration)
	}

	if firstErr != nil {
		e.publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventFlushFailed,
			Message: firstErr.Error(),
		})
		return firstErr
	}

	if covered > 0 {
		if err := e.wal.Truncate(covered); err != nil {
			// Not data loss: replaying already-committed upserts is
			// idempotent. Warn and move on.
			lg4 := log.WithComponent("engine")
			lg4.Warn().Err(err).Msg("wal truncate failed")
		}
	}
	if total > 0 {
		e.publish(&events.Event{
			ID:       uuid.NewString(),
			Type:     events.EventFlushCompleted,
			Metadata: map[string]string{"writes": fmt.Sprintf("%d", total)},
		})
	}
	return nil
}

func (e *Engine) collectionNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.buffers))
	for name := range e.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// flushCollection drains one buffer in batchSize chunks. Entries whose
// shard commit fails after retries go back to the head of the buffer in
// their original order.
func (e *Engine) flushCollection(collection string) (int, error) {
	buf := e.buffer(collection)
	total := 0
	for {
		buf.mu.Lock()
		if len(buf.entries) == 0 {
			buf.mu.Unlock()
			return total, nil
		}
		n := min(e.opts.BatchSize, len(buf.entries))
		batch := buf.entries[:n:n]
		buf.entries = buf.entries[n:]
		buf.mu.Unlock()

		failed, err := e.commitBatch(collection, batch)
		total += n - len(failed)
		if err != nil {
			if len(failed) > 0 {
				buf.mu.Lock()
				buf.entries = append(failed, buf.entries...)
				buf.mu.Unlock()
			}
			return total, err
		}
	}
}

// commitBatch groups a batch by shard and commits each group as one
// transaction. Returns the entries that could not be committed.
func (e *Engine) commitBatch(collection string, batch []*types.BufferedWrite) ([]*types.BufferedWrite, error) {
	groups := make(map[int][]*types.BufferedWrite)
	var order []int
	for _, rec := range batch {
		idx := storage.ShardIndex(rec.ID, e.pool.Count())
		if _, ok := groups[idx]; !ok {
			order = append(order, idx)
		}
		groups[idx] = append(groups[idx], rec)
	}
	sort.Ints(order)

	var failed []*types.BufferedWrite
	var firstErr error
	for _, idx := range order {
		group := groups[idx]
		if err := e.commitShard(idx, collection, group); err != nil {
			failed = append(failed, group...)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return failed, firstErr
}

// commitShard collapses the group to its final per-id state and commits
// it with exponential backoff, capped at 5 seconds.
func (e *Engine) commitShard(idx int, collection string, group []*types.BufferedWrite) error {
	// Per-id coalescing: within one flush the intermediate states are
	// not durably observable, only the final one is.
	final := make(map[string]*types.BufferedWrite, len(group))
	var ids []string
	for _, rec := range group {
		if _, ok := final[rec.ID]; !ok {
			ids = append(ids, rec.ID)
		}
		final[rec.ID] = rec
	}

	var upserts []*types.Document
	var deletes []string
	for _, id := range ids {
		rec := final[id]
		if rec.Op == types.WriteDelete {
			deletes = append(deletes, id)
			continue
		}
		doc := &types.Document{
			ID:        rec.ID,
			Data:      rec.Value,
			Version:   rec.Version,
			UpdatedAt: time.UnixMilli(rec.Timestamp),
			Deleted:   rec.Deleted,
		}
		if rec.Deleted {
			doc.DeletedAt = rec.Timestamp
		}
		upserts = append(upserts, doc)
	}

	shard := e.pool.Shard(idx)
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := shard.Apply(collection, upserts, deletes)
		if err == nil {
			for _, id := range deletes {
				e.cache.remove(collection, id)
			}
			return nil
		}
		if types.IsKind(err, types.ErrValidation) || attempt >= e.opts.MaxRetries {
			metrics.UpdateComponent("shards", false, err.Error())
			return types.WrapError(types.ErrTransient, "shard_busy",
				fmt.Sprintf("shard %d commit failed after %d attempts", idx, attempt+1), err)
		}
		metrics.FlushRetriesTotal.Inc()
		lg5 := log.WithComponent("engine")
		lg5.Warn().Err(err).
			Int("shard", idx).
			Int("attempt", attempt+1).
			Msg("shard commit failed, backing off")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

// Get reads one document: cache, then pending buffer, then the owning
// shard. syncRead forces a flush first so the read observes durable
// state.
func (e *Engine) Get(collection, id string, syncRead bool) (*types.Document, error) {
	if syncRead {
		if err := e.Flush(); err != nil {
			return nil, err
		}
	}

	if doc, ok, deleted := e.cache.get(collection, id); ok {
		metrics.ReadsTotal.WithLabelValues("cache").Inc()
		if deleted {
			return nil, types.NewError(types.ErrNotFound, "doc_not_found",
				fmt.Sprintf("%s/%s not found", collection, id))
		}
		return doc, nil
	}

	if rec := e.pendingWrite(collection, id); rec != nil {
		metrics.ReadsTotal.WithLabelValues("buffer").Inc()
		if rec.Op == types.WriteDelete || rec.Deleted {
			return nil, types.NewError(types.ErrNotFound, "doc_not_found",
				fmt.Sprintf("%s/%s not found", collection, id))
		}
		return &types.Document{
			ID:        rec.ID,
			Data:      rec.Value,
			Version:   rec.Version,
			UpdatedAt: time.UnixMilli(rec.Timestamp),
		}, nil
	}

	doc, err := e.pool.Get(collection, id)
	if err != nil {
		return nil, err
	}
	metrics.ReadsTotal.WithLabelValues("store").Inc()
	if doc.Deleted {
		return nil, types.NewError(types.ErrNotFound, "doc_not_found",
			fmt.Sprintf("%s/%s not found", collection, id))
	}
	e.cache.fill(collection, id, doc)
	return doc, nil
}

// pendingWrite returns the newest buffered write for the id, if any.
func (e *Engine) pendingWrite(collection, id string) *types.BufferedWrite {
	buf := e.buffer(collection)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	for i := len(buf.entries) - 1; i >= 0; i-- {
		if buf.entries[i].ID == id {
			return buf.entries[i]
		}
	}
	return nil
}

// ListOptions controls collection listing.
type ListOptions struct {
	Limit int
	Skip  int
	// Sort is a top-level field name in the document data; empty sorts
	// by id. Desc reverses the order.
	Sort string
	Desc bool
	// IncludeDeleted keeps soft-deleted rows in the result. Used by
	// compaction; normal listings hide them.
	IncludeDeleted bool
}

// List returns the documents of a collection. Pending buffered writes
// are flushed first so the listing is consistent with Get.
func (e *Engine) List(collection string, opts ListOptions) ([]*types.Document, error) {
	if err := types.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if e.hasPending(collection) {
		if err := e.Flush(); err != nil {
			return nil, err
		}
	}
	docs, err := e.pool.ScanAll(collection)
	if err != nil {
		return nil, err
	}
	if !opts.IncludeDeleted {
		kept := docs[:0]
		for _, doc := range docs {
			if !doc.Deleted {
				kept = append(kept, doc)
			}
		}
		docs = kept
	}
	sortDocs(docs, opts.Sort, opts.Desc)

	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			return nil, nil
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func (e *Engine) hasPending(collection string) bool {
	buf := e.buffer(collection)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.entries) > 0
}

// sortDocs orders by id, or by a top-level field of the document data.
// Mixed-type fields compare by type name so the order is total.
func sortDocs(docs []*types.Document, field string, desc bool) {
	less := func(i, j int) bool { return docs[i].ID < docs[j].ID }
	if field != "" {
		less = func(i, j int) bool {
			a, b := fieldValue(docs[i].Data, field), fieldValue(docs[j].Data, field)
			if c := compareField(a, b); c != 0 {
				return c < 0
			}
			return docs[i].ID < docs[j].ID
		}
	}
	if desc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(docs, less)
}

func fieldValue(data json.RawMessage, field string) any {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	return obj[field]
}

func compareField(a, b any) int {
	switch av := a.(type) {
	case nil:
		if b == nil {
			return 0
		}
		return -1
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
			return 0
		}
	}
	if b == nil {
		return 1
	}
	at, bt := fmt.Sprintf("%T", a), fmt.Sprintf("%T", b)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	}
	return 0
}

// Collections returns every collection name known durably or in the
// buffer, sorted.
func (e *Engine) Collections() ([]string, error) {
	tables, err := e.pool.Tables()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		seen[t] = true
	}
	e.mu.RLock()
	for name, buf := range e.buffers {
		buf.mu.Lock()
		pending := len(buf.entries) > 0
		buf.mu.Unlock()
		if pending {
			seen[name] = true
		}
	}
	e.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) enterDegraded(cause error) {
	if e.degraded.Swap(true) {
		return
	}
	lg6 := log.WithComponent("engine")
	lg6.Error().Err(cause).
		Msg("wal unwritable, entering degraded read-only mode")
	metrics.EngineDegraded.Set(1)
	metrics.UpdateComponent("wal", false, "degraded read-only mode")
	e.publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    events.EventWALDegraded,
		Message: cause.Error(),
	})
}

func (e *Engine) publish(ev *events.Event) {
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}

// Stats is a point-in-time view of the engine for /api/stats.
type Stats struct {
	ShardCount   int            `json:"shard_count"`
	Buffered     map[string]int `json:"buffered"`
	WALRecords   int            `json:"wal_records"`
	WALBytes     int64          `json:"wal_bytes"`
	CacheEntries int            `json:"cache_entries"`
	Degraded     bool           `json:"degraded"`
}

// GetStats reports buffer depths and WAL state.
func (e *Engine) GetStats() Stats {
	st := Stats{
		ShardCount:   e.pool.Count(),
		Buffered:     make(map[string]int),
		WALRecords:   e.wal.Count(),
		WALBytes:     e.wal.Size(),
		CacheEntries: e.cache.len(),
		Degraded:     e.degraded.Load(),
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, buf := range e.buffers {
		buf.mu.Lock()
		if n := len(buf.entries); n > 0 {
			st.Buffered[name] = n
		}
		buf.mu.Unlock()
	}
	return st
}

// BufferedCount implements metrics.EngineSource.
func (e *Engine) BufferedCount() int {
	total := 0
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, buf := range e.buffers {
		buf.mu.Lock()
		total += len(buf.entries)
		buf.mu.Unlock()
	}
	return total
}

// WALCount implements metrics.EngineSource.
func (e *Engine) WALCount() int { return e.wal.Count() }

// WALSize implements metrics.EngineSource.
func (e *Engine) WALSize() int64 { return e.wal.Size() }

// IsDegraded implements metrics.EngineSource.
func (e *Engine) IsDegraded() bool { return e.degraded.Load() }

// Pool exposes the shard pool for read-only consumers (compaction, the
// sync hub's document loader).
func (e *Engine) Pool() *storage.Pool { return e.pool }

// Close stops the flush timer, performs a final synchronous flush, and
// closes the WAL and every shard.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()

	var first error
	if !e.degraded.Load() {
		if err := e.Flush(); err != nil {
			first = err
		}
	}
	if err := e.wal.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.pool.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
