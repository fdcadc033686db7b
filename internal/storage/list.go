package storage

import (
	"encoding/binary"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const (
	indexEntrySize    = 16 + 8 + 4 // id | offset (LE) | length (LE)
	dataBytesPerEntry = 4096
	defaultBatchSize  = 100
	defaultCacheSize  = 1024
)

// TombstoneID is the fixed sentinel chosen at process init to mark a
// deleted index-file slot. It is never produced by uuid.New() (a v4
// UUID), so it can never collide with a legitimate vector id.
var TombstoneID = uuid.Must(uuid.Parse("ffffffff-ffff-ffff-ffff-ffffffffffff"))

// Options configures a List at construction. Growth is not online in
// this spec: EntriesCapacity is fixed for the life of the files.
type Options struct {
	EntriesCapacity int
	CacheSize       int
	BatchSize       int
}

func (o Options) withDefaults() Options {
	if o.EntriesCapacity <= 0 {
		o.EntriesCapacity = 1024
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	return o
}

// List is the persistent vector list: two sibling mmap'd files (an
// index of fixed-width (id, offset, length) entries and an append-only
// data arena) guarded by a single reader-writer lock, per spec §4.B.
type List struct {
	mu sync.RWMutex

	indexPath, dataPath string
	indexMmap, dataMmap *mmapFile

	capacity  int // entries capacity, fixed at construction
	batchSize int // default DefragBatch size

	nextSlot int   // first never-written slot == logical end of index stream
	dataEnd  int64 // first free byte in the data arena

	ids     *idIndex // id -> current slot
	order   []int    // slot numbers in logical (live) order
	logical map[vector.ID]int

	tombstoneBytes int64

	// defrag_batch cursor state, persisted across calls so interleaved
	// foreground traffic can proceed between batches.
	defragReadSlot   int
	defragWriteSlot  int
	defragWriteBytes int64
	defragSweepEnd   int
	defragNewOrder   []int
	defragActive     bool

	cache *lru.Cache[vector.ID, *vector.Record]

	tempFiles []string // deleted on Dispose if this list owns them
}

// Open creates or opens the persistent vector list backed by the two
// files at dir/index.dat and dir/data.dat.
func Open(dir string, opts Options) (*List, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, vdberr.Wrap(vdberr.IoFailure, "storage.Open", "create directory", err)
	}
	return open(filepath.Join(dir, "index.dat"), filepath.Join(dir, "data.dat"), opts, nil)
}

// OpenTemp creates the list under the system temp directory with
// uniquely named files, deleted on Dispose. Matches spec §5's
// "Temporary files backing the vector list are created under the
// system temp directory, named uniquely, and deleted on Dispose."
func OpenTemp(opts Options) (*List, error) {
	opts = opts.withDefaults()
	dir, err := os.MkdirTemp("", "vecdb-list-*")
	if err != nil {
		return nil, vdberr.Wrap(vdberr.IoFailure, "storage.OpenTemp", "create temp dir", err)
	}
	indexPath := filepath.Join(dir, "index.dat")
	dataPath := filepath.Join(dir, "data.dat")
	return open(indexPath, dataPath, opts, []string{indexPath, dataPath, dir})
}

func open(indexPath, dataPath string, opts Options, tempFiles []string) (*List, error) {
	indexSize := int64(opts.EntriesCapacity) * indexEntrySize
	dataSize := int64(opts.EntriesCapacity) * dataBytesPerEntry

	idxMmap, err := openMmapFile(indexPath, indexSize)
	if err != nil {
		return nil, err
	}
	dataMmap, err := openMmapFile(dataPath, dataSize)
	if err != nil {
		idxMmap.close()
		return nil, err
	}

	cache, _ := lru.New[vector.ID, *vector.Record](opts.CacheSize)

	l := &List{
		indexPath: indexPath,
		dataPath:  dataPath,
		indexMmap: idxMmap,
		dataMmap:  dataMmap,
		capacity:  opts.EntriesCapacity,
		batchSize: opts.BatchSize,
		ids:       newIDIndex(),
		logical:   make(map[vector.ID]int),
		cache:     cache,
		tempFiles: tempFiles,
	}
	l.rebuildFromMmap()
	return l, nil
}

// rebuildFromMmap replays the index file to reconstruct the in-memory
// id→slot map and live order, mirroring BatchLoadFromMmap in the
// teacher's BTreeIndex.
func (l *List) rebuildFromMmap() {
	l.ids = newIDIndex()
	l.order = l.order[:0]
	l.logical = make(map[vector.ID]int)
	l.tombstoneBytes = 0

	slot := 0
	for ; slot < l.capacity; slot++ {
		id, offset, length, ok := l.readEntry(slot)
		if !ok {
			break // all-zero id: logical end of stream
		}
		if id == TombstoneID {
			l.tombstoneBytes += int64(length)
			continue
		}
		l.ids.set(id, slot)
		l.order = append(l.order, slot)
		if end := offset + int64(length); end > l.dataEnd {
			l.dataEnd = end
		}
	}
	l.nextSlot = slot
	l.rebuildLogicalIndex()
}

func (l *List) rebuildLogicalIndex() {
	for i, slot := range l.order {
		id, _, _, _ := l.readEntry(slot)
		l.logical[id] = i
	}
}

// readEntry reads the raw (id, offset, length) tuple at slot. ok is
// false when the id field is all-zero (logical end of stream).
func (l *List) readEntry(slot int) (id vector.ID, offset int64, length uint32, ok bool) {
	base := slot * indexEntrySize
	buf := l.indexMmap.data[base : base+indexEntrySize]
	copy(id[:], buf[0:16])
	offset = int64(binary.LittleEndian.Uint64(buf[16:24]))
	length = binary.LittleEndian.Uint32(buf[24:28])
	if id == vector.NilID {
		return id, offset, length, false
	}
	return id, offset, length, true
}

func (l *List) writeEntry(slot int, id vector.ID, offset int64, length uint32) {
	base := slot * indexEntrySize
	buf := l.indexMmap.data[base : base+indexEntrySize]
	copy(buf[0:16], id[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(offset))
	binary.LittleEndian.PutUint32(buf[24:28], length)
}

// Count returns the number of currently-live (non-tombstoned) records.
func (l *List) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Add appends v, assigning it the next logical index.
func (l *List) Add(v *vector.Record) error {
	if v == nil {
		return vdberr.New(vdberr.InvalidArgument, "storage.Add", "nil record")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(v)
}

func (l *List) addLocked(v *vector.Record) error {
	if l.nextSlot >= l.capacity {
		return vdberr.New(vdberr.IoFailure, "storage.Add", "index file at capacity")
	}
	encoded := v.ToBinary()
	if l.dataEnd+int64(len(encoded)) > int64(len(l.dataMmap.data)) {
		return vdberr.New(vdberr.IoFailure, "storage.Add", "data file at capacity")
	}

	offset := l.dataEnd
	copy(l.dataMmap.data[offset:offset+int64(len(encoded))], encoded)
	l.dataEnd += int64(len(encoded))

	slot := l.nextSlot
	l.writeEntry(slot, v.ID, offset, uint32(len(encoded)))
	l.nextSlot++

	l.ids.set(v.ID, slot)
	l.order = append(l.order, slot)
	l.logical[v.ID] = len(l.order) - 1

	if l.cache != nil {
		l.cache.Add(v.ID, v.Clone())
	}
	return nil
}

// Get returns the record at logical position index, or (nil, false)
// when out of range.
func (l *List) Get(index int) (*vector.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.order) {
		return nil, false
	}
	return l.readRecordAtSlot(l.order[index])
}

// GetByID returns the record with the given id, or (nil, false).
func (l *List) GetByID(id vector.ID) (*vector.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.cache.Get(id); ok {
		return r.Clone(), true
	}
	slot, ok := l.ids.get(id)
	if !ok {
		return nil, false
	}
	return l.readRecordAtSlot(slot)
}

func (l *List) readRecordAtSlot(slot int) (*vector.Record, bool) {
	id, offset, length, ok := l.readEntry(slot)
	if !ok || id == TombstoneID {
		return nil, false
	}
	buf := l.dataMmap.data[offset : offset+int64(length)]
	rec, err := vector.FromBinary(buf)
	if err != nil {
		log.Printf("storage: corrupt record at slot %d: %v", slot, err)
		return nil, false
	}
	if l.cache != nil {
		l.cache.Add(id, rec.Clone())
	}
	return rec, true
}

// FindIndexByID returns the logical index of id, or -1.
func (l *List) FindIndexByID(id vector.ID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx, ok := l.logical[id]; ok {
		return idx
	}
	return -1
}

// Contains reports whether v is present with byte-identical contents.
func (l *List) Contains(v *vector.Record) bool {
	if v == nil {
		return false
	}
	stored, ok := l.GetByID(v.ID)
	if !ok {
		return false
	}
	return recordsEqual(stored, v)
}

func recordsEqual(a, b *vector.Record) bool {
	if a.ID != b.ID || a.Text != b.Text || a.Priority != b.Priority || a.UserID != b.UserID || a.OrgID != b.OrgID {
		return false
	}
	if len(a.Values) != len(b.Values) || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}

// Remove tombstones the entry for v.ID, if present. Returns false (not
// an error) if v is absent.
func (l *List) Remove(v *vector.Record) (bool, error) {
	if v == nil {
		return false, vdberr.New(vdberr.InvalidArgument, "storage.Remove", "nil record")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(v.ID)
}

func (l *List) removeLocked(id vector.ID) (bool, error) {
	slot, ok := l.ids.get(id)
	if !ok {
		return false, nil
	}
	_, _, length, _ := l.readEntry(slot)
	l.writeEntry(slot, TombstoneID, 0, length)
	l.tombstoneBytes += int64(length)

	l.ids.delete(id)
	pos, ok := l.logical[id]
	if ok {
		l.order = append(l.order[:pos], l.order[pos+1:]...)
		delete(l.logical, id)
		l.rebuildLogicalIndex()
	}
	if l.cache != nil {
		l.cache.Remove(id)
	}
	return true, nil
}

// Update tombstones the existing entry for id and appends v' under the
// same id, per the delete+append semantics resolved in spec §9: the
// updated record receives a new logical index. Returns false if id was
// not present.
func (l *List) Update(id vector.ID, updated *vector.Record) (bool, error) {
	if updated == nil {
		return false, vdberr.New(vdberr.InvalidArgument, "storage.Update", "nil record")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids.get(id); !ok {
		return false, nil
	}
	if _, err := l.removeLocked(id); err != nil {
		return false, err
	}
	next := updated.Clone()
	next.ID = id
	if err := l.addLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

// Clear drops both files' contents and reinitializes to empty.
func (l *List) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.indexMmap.zero(0)
	l.dataMmap.zero(0)
	l.nextSlot = 0
	l.dataEnd = 0
	l.tombstoneBytes = 0
	l.ids = newIDIndex()
	l.order = nil
	l.logical = make(map[vector.ID]int)
	if l.cache != nil {
		l.cache.Purge()
	}
	l.defragActive = false
	return l.flushLocked()
}

// Flush forces both mmaps to be written back to disk.
func (l *List) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *List) flushLocked() error {
	if err := l.indexMmap.sync(); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "storage.Flush", "sync index file", err)
	}
	if err := l.dataMmap.sync(); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "storage.Flush", "sync data file", err)
	}
	return nil
}

// CalculateFragmentation returns the integer percentage of data-file
// bytes that are dead (tombstoned) relative to bytes in use.
func (l *List) CalculateFragmentation() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.dataEnd == 0 {
		return 0
	}
	return int(l.tombstoneBytes * 100 / l.dataEnd)
}

// Defrag rewrites the data arena in logical order with tombstones
// squeezed out, blocking until complete. It is the synchronous
// counterpart to DefragBatch, for callers who can tolerate the full
// pause (spec §4.B).
func (l *List) Defrag() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldOrder := l.order
	newOrder := make([]int, 0, len(oldOrder))
	writeSlot := 0
	writeOffset := int64(0)

	for _, slot := range oldOrder {
		id, offset, length, ok := l.readEntry(slot)
		if !ok || id == TombstoneID {
			continue
		}
		if writeOffset != offset {
			copy(l.dataMmap.data[writeOffset:writeOffset+int64(length)], l.dataMmap.data[offset:offset+int64(length)])
		}
		l.writeEntry(writeSlot, id, writeOffset, length)
		l.ids.set(id, writeSlot)
		newOrder = append(newOrder, writeSlot)
		writeOffset += int64(length)
		writeSlot++
	}
	for s := writeSlot; s < l.nextSlot; s++ {
		l.writeEntry(s, vector.NilID, 0, 0)
	}

	l.order = newOrder
	l.nextSlot = writeSlot
	l.dataEnd = writeOffset
	l.tombstoneBytes = 0
	l.rebuildLogicalIndex()
	l.defragActive = false
	l.defragReadSlot, l.defragWriteSlot, l.defragWriteBytes, l.defragSweepEnd = 0, 0, 0, 0
	l.defragNewOrder = nil
	return l.flushLocked()
}

// DefragBatch advances the defragmentation sweep by at most batchSize
// live entries and returns whether the sweep is now complete. Cursor
// state (defragReadSlot/defragWriteSlot/defragWriteBytes/defragNewOrder)
// is held on the List so callers can interleave DefragBatch calls with
// ordinary Add/Get/Remove traffic between batches (spec §4.B, §9 S4).
// Entries appended after the sweep began are shifted down behind the
// compacted prefix when the sweep completes. A batchSize <= 0 uses the
// list's configured default.
func (l *List) DefragBatch(batchSize int) (done bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if batchSize <= 0 {
		batchSize = l.batchSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if !l.defragActive {
		l.defragReadSlot = 0
		l.defragWriteSlot = 0
		l.defragWriteBytes = 0
		l.defragNewOrder = nil
		l.defragActive = true
		l.defragSweepEnd = l.nextSlot // fix the sweep boundary at start
	}

	processed := 0
	for processed < batchSize && l.defragReadSlot < l.defragSweepEnd {
		slot := l.defragReadSlot
		l.defragReadSlot++

		id, offset, length, ok := l.readEntry(slot)
		if !ok || id == TombstoneID {
			continue
		}
		if l.defragWriteBytes != offset {
			copy(l.dataMmap.data[l.defragWriteBytes:l.defragWriteBytes+int64(length)], l.dataMmap.data[offset:offset+int64(length)])
		}
		l.writeEntry(l.defragWriteSlot, id, l.defragWriteBytes, length)
		l.ids.set(id, l.defragWriteSlot)
		l.defragNewOrder = append(l.defragNewOrder, l.defragWriteSlot)
		l.defragWriteBytes += int64(length)
		l.defragWriteSlot++
		processed++
	}

	if l.defragReadSlot < l.defragSweepEnd {
		return false, nil
	}

	// Sweep complete: entries allocated after the sweep started (if any)
	// occupy slots [defragSweepEnd, nextSlot) and keep their positions;
	// shift them down to directly follow the compacted prefix.
	tailLen := l.nextSlot - l.defragSweepEnd
	tailKept := 0
	for i := 0; i < tailLen; i++ {
		srcSlot := l.defragSweepEnd + i
		id, offset, length, ok := l.readEntry(srcSlot)
		if !ok || id == TombstoneID {
			continue
		}
		dstSlot := l.defragWriteSlot + tailKept
		if dstSlot != srcSlot {
			if l.defragWriteBytes != offset {
				copy(l.dataMmap.data[l.defragWriteBytes:l.defragWriteBytes+int64(length)], l.dataMmap.data[offset:offset+int64(length)])
				offset = l.defragWriteBytes
			}
			l.writeEntry(dstSlot, id, offset, length)
			l.ids.set(id, dstSlot)
		}
		l.defragNewOrder = append(l.defragNewOrder, dstSlot)
		l.defragWriteBytes += int64(length)
		tailKept++
	}
	finalSlot := l.defragWriteSlot + tailKept
	for s := finalSlot; s < l.nextSlot; s++ {
		l.writeEntry(s, vector.NilID, 0, 0)
	}

	// Re-verify every slot defragNewOrder recorded as live: a foreground
	// Remove between batches tombstones an id's slot directly (via
	// l.ids, independent of the sweep cursor), which can land on a slot
	// already copied into the compacted prefix before the remove
	// happened. Trusting defragNewOrder as recorded would resurrect that
	// id in l.order after the remove already took it out (invariant 3,
	// §8). Rebuild from what's actually on disk now instead.
	liveOrder := make([]int, 0, len(l.defragNewOrder))
	var tombstoneBytes int64
	for _, slot := range l.defragNewOrder {
		id, _, length, ok := l.readEntry(slot)
		if !ok || id == TombstoneID {
			tombstoneBytes += int64(length)
			continue
		}
		liveOrder = append(liveOrder, slot)
	}

	if tombstoneBytes > 0 {
		// A tombstone now sits inside the compacted prefix: start a fresh
		// sweep over the result so the next batches squeeze it out.
		l.order = liveOrder
		l.nextSlot = finalSlot
		l.dataEnd = l.defragWriteBytes
		l.tombstoneBytes = tombstoneBytes
		l.rebuildLogicalIndex()
		l.defragReadSlot, l.defragWriteSlot, l.defragWriteBytes, l.defragSweepEnd = 0, 0, 0, finalSlot
		l.defragNewOrder = nil
		return false, nil
	}

	l.order = liveOrder
	l.nextSlot = finalSlot
	l.dataEnd = l.defragWriteBytes
	l.tombstoneBytes = tombstoneBytes
	l.rebuildLogicalIndex()
	l.defragActive = false
	l.defragReadSlot, l.defragWriteSlot, l.defragWriteBytes, l.defragSweepEnd = 0, 0, 0, 0
	l.defragNewOrder = nil
	return true, l.flushLocked()
}

// FileInfo reports [index_used, index_capacity, data_used, data_capacity].
type FileInfo struct {
	IndexUsed, IndexCapacity, DataUsed, DataCapacity int64
}

// Info probes the current file usage/capacity.
func (l *List) Info() FileInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return FileInfo{
		IndexUsed:     int64(l.nextSlot) * indexEntrySize,
		IndexCapacity: int64(len(l.indexMmap.data)),
		DataUsed:      l.dataEnd,
		DataCapacity:  int64(len(l.dataMmap.data)),
	}
}

// Dispose unmaps the backing files and, if this List owns temporary
// files (created via OpenTemp), deletes them.
func (l *List) Dispose() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.indexMmap.close(); err != nil {
		log.Printf("storage: close index mmap: %v", err)
	}
	if err := l.dataMmap.close(); err != nil {
		log.Printf("storage: close data mmap: %v", err)
	}
	for _, p := range l.tempFiles {
		if err := os.RemoveAll(p); err != nil {
			log.Printf("storage: remove temp path %s: %v", p, err)
		}
	}
	return nil
}

// Iter returns a lazy, finite sequence of the currently-live records in
// logical order, skipping tombstones. Per spec §9, it holds the reader
// lock implicitly: callers must not hold it across writer-visible
// boundaries (add/remove/update/defrag).
func (l *List) Iter() func(yield func(*vector.Record) bool) {
	return func(yield func(*vector.Record) bool) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		for _, slot := range l.order {
			rec, ok := l.readRecordAtSlot(slot)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}
