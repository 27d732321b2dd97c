package index

import (
	"github.com/cespare/xxhash/v2"
	"github.com/devrev/ddbd/internal/model"
)

// Table is the in-memory index of a resident DDB table: a fixed power-of-two
// array of buckets, each holding the records whose folded key hashes to it.
// It is not safe for concurrent use.
type Table struct {
	buckets [][]*model.Record
	mask    uint64
	count   int
}

// NewTable creates an index with the given bucket count, which must be a power of two
func NewTable(buckets int) *Table {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		panic("index: bucket count must be a power of two")
	}
	return &Table{
		buckets: make([][]*model.Record, buckets),
		mask:    uint64(buckets - 1),
	}
}

func (t *Table) bucketFor(folded string) int {
	return int(xxhash.Sum64String(folded) & t.mask)
}

// Get finds the record for a key
func (t *Table) Get(key string) (*model.Record, bool) {
	folded := model.FoldKey(key)
	for _, rec := range t.buckets[t.bucketFor(folded)] {
		if rec.Key == folded {
			return rec, true
		}
	}
	return nil, false
}

// Put stores a record, replacing any record with the same key. The old record
// is unlinked before the new one is inserted; records are never mutated in place.
func (t *Table) Put(rec *model.Record) bool {
	rec.Key = model.FoldKey(rec.Key)
	existed := t.remove(rec.Key)

	b := t.bucketFor(rec.Key)
	t.buckets[b] = append(t.buckets[b], rec)
	t.count++

	return existed
}

// Delete removes a key
func (t *Table) Delete(key string) bool {
	return t.remove(model.FoldKey(key))
}

func (t *Table) remove(folded string) bool {
	b := t.bucketFor(folded)
	chain := t.buckets[b]
	for i, rec := range chain {
		if rec.Key == folded {
			copy(chain[i:], chain[i+1:])
			chain[len(chain)-1] = nil
			t.buckets[b] = chain[:len(chain)-1]
			t.count--
			return true
		}
	}
	return false
}

// Len returns the number of live records
func (t *Table) Len() int {
	return t.count
}

// Buckets returns the bucket count
func (t *Table) Buckets() int {
	return len(t.buckets)
}

// Drop empties the table. onDelete, when set, is called for every record
// before the bucket array is reset.
func (t *Table) Drop(onDelete func(*model.Record)) {
	if onDelete != nil {
		for _, chain := range t.buckets {
			for _, rec := range chain {
				onDelete(rec)
			}
		}
	}
	t.buckets = make([][]*model.Record, len(t.buckets))
	t.count = 0
}

// Iterator returns a cursor positioned before the first record
func (t *Table) Iterator() *Iterator {
	return &Iterator{table: t, bucket: 0, pos: -1}
}

// Iterator walks the live records of a table bucket by bucket. It keeps its
// position between calls so callers can do other work between records. It is
// only valid while the table is not mutated.
type Iterator struct {
	table  *Table
	bucket int
	pos    int
	cur    *model.Record
}

// Next moves to the next record
func (it *Iterator) Next() bool {
	it.pos++
	for it.bucket < len(it.table.buckets) {
		chain := it.table.buckets[it.bucket]
		if it.pos < len(chain) {
			it.cur = chain[it.pos]
			return true
		}
		it.bucket++
		it.pos = 0
	}
	it.cur = nil
	return false
}

// Record returns the current record
func (it *Iterator) Record() *model.Record {
	return it.cur
}

// Reset rewinds the cursor to the start of the table
func (it *Iterator) Reset() {
	it.bucket = 0
	it.pos = -1
	it.cur = nil
}
