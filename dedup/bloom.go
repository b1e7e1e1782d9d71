/*
File Name:  bloom.go

Bloom filter pre-check for the deduplication cache (§4.3). Wraps
bits-and-blooms/bloom so the cache can answer "definitely not seen" in
O(k) without touching the hash set, with no false negatives. Adds the
export/import/merge contract the spec requires on top of the library.
*/

package dedup

import (
	"bytes"
	"errors"

	"github.com/bits-and-blooms/bloom/v3"
)

// marshalFilter/unmarshalFilter adapt the library's io.WriterTo/io.ReaderFrom
// based (de)serialization to a plain byte slice for Export/Import.
func marshalFilter(f *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalFilter(raw []byte) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return f, nil
}

// ErrFilterMismatch is returned by Merge when the two filters are not compatible.
var ErrFilterMismatch = errors.New("dedup: bloom filters must share size and hash count to merge")

// BloomFilter is a configurable false-positive-rate membership pre-check.
type BloomFilter struct {
	filter    *bloom.BloomFilter
	itemCount uint64
}

// NewBloomFilter creates a filter sized for expectedItems at falsePositiveRate.
func NewBloomFilter(expectedItems uint, falsePositiveRate float64) *BloomFilter {
	return &BloomFilter{filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate)}
}

// Add inserts x into the filter.
func (b *BloomFilter) Add(x []byte) {
	b.filter.Add(x)
	b.itemCount++
}

// MightContain reports whether x may have been added. False means definitely not
// added (no false negatives); true may be a false positive.
func (b *BloomFilter) MightContain(x []byte) bool {
	return b.filter.Test(x)
}

// Clear resets the filter to empty, keeping its size and hash count.
func (b *BloomFilter) Clear() {
	b.filter.ClearAll()
	b.itemCount = 0
}

// ItemCount returns the number of Add calls made (not deduplicated).
func (b *BloomFilter) ItemCount() uint64 {
	return b.itemCount
}

// ExportedBloomFilter is the serializable form of a BloomFilter.
type ExportedBloomFilter struct {
	Bits      []byte
	HashCount uint
	ItemCount uint64
	Size      uint
}

// Export serializes the filter's bit array, hash count, item count and size.
func (b *BloomFilter) Export() (export ExportedBloomFilter, err error) {
	raw, err := marshalFilter(b.filter)
	if err != nil {
		return export, err
	}
	return ExportedBloomFilter{
		Bits:      raw,
		HashCount: b.filter.K(),
		ItemCount: b.itemCount,
		Size:      b.filter.Cap(),
	}, nil
}

// ImportBloomFilter restores a filter previously produced by Export.
func ImportBloomFilter(export ExportedBloomFilter) (b *BloomFilter, err error) {
	f, err := unmarshalFilter(export.Bits)
	if err != nil {
		return nil, err
	}
	return &BloomFilter{filter: f, itemCount: export.ItemCount}, nil
}

// Merge performs a bitwise-OR of other into b. Both filters must share size and hash count.
func (b *BloomFilter) Merge(other *BloomFilter) error {
	if b.filter.Cap() != other.filter.Cap() || b.filter.K() != other.filter.K() {
		return ErrFilterMismatch
	}
	if err := b.filter.Merge(other.filter); err != nil {
		return err
	}
	b.itemCount += other.itemCount
	return nil
}

// equalBits is a test helper comparing two filters' raw bit arrays.
func equalBits(a, b *BloomFilter) (bool, error) {
	ea, err := a.Export()
	if err != nil {
		return false, err
	}
	eb, err := b.Export()
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea.Bits, eb.Bits), nil
}
