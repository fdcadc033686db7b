package index

import (
	"context"
	"encoding/binary"
	"io"
	"math/bits"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const binaryQuantizationVersion uint32 = 1

// BinaryQuantizer is the sign-bit quantizer of spec §4.H: one bit per
// component (>= threshold -> 1), searched by Hamming distance with an
// exact-distance rerank pass.
type BinaryQuantizer struct {
	threshold  float32
	autoThresh bool

	dim    int
	words  map[vector.ID][]uint64 // packed bit-vectors, 64 bits/word
	order  []vector.ID

	source VectorSource
	calc   distance.Calculator
}

// NewBinaryQuantizer with a caller-supplied threshold. Pass
// NewAutoBinaryQuantizer to derive it from the data instead.
func NewBinaryQuantizer(threshold float32) *BinaryQuantizer {
	return &BinaryQuantizer{threshold: threshold}
}

// NewAutoBinaryQuantizer derives the threshold as the mean of all
// components of all vectors at Build time (spec §4.H).
func NewAutoBinaryQuantizer() *BinaryQuantizer {
	return &BinaryQuantizer{autoThresh: true}
}

func (b *BinaryQuantizer) Algorithm() Algorithm { return AlgoBinaryQuantization }
func (b *BinaryQuantizer) Built() bool          { return len(b.order) > 0 }

func (b *BinaryQuantizer) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	b.source, b.calc = source, calc
	b.words = make(map[vector.ID][]uint64)
	b.order = nil

	if b.autoThresh {
		var sum float64
		var n int
		for rec := range source.Iter() {
			for _, v := range rec.Values {
				sum += float64(v)
				n++
			}
		}
		if n > 0 {
			b.threshold = float32(sum / float64(n))
		}
	}

	for rec := range source.Iter() {
		if b.dim == 0 {
			b.dim = rec.Dim()
		}
		b.words[rec.ID] = packBits(rec.Values, b.threshold)
		b.order = append(b.order, rec.ID)
	}
	return nil
}

func packBits(values []float32, threshold float32) []uint64 {
	nWords := (len(values) + 63) / 64
	words := make([]uint64, nWords)
	for i, v := range values {
		if v >= threshold {
			words[i/64] |= 1 << uint(i%64)
		}
	}
	return words
}

func hammingDistance(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	total := 0
	for i := 0; i < n; i++ {
		total += bits.OnesCount64(a[i] ^ b[i])
	}
	return total
}

// Search gathers candidates with Hamming distance <= H (default
// min(d/4, 64)); if none qualify, takes the 3k closest by Hamming; then
// reranks candidates by exact distance (spec §4.H).
func (b *BinaryQuantizer) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.BinaryQuantizer.Search", query, k); err != nil {
		return nil, err
	}
	if !b.Built() {
		return nil, nil
	}
	queryBits := packBits(query, b.threshold)

	H := b.dim / 4
	if H > 64 {
		H = 64
	}

	type scored struct {
		handle  uint32
		hamming int
	}
	all := make([]scored, len(b.order))
	within := roaring.New()
	for i, id := range b.order {
		h := hammingDistance(queryBits, b.words[id])
		all[i] = scored{handle: uint32(i), hamming: h}
		if h <= H {
			within.Add(uint32(i))
		}
	}

	candidateSet := within
	if candidateSet.IsEmpty() {
		sort.Slice(all, func(i, j int) bool { return all[i].hamming < all[j].hamming })
		limit := 3 * k
		if limit > len(all) {
			limit = len(all)
		}
		candidateSet = roaring.New()
		for _, c := range all[:limit] {
			candidateSet.Add(c.handle)
		}
	}

	out := make([]Result, 0, candidateSet.GetCardinality())
	it := candidateSet.Iterator()
	for it.HasNext() {
		id := b.order[it.Next()]
		rec, ok := b.source.GetByID(id)
		if !ok {
			continue
		}
		d, err := b.calc.Distance(query, rec.Values)
		if err != nil {
			continue
		}
		out = append(out, Result{ID: id, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (b *BinaryQuantizer) Save(w io.Writer) error {
	bw := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }
	if err := bw(binaryQuantizationVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.BinaryQuantizer.Save", "write version", err)
	}
	if err := bw(b.threshold); err != nil {
		return err
	}
	if err := bw(int32(b.dim)); err != nil {
		return err
	}
	if err := bw(int32(len(b.order))); err != nil {
		return err
	}
	for _, id := range b.order {
		if _, err := w.Write(id[:]); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.BinaryQuantizer.Save", "write id", err)
		}
		words := b.words[id]
		if err := bw(int32(len(words))); err != nil {
			return err
		}
		for _, word := range words {
			if err := bw(word); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BinaryQuantizer) Load(r io.Reader, source VectorSource) error {
	br := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }
	var version uint32
	if err := br(&version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.BinaryQuantizer.Load", "read version", err)
	}
	if version != binaryQuantizationVersion {
		return vdberr.New(vdberr.InvalidFormat, "index.BinaryQuantizer.Load", "unsupported bq version")
	}
	var threshold float32
	if err := br(&threshold); err != nil {
		return err
	}
	var dim, count int32
	if err := br(&dim); err != nil {
		return err
	}
	if err := br(&count); err != nil {
		return err
	}

	words := make(map[vector.ID][]uint64, count)
	order := make([]vector.ID, 0, count)
	for i := int32(0); i < count; i++ {
		var id vector.ID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, "index.BinaryQuantizer.Load", "read id", err)
		}
		var wordCount int32
		if err := br(&wordCount); err != nil {
			return err
		}
		w := make([]uint64, wordCount)
		for j := range w {
			if err := br(&w[j]); err != nil {
				return err
			}
		}
		words[id] = w
		order = append(order, id)
	}

	b.threshold = threshold
	b.dim = int(dim)
	b.words = words
	b.order = order
	b.source = source
	b.calc = distance.NewEuclidean()
	return nil
}
