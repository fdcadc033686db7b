// Package service implements the search service façade (spec §4.I):
// it owns the index family, mediates build/load/save, dispatches
// queries to the right index, and applies the threshold policy.
package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/embedding"
	"github.com/podcopic-labs/vecdb/internal/index"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const serviceVersion uint32 = 1

// Length bands for text search default thresholds, spec §4.I.
const (
	partialTextLengthThreshold = 5
	fullTextLengthThreshold    = 20
)

// Service dispatches queries across the index family, mediates
// build/save/load, and applies the threshold and text-search policy.
// Indexes hold only ids into list; Service must not outlive it
// (spec §5).
type Service struct {
	mu       sync.RWMutex
	list     index.VectorSource
	calc     distance.Calculator
	indexes  map[index.Algorithm]index.SearchIndex
	embedder embedding.Generator
}

// New constructs a Service over list with calc as the default distance
// calculator, one unbuilt index per algorithm. embedder may be nil —
// SearchText/RangeSearchText then fail Unsupported.
func New(list index.VectorSource, calc distance.Calculator, embedder embedding.Generator) *Service {
	return &Service{
		list:     list,
		calc:     calc,
		indexes:  freshIndexes(),
		embedder: embedder,
	}
}

// freshIndexes constructs one unbuilt index per algorithm except
// product quantization, whose constructor needs a dimensionality not
// known until the vector list holds at least one record; BuildIndex
// constructs it lazily on first use.
func freshIndexes() map[index.Algorithm]index.SearchIndex {
	return map[index.Algorithm]index.SearchIndex{
		index.AlgoKDTree:             index.NewKDTree(),
		index.AlgoBallTree:           index.NewBallTree(),
		index.AlgoLinear:             index.NewLinear(),
		index.AlgoLSH:                index.NewLSH(index.DefaultLSHParams()),
		index.AlgoHNSW:               index.NewHNSW(index.DefaultHNSWParams()),
		index.AlgoBinaryQuantization: index.NewAutoBinaryQuantizer(),
	}
}

// sourceDim peeks the first record in source to learn its
// dimensionality, or 0 if source is empty.
func sourceDim(source index.VectorSource) int {
	dim := 0
	source.Iter()(func(rec *vector.Record) bool {
		dim = rec.Dim()
		return false
	})
	return dim
}

// SetEmbeddingGenerator wires (or clears) the embedding collaborator,
// the injection point named in spec §6.
func (s *Service) SetEmbeddingGenerator(g embedding.Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedder = g
}

// BuildIndex builds (or rebuilds) the named algorithm's index against
// the current vector list. Callers must quiesce concurrent queries
// first (spec §5: rebuild is not coherent with ongoing reads).
func (s *Service) BuildIndex(ctx context.Context, algo index.Algorithm) error {
	const op = "service.BuildIndex"
	s.mu.Lock()
	idx, ok := s.indexes[algo]
	if !ok && algo == index.AlgoProductQuantization {
		dim := sourceDim(s.list)
		if dim > 0 {
			pq, err := index.NewProductQuantizer(dim)
			if err != nil {
				s.mu.Unlock()
				return vdberr.Wrap(vdberr.InvalidArgument, op, "construct product quantizer", err)
			}
			idx, ok = pq, true
			s.indexes[algo] = pq
		}
	}
	s.mu.Unlock()
	if !ok {
		return vdberr.New(vdberr.Unsupported, op, fmt.Sprintf("unknown algorithm %s", algo))
	}
	log.Printf("%s: building %s over %d vectors", op, algo, s.list.Count())
	if err := idx.Build(ctx, s.list, s.calc); err != nil {
		log.Printf("%s: %s build failed: %v", op, algo, err)
		return err
	}
	return nil
}

// BuildAllIndexes builds every configured algorithm concurrently (spec
// §5: a single build is single-threaded, but the set of builds may
// fan out). A single algorithm's failure does not abort the others —
// errgroup's first-error short-circuit is too strict for "best
// effort" here, so failures are collected per algorithm instead of
// returned from Wait (documented deviation, see DESIGN.md).
func (s *Service) BuildAllIndexes(ctx context.Context) map[index.Algorithm]error {
	s.mu.RLock()
	algos := make([]index.Algorithm, 0, len(s.indexes))
	for a := range s.indexes {
		algos = append(algos, a)
	}
	s.mu.RUnlock()

	var mu sync.Mutex
	failures := make(map[index.Algorithm]error)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range algos {
		a := a
		g.Go(func() error {
			if err := s.BuildIndex(gctx, a); err != nil {
				mu.Lock()
				failures[a] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// Clear drops every built index back to empty and truncates the
// backing vector list.
func (s *Service) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = freshIndexes()
	if clearer, ok := s.list.(interface{ Clear() error }); ok {
		return clearer.Clear()
	}
	return nil
}

func (s *Service) indexFor(op string, algo index.Algorithm) (index.SearchIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[algo]
	if !ok {
		return nil, vdberr.New(vdberr.Unsupported, op, fmt.Sprintf("unknown algorithm %s", algo))
	}
	if !idx.Built() {
		return nil, vdberr.New(vdberr.InvalidArgument, op, fmt.Sprintf("%s index is not built", algo))
	}
	return idx, nil
}

// Search runs algo's k-NN search and applies the threshold policy
// (spec §4.I): given dimension d_q = len(query), if d_q > 50 and any
// result has distance > 5.0 and threshold > 1.5, results are returned
// unfiltered; otherwise only results with distance <= threshold
// survive.
func (s *Service) Search(query []float32, k int, algo index.Algorithm, threshold float32) ([]index.Result, error) {
	const op = "service.Search"
	if query == nil {
		return nil, vdberr.New(vdberr.InvalidArgument, op, "nil query vector")
	}
	if k <= 0 {
		return nil, vdberr.New(vdberr.InvalidArgument, op, "k must be > 0")
	}
	idx, err := s.indexFor(op, algo)
	if err != nil {
		return nil, err
	}
	results, err := idx.Search(query, k)
	if err != nil {
		log.Printf("%s: %s failed for k=%d: %v", op, algo, k, err)
		return nil, err
	}
	return applyThreshold(results, len(query), threshold), nil
}

func applyThreshold(results []index.Result, dimQ int, threshold float32) []index.Result {
	if dimQ > 50 && threshold > 1.5 {
		for _, r := range results {
			if r.Distance > 5.0 {
				return results
			}
		}
	}
	filtered := make([]index.Result, 0, len(results))
	for _, r := range results {
		if r.Distance <= threshold {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// RangeSearch runs algo's radius search. algo must implement
// index.RangeIndex (KD-tree, linear); any other algorithm
// fails Unsupported.
func (s *Service) RangeSearch(query []float32, r float32, algo index.Algorithm) ([]index.Result, error) {
	const op = "service.RangeSearch"
	if query == nil {
		return nil, vdberr.New(vdberr.InvalidArgument, op, "nil query vector")
	}
	if r <= 0 {
		return nil, vdberr.New(vdberr.InvalidArgument, op, "radius must be > 0")
	}
	idx, err := s.indexFor(op, algo)
	if err != nil {
		return nil, err
	}
	ranged, ok := idx.(index.RangeIndex)
	if !ok {
		return nil, vdberr.New(vdberr.Unsupported, op, fmt.Sprintf("range search unsupported on %s", algo))
	}
	results, err := ranged.Range(query, r)
	if err != nil {
		log.Printf("%s: %s failed for r=%f: %v", op, algo, r, err)
		return nil, err
	}
	return results, nil
}

// textThreshold picks the default τ for a text query's length per
// spec §4.I's three length bands.
func textThreshold(text string) float32 {
	switch {
	case len(text) < partialTextLengthThreshold:
		return 0.9
	case len(text) < fullTextLengthThreshold:
		return 0.8
	default:
		return 0.5
	}
}

// SearchText embeds text via the injected generator and runs k-NN
// search, applying text-search defaults and the short-query
// prefix-match union (spec §4.I). threshold <= 0 selects the
// length-banded default.
func (s *Service) SearchText(ctx context.Context, text string, k int, algo index.Algorithm, threshold float32) ([]index.Result, error) {
	const op = "service.SearchText"
	query, err := s.embed(ctx, op, text)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = textThreshold(text)
	}
	results, err := s.Search(query, k, algo, threshold)
	if err != nil {
		return nil, err
	}
	if len(text) < fullTextLengthThreshold {
		results = s.unionPrefixMatches(results, query, text, k)
	}
	return results, nil
}

// RangeSearchText embeds text and runs a radius search, applying the
// same short-query prefix-match union as SearchText.
func (s *Service) RangeSearchText(ctx context.Context, text string, r float32, algo index.Algorithm) ([]index.Result, error) {
	const op = "service.RangeSearchText"
	query, err := s.embed(ctx, op, text)
	if err != nil {
		return nil, err
	}
	results, err := s.RangeSearch(query, r, algo)
	if err != nil {
		return nil, err
	}
	if len(text) < fullTextLengthThreshold {
		// No natural k for a radius query; budget the prefix-match
		// union off the match count already found.
		budget := len(results)
		if budget == 0 {
			budget = 1
		}
		results = s.unionPrefixMatches(results, query, text, budget)
	}
	return results, nil
}

func (s *Service) embed(ctx context.Context, op, text string) ([]float32, error) {
	s.mu.RLock()
	gen := s.embedder
	s.mu.RUnlock()
	if gen == nil {
		return nil, vdberr.New(vdberr.Unsupported, op, "no embedding generator configured")
	}
	vec, err := gen.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.IoFailure, op, "embedding generation failed", embedding.Fail(op, err))
	}
	return vec, nil
}

// unionPrefixMatches adds up to k exact, case-insensitive prefix
// matches on original_text to results, deduplicated by id, preserving
// order-by-distance then insertion order for the appended matches
// (spec §4.I).
func (s *Service) unionPrefixMatches(results []index.Result, query []float32, text string, k int) []index.Result {
	if k <= 0 {
		k = len(results)
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.ID.String()] = true
	}
	prefix := strings.ToLower(text)
	var added int
	var extra []index.Result
	s.list.Iter()(func(rec *vector.Record) bool {
		if added >= k {
			return false
		}
		if !seen[rec.ID.String()] && strings.HasPrefix(strings.ToLower(rec.Text), prefix) {
			d, err := s.calc.Distance(query, rec.Values)
			if err == nil {
				extra = append(extra, index.Result{ID: rec.ID, Distance: d})
				seen[rec.ID.String()] = true
				added++
			}
		}
		return true
	})
	return append(results, extra...)
}

// Save writes every built index to w in the wire format of spec §6:
// a file version, a count, then each built index's (algorithm_tag,
// payload).
func (s *Service) Save(w io.Writer) error {
	const op = "service.Save"
	s.mu.RLock()
	defer s.mu.RUnlock()

	built := make([]index.Algorithm, 0, len(s.indexes))
	for a, idx := range s.indexes {
		if idx.Built() {
			built = append(built, a)
		}
	}
	sort.Slice(built, func(i, j int) bool { return built[i] < built[j] })

	if err := binary.Write(w, binary.LittleEndian, serviceVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, op, "write version", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(built))); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, op, "write index count", err)
	}
	for _, a := range built {
		if err := binary.Write(w, binary.LittleEndian, uint32(a)); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, op, "write algorithm tag", err)
		}
		if err := s.indexes[a].Save(w); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, op, fmt.Sprintf("save %s payload", a), err)
		}
	}
	return nil
}

// Load validates the file version, then dispatches each entry to the
// matching index's loader. Entries referencing missing ids are
// skipped by the index's own Load; a version mismatch fails the whole
// load (spec §4.I).
func (s *Service) Load(r io.Reader) error {
	const op = "service.Load"
	s.mu.Lock()
	defer s.mu.Unlock()

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, op, "read version", err)
	}
	if version != serviceVersion {
		return vdberr.New(vdberr.InvalidFormat, op, "unsupported service file version")
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, op, "read index count", err)
	}

	fresh := freshIndexes()
	for i := uint32(0); i < count; i++ {
		var tag uint32
		if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, op, "read algorithm tag", err)
		}
		algo := index.Algorithm(tag)
		idx, ok := fresh[algo]
		if !ok && algo == index.AlgoProductQuantization {
			// Load overwrites m/subDim from the stream; the
			// constructor only needs *a* valid dimensionality to
			// build the placeholder.
			pq, err := index.NewProductQuantizer(1)
			if err != nil {
				return vdberr.Wrap(vdberr.InvalidFormat, op, "construct product quantizer placeholder", err)
			}
			idx, ok = pq, true
			fresh[algo] = pq
		}
		if !ok {
			return vdberr.New(vdberr.InvalidFormat, op, fmt.Sprintf("unknown algorithm tag %d", tag))
		}
		if err := idx.Load(r, s.list); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, op, fmt.Sprintf("load %s payload", algo), err)
		}
	}
	s.indexes = fresh
	log.Printf("%s: loaded %d indexes", op, count)
	return nil
}
