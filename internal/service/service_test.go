package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/index"
	"github.com/podcopic-labs/vecdb/internal/storage"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

func newTestList(t *testing.T, vectors []vector.Record) *storage.List {
	t.Helper()
	l, err := storage.OpenTemp(storage.Options{EntriesCapacity: len(vectors) + 8})
	if err != nil {
		t.Fatalf("OpenTemp: %v", err)
	}
	t.Cleanup(func() { l.Dispose() })
	for _, rec := range vectors {
		r := rec
		if err := l.Add(&r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return l
}

func mustRecord(t *testing.T, values []float32, text string) vector.Record {
	t.Helper()
	rec, err := vector.New(values, text)
	if err != nil {
		t.Fatalf("vector.New: %v", err)
	}
	return *rec
}

// stubEmbedder maps known text to a fixed vector; anything else fails.
type stubEmbedder struct {
	dim int
}

func (s stubEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(len(text) + i)
	}
	return vec, nil
}

func TestSearchDispatchesToBuiltIndex(t *testing.T) {
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{1, 2, 3}, ""),
		mustRecord(t, []float32{4, 5, 6}, ""),
		mustRecord(t, []float32{7, 8, 9}, ""),
	})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	results, err := svc.Search([]float32{2, 3, 4}, 1, index.AlgoLinear, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestSearchOnUnbuiltIndexFails(t *testing.T) {
	l := newTestList(t, []vector.Record{mustRecord(t, []float32{1, 2}, "")})
	svc := New(l, distance.NewEuclidean(), nil)
	if _, err := svc.Search([]float32{1, 2}, 1, index.AlgoKDTree, 100); err == nil {
		t.Fatal("expected error on unbuilt index")
	}
}

func TestRangeSearchUnsupportedOnHNSW(t *testing.T) {
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{1, 2}, ""), mustRecord(t, []float32{3, 4}, ""),
	})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoHNSW); err != nil {
		t.Fatal(err)
	}
	_, err := svc.RangeSearch([]float32{1, 2}, 1.0, index.AlgoHNSW)
	if err == nil {
		t.Fatal("expected Unsupported error for range search on HNSW")
	}
	if kind, ok := vdberr.Of(err); !ok || kind != vdberr.Unsupported {
		t.Errorf("expected Unsupported kind, got %v", err)
	}
}

func TestThresholdPolicyFiltersByDefault(t *testing.T) {
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{0, 0}, ""),
		mustRecord(t, []float32{1, 0}, ""),
		mustRecord(t, []float32{100, 0}, ""),
	})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	results, err := svc.Search([]float32{0, 0}, 3, index.AlgoLinear, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Distance > 2.0 {
			t.Errorf("result %+v exceeds threshold", r)
		}
	}
}

func TestThresholdPolicyUnfilteredWhenHighDimAndLooseThreshold(t *testing.T) {
	dim := 60
	near := make([]float32, dim)
	far := make([]float32, dim)
	for i := range far {
		far[i] = 10
	}
	l := newTestList(t, []vector.Record{mustRecord(t, near, ""), mustRecord(t, far, "")})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	query := make([]float32, dim)
	results, err := svc.Search(query, 2, index.AlgoLinear, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected unfiltered 2 results, got %d: %+v", len(results), results)
	}
}

func TestSearchTextWithoutEmbedderFails(t *testing.T) {
	l := newTestList(t, []vector.Record{mustRecord(t, []float32{1, 2}, "hello")})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SearchText(context.Background(), "hello", 1, index.AlgoLinear, 0); err == nil {
		t.Fatal("expected error with no embedding generator configured")
	}
}

func TestSearchTextDelegatesAndAppliesBandedThreshold(t *testing.T) {
	dim := 2
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{5, 5}, "hello world"),
		mustRecord(t, []float32{0, 0}, "goodbye"),
	})
	svc := New(l, distance.NewEuclidean(), stubEmbedder{dim: dim})
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	results, err := svc.SearchText(context.Background(), "hello world", 2, index.AlgoLinear, 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = results // banded threshold of 0.8 (5 <= len < 20) may filter everything; just exercise the path
}

func TestSearchTextShortQueryUnionsPrefixMatches(t *testing.T) {
	dim := 2
	// "abcdef" sits far from wherever "ab" embeds, so a pure k-NN
	// search at the default short-query threshold (0.9) would miss it;
	// the prefix-match union must still pull it in.
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{1000, 1000}, "abcdef"),
	})
	svc := New(l, distance.NewEuclidean(), stubEmbedder{dim: dim})
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	results, err := svc.SearchText(context.Background(), "ab", 1, index.AlgoLinear, 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range results {
		rec, _ := l.GetByID(r.ID)
		if rec != nil && rec.Text == "abcdef" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected prefix match union to include \"abcdef\", got %+v", results)
	}
}

func TestBuildAllIndexesCollectsPerAlgorithmFailures(t *testing.T) {
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{1, 2}, ""), mustRecord(t, []float32{3, 4}, ""),
	})
	svc := New(l, distance.NewEuclidean(), nil)
	failures := svc.BuildAllIndexes(context.Background())
	if len(failures) != 0 {
		t.Errorf("expected no failures building over a valid list, got %+v", failures)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	l := newTestList(t, []vector.Record{
		mustRecord(t, []float32{1, 2, 3}, ""),
		mustRecord(t, []float32{4, 5, 6}, ""),
		mustRecord(t, []float32{7, 8, 9}, ""),
	})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	if err := svc.BuildIndex(context.Background(), index.AlgoKDTree); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := svc.Save(&buf); err != nil {
		t.Fatal(err)
	}

	loaded := New(l, distance.NewEuclidean(), nil)
	if err := loaded.Load(&buf); err != nil {
		t.Fatal(err)
	}
	results, err := loaded.Search([]float32{2, 3, 4}, 1, index.AlgoLinear, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result after load, got %d", len(results))
	}
}

func TestLoadWrongVersionFails(t *testing.T) {
	l := newTestList(t, []vector.Record{mustRecord(t, []float32{1, 2}, "")})
	svc := New(l, distance.NewEuclidean(), nil)
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0})
	if err := svc.Load(buf); err == nil {
		t.Fatal("expected InvalidFormat error for wrong version")
	}
}

func TestClearResetsIndexesAndList(t *testing.T) {
	l := newTestList(t, []vector.Record{mustRecord(t, []float32{1, 2}, "")})
	svc := New(l, distance.NewEuclidean(), nil)
	if err := svc.BuildIndex(context.Background(), index.AlgoLinear); err != nil {
		t.Fatal(err)
	}
	if err := svc.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Search([]float32{1, 2}, 1, index.AlgoLinear, 100); err == nil {
		t.Fatal("expected Linear index to be unbuilt after Clear")
	}
	if l.Count() != 0 {
		t.Errorf("expected list count 0 after Clear, got %d", l.Count())
	}
}
