package index

import (
	"context"
	"encoding/binary"
	"io"
	"sort"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const linearVersion uint32 = 1

// Linear is an exhaustive scan over the vector list: the correctness
// baseline scenarios S1–S3 measure every other index against.
type Linear struct {
	ids    []vector.ID
	source VectorSource
	calc   distance.Calculator
}

func NewLinear() *Linear { return &Linear{} }

func (l *Linear) Algorithm() Algorithm { return AlgoLinear }
func (l *Linear) Built() bool          { return len(l.ids) > 0 }

func (l *Linear) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	l.source, l.calc = source, calc
	l.ids = nil
	for rec := range source.Iter() {
		l.ids = append(l.ids, rec.ID)
	}
	return nil
}

func (l *Linear) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.Linear.Search", query, k); err != nil {
		return nil, err
	}
	var out []Result
	for _, id := range l.ids {
		rec, ok := l.source.GetByID(id)
		if !ok {
			continue
		}
		d, err := l.calc.Distance(query, rec.Values)
		if err != nil {
			return nil, err
		}
		out = append(out, Result{ID: id, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (l *Linear) Range(query []float32, r float32) ([]Result, error) {
	if err := validateRange("index.Linear.Range", query, r); err != nil {
		return nil, err
	}
	var out []Result
	for _, id := range l.ids {
		rec, ok := l.source.GetByID(id)
		if !ok {
			continue
		}
		d, err := l.calc.Distance(query, rec.Values)
		if err != nil {
			return nil, err
		}
		if d <= r {
			out = append(out, Result{ID: id, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (l *Linear) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, linearVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.Linear.Save", "write version", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(l.ids))); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.Linear.Save", "write count", err)
	}
	for _, id := range l.ids {
		if _, err := w.Write(id[:]); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.Linear.Save", "write id", err)
		}
	}
	return nil
}

func (l *Linear) Load(r io.Reader, source VectorSource) error {
	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.Linear.Load", "read version", err)
	}
	if version != linearVersion {
		return vdberr.New(vdberr.InvalidFormat, "index.Linear.Load", "unsupported linear version")
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.Linear.Load", "read count", err)
	}
	ids := make([]vector.ID, count)
	for i := range ids {
		if _, err := io.ReadFull(r, ids[i][:]); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, "index.Linear.Load", "read id", err)
		}
	}
	l.ids = ids
	l.source = source
	l.calc = distance.NewEuclidean()
	return nil
}
