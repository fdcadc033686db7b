// Package vector defines the vector record: its identity, its binary
// codec, and elementwise arithmetic.
package vector

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/viterin/vek"

	"github.com/podcopic-labs/vecdb/internal/vdberr"
)

// ID is the stable 128-bit identifier assigned to a record on creation.
type ID = uuid.UUID

// NilID is the zero id, reserved in the persistent vector list as the
// "logical end of stream" sentinel (spec §3).
var NilID ID

// Record is a fixed-dimensionality vector plus its identity and metadata.
// Once written, a Record's bytes are immutable; "update" is delete+insert
// at the list level.
type Record struct {
	ID     ID
	Values []float32
	Tags   []uint16
	Priority int8
	UserID   uint32
	OrgID    uint32
	Text     string
}

// Dim reports the record's dimensionality.
func (r *Record) Dim() int { return len(r.Values) }

// New creates a record with a freshly generated id.
func New(values []float32, text string) (*Record, error) {
	if len(values) == 0 {
		return nil, vdberr.New(vdberr.InvalidArgument, "vector.New", "dimensionality must be >= 1")
	}
	return &Record{ID: uuid.New(), Values: values, Text: text}, nil
}

// NewWithID creates a record with a caller-supplied id, e.g. on WAL/index
// replay where identity must be preserved.
func NewWithID(id ID, values []float32, text string) (*Record, error) {
	if len(values) == 0 {
		return nil, vdberr.New(vdberr.InvalidArgument, "vector.NewWithID", "dimensionality must be >= 1")
	}
	return &Record{ID: id, Values: values, Text: text}, nil
}

// Clone returns a deep copy so callers never alias a record's backing
// slices across the mmap boundary.
func (r *Record) Clone() *Record {
	out := *r
	out.Values = append([]float32(nil), r.Values...)
	out.Tags = append([]uint16(nil), r.Tags...)
	return &out
}

func (r *Record) checkSameDim(op string, other *Record) error {
	if r.Dim() != other.Dim() {
		return vdberr.New(vdberr.DimensionMismatch, op,
			fmt.Sprintf("dimension mismatch: %d vs %d", r.Dim(), other.Dim()))
	}
	return nil
}

// Add returns the elementwise sum of r and other. Both must share dimensionality.
func (r *Record) Add(other *Record) (*Record, error) {
	if err := r.checkSameDim("vector.Add", other); err != nil {
		return nil, err
	}
	out := make([]float32, r.Dim())
	vek.Add_Into(out, r.Values, other.Values)
	return &Record{ID: uuid.New(), Values: out}, nil
}

// Sub returns the elementwise difference r - other.
func (r *Record) Sub(other *Record) (*Record, error) {
	if err := r.checkSameDim("vector.Sub", other); err != nil {
		return nil, err
	}
	out := make([]float32, r.Dim())
	vek.Sub_Into(out, r.Values, other.Values)
	return &Record{ID: uuid.New(), Values: out}, nil
}

// Scale returns r divided by a nonzero scalar.
func (r *Record) Scale(scalar float32) (*Record, error) {
	if scalar == 0 {
		return nil, vdberr.New(vdberr.InvalidArgument, "vector.Scale", "division by zero")
	}
	out := make([]float32, r.Dim())
	vek.DivNumber_Into(out, r.Values, scalar)
	return &Record{ID: uuid.New(), Values: out}, nil
}

// Magnitude returns the Euclidean norm of the vector.
func (r *Record) Magnitude() float32 {
	return vek.Norm(r.Values)
}
