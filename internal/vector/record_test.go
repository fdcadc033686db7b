package vector

import (
	"math"
	"testing"
)

func TestBinaryRoundTripFull(t *testing.T) {
	r, err := New([]float32{1, 2, 3, 4.5}, "hello world")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Tags = []uint16{1, 2, 3}
	r.Priority = -5
	r.UserID = 42
	r.OrgID = 7

	encoded := r.ToBinary()
	decoded, err := FromBinary(encoded)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}

	if decoded.ID != r.ID {
		t.Errorf("id mismatch: got %v want %v", decoded.ID, r.ID)
	}
	if decoded.Text != r.Text {
		t.Errorf("text mismatch: got %q want %q", decoded.Text, r.Text)
	}
	if len(decoded.Values) != len(r.Values) {
		t.Fatalf("dim mismatch: got %d want %d", len(decoded.Values), len(r.Values))
	}
	for i := range r.Values {
		if decoded.Values[i] != r.Values[i] {
			t.Errorf("value[%d]: got %v want %v", i, decoded.Values[i], r.Values[i])
		}
	}
	if len(decoded.Tags) != len(r.Tags) {
		t.Fatalf("tag count mismatch: got %d want %d", len(decoded.Tags), len(r.Tags))
	}
}

func TestCompressedBinaryHalfTolerance(t *testing.T) {
	r, _ := New([]float32{0.1, -3.25, 100.0, -0.0005}, "")
	encoded := r.ToCompressedBinary(Half)
	decoded, err := FromCompressedBinary(encoded)
	if err != nil {
		t.Fatalf("FromCompressedBinary: %v", err)
	}
	for i := range r.Values {
		diff := math.Abs(float64(decoded.Values[i] - r.Values[i]))
		if diff > 1e-3*math.Max(1, math.Abs(float64(r.Values[i]))) {
			t.Errorf("half value[%d]: got %v want %v (diff %v)", i, decoded.Values[i], r.Values[i], diff)
		}
	}
}

func TestCompressedBinaryQuantized8Tolerance(t *testing.T) {
	r, _ := New([]float32{0.1, -3.25, 100.0, -0.0005, 50}, "")
	encoded := r.ToCompressedBinary(Quantized8)
	decoded, err := FromCompressedBinary(encoded)
	if err != nil {
		t.Fatalf("FromCompressedBinary: %v", err)
	}
	for i := range r.Values {
		diff := math.Abs(float64(decoded.Values[i] - r.Values[i]))
		if diff > 1e-2*103 { // tolerance scaled to the value range of this fixture
			t.Errorf("q8 value[%d]: got %v want %v (diff %v)", i, decoded.Values[i], r.Values[i], diff)
		}
	}
}

func TestArithmeticDimensionMismatch(t *testing.T) {
	a, _ := New([]float32{1, 2}, "")
	b, _ := New([]float32{1, 2, 3}, "")
	if _, err := a.Add(b); err == nil {
		t.Fatal("expected DimensionMismatch error")
	}
}

func TestMagnitude(t *testing.T) {
	r, _ := New([]float32{3, 4}, "")
	if got := r.Magnitude(); math.Abs(float64(got-5)) > 1e-5 {
		t.Errorf("magnitude = %v, want 5", got)
	}
}
