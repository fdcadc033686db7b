// Package embedding defines the external text-to-vector port the core
// consumes but never implements (spec §1, §6, §9: "factor it behind a
// single capability so the core links clean with no text-model
// dependency").
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbeddingFailed is the sentinel wrapped by any error a Generator
// returns, per spec §6.
var ErrEmbeddingFailed = errors.New("embedding generation failed")

// Generator converts text to a fixed-dimensionality embedding.
// Implementations must be deterministic for a given model: the same
// text and model configuration always yield the same vector.
type Generator interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Fail wraps err (or constructs one from msg if err is nil) as an
// EmbeddingFailed error, for Generator implementations outside this
// module.
func Fail(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", msg, ErrEmbeddingFailed)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrEmbeddingFailed, err)
}
