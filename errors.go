package bitsi

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bitsi/kmer"
	"github.com/hupe1980/bitsi/manifest"
	"github.com/hupe1980/bitsi/query"
)

var (
	// ErrEncoding is the unified class for invalid input sequences.
	ErrEncoding = errors.New("encoding error")

	// ErrInvalidQuery is the unified class for malformed queries.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrStorage is the unified class for key-value store failures. A
	// storage failure aborts the single operation that hit it; the index
	// itself stays valid.
	ErrStorage = errors.New("storage error")

	// ErrUnsupportedFormat is returned when a persisted manifest carries
	// an unknown format version.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrIndexClosed is returned by operations on a closed index.
	ErrIndexClosed = errors.New("index is closed")
)

// ErrDuplicateSample indicates an insert with a sample id that is
// already registered.
type ErrDuplicateSample struct {
	SampleID string
	Rank     uint32
}

func (e *ErrDuplicateSample) Error() string {
	return fmt.Sprintf("duplicate sample %q (rank %d)", e.SampleID, e.Rank)
}

// ErrParameterMismatch indicates a signature whose parameters disagree
// with the index manifest. Parameters are fixed at index creation and
// never coerced.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrParameterMismatch struct {
	Field    string
	Expected uint64
	Actual   uint64
	cause    error
}

func (e *ErrParameterMismatch) Error() string {
	return fmt.Sprintf("parameter mismatch: %s expected %d, got %d", e.Field, e.Expected, e.Actual)
}

func (e *ErrParameterMismatch) Unwrap() error { return e.cause }

// translateError normalizes component-level errors into the package's
// public error contract.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var ee *kmer.EncodingError
	if errors.As(err, &ee) {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	var iq *query.InvalidQueryError
	if errors.As(err, &iq) {
		return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	var se *query.StorageError
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	var uf *manifest.ErrUnsupportedFormat
	if errors.As(err, &uf) {
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	return err
}
