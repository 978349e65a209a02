package aggregation

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrEmptyAggregation is returned when an aggregation or an attribute
	// reduction is attempted over zero files.
	ErrEmptyAggregation = errors.New("no files to aggregate")

	// ErrCacheMiss is returned by cache stores when a key is not found.
	ErrCacheMiss = errors.New("cache miss")
)

// UnreadableFileError is returned when a dataset file cannot be opened or
// does not have the structure the configured reader expects.
type UnreadableFileError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *UnreadableFileError) Error() string {
	return fmt.Sprintf("cannot read dataset %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *UnreadableFileError) Unwrap() error { return e.Err }

// MissingDimensionError is returned when the aggregation dimension does not
// exist in a dataset, or exists but is not one-dimensional.
type MissingDimensionError struct {
	Path      string
	Dimension string
	Reason    string
}

// Error implements the error interface.
func (e *MissingDimensionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("dimension %q in file %s: %s", e.Dimension, e.Path, e.Reason)
	}
	return fmt.Sprintf("dimension %q not found in file %s", e.Dimension, e.Path)
}

// MissingAttributeError is returned when a global attribute required for a
// reduction is not present in a dataset.
type MissingAttributeError struct {
	Path string
	Name string
}

// Error implements the error interface.
func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("attribute %q not found in file %s", e.Name, e.Path)
}

// ReductionTypeError is returned when the per-file values of an aggregated
// attribute cannot be ordered, for example a mix of numbers and strings
// under a min or max reduction.
type ReductionTypeError struct {
	Attr      string
	Reduction Reduction
}

// Error implements the error interface.
func (e *ReductionTypeError) Error() string {
	return fmt.Sprintf("values of attribute %q are not comparable under %q reduction", e.Attr, e.Reduction)
}

// MonotonicityError is returned when the concatenated coordinate values of a
// joinExisting aggregation are not non-decreasing in file order.
type MonotonicityError struct {
	Path      string
	Dimension string
	Prev, Cur float64
}

// Error implements the error interface.
func (e *MonotonicityError) Error() string {
	return fmt.Sprintf("coordinate values for %q decrease at file %s (%v after %v)",
		e.Dimension, e.Path, e.Cur, e.Prev)
}

// CacheCorruptionError reports a persisted cache record that failed to load
// or decode. It is always recoverable: callers treat it as a cache miss and
// fall back to reading the file directly.
type CacheCorruptionError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache record %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *CacheCorruptionError) Unwrap() error { return e.Err }
