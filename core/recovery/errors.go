// Package recovery classifies pipeline failures and decides how each one is
// recovered from.
package recovery

import (
	"errors"
	"strings"
)

// Category failure category
type Category string

const (
	CategoryMemory        Category = "memory"
	CategoryPermission    Category = "permission"
	CategoryStorage       Category = "storage"
	CategoryNetwork       Category = "network"
	CategoryFormat        Category = "format"
	CategoryCorruption    Category = "corruption"
	CategoryIntegrity     Category = "integrity"
	CategoryPreservation  Category = "preservation"
	CategoryFunctionality Category = "functionality"
	CategoryConsistency   Category = "consistency"
	CategorySystem        Category = "system"
	CategoryUnknown       Category = "unknown"
)

// Severity error severity
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severity default severity of a category
func (c Category) Severity() Severity {
	switch c {
	case CategoryPermission, CategorySystem:
		return SeverityCritical
	case CategoryStorage, CategoryMemory, CategoryPreservation, CategoryFunctionality:
		return SeverityHigh
	case CategoryFormat, CategoryConsistency:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

var (
	// ErrUnsupportedFormat codec or container that cannot be handled
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrEmptyFile zero-length file
	ErrEmptyFile = errors.New("file is empty")
	// ErrInsufficientSpace free space below the configured threshold
	ErrInsufficientSpace = errors.New("insufficient disk space")
	// ErrPreservation output drifted from the original dimensions or layout
	ErrPreservation = errors.New("preservation check failed")
	// ErrNoBackup no backup exists for a file
	ErrNoBackup = errors.New("no backup available")
)

// Error structured pipeline error carrying its category from the point of failure
type Error struct {
	Category  Category
	Op        string
	Path      string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString("[")
	builder.WriteString(string(e.Category))
	builder.WriteString("] ")
	builder.WriteString(e.Op)
	if e.Path != "" {
		builder.WriteString(" ")
		builder.WriteString(e.Path)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with a category. Retryability follows the category.
func New(category Category, op, path string, err error) *Error {
	return &Error{
		Category:  category,
		Op:        op,
		Path:      path,
		Err:       err,
		Retryable: category == CategoryMemory || category == CategoryNetwork,
	}
}

// Wrap tags err with a category unless it already carries one; nil stays nil.
func Wrap(category Category, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(category, op, path, err)
}

// CategoryOf category carried by err, or CategoryUnknown
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

// IsCategory reports whether err carries category c
func IsCategory(err error, c Category) bool {
	return CategoryOf(err) == c
}

// IsRetryable reports whether err is marked retryable
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
