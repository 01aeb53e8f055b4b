// Package util provides common utilities for Nexus.
package util

import "fmt"

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new MultiError.
func NewMultiError() *MultiError {
	return &MultiError{}
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if there are no errors, or the MultiError itself.
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return ""
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(m.Errors), m.Errors)
}

// Unwrap returns the underlying errors for errors.Is/As support.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
