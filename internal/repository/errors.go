// Package repository holds the storage backends and the errors they share.
package repository

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by conditional writes when the stored record changed underneath.
	ErrConflict = errors.New("record changed concurrently")
)
