// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package xlog defines a minimal logging func type so that sbus's
// ambient components (currently just the worker pool) don't have to
// pass verbose func(...) types around or take a dependency on a
// specific logging library.
package xlog

import "fmt"

// Logf is the basic sbus logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
type Logf func(format string, args ...any)

// Discard is a Logf that throws away everything written to it.
func Discard(string, ...any) {}

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Sprint renders format/args the way a Logf would, without writing
// anywhere. Useful for tests that want to assert on log content.
func Sprint(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
