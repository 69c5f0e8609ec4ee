// Copyright (c) sbus Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains additional sync primitives used across sbus.
package syncs

import "sync"

// Mutex is an alias for sync.Mutex, used in struct fields throughout
// sbus in place of sync.Mutex directly, so a single build tag could
// swap in a lock-debugging variant without touching call sites.
type Mutex = sync.Mutex

// RWMutex is an alias for sync.RWMutex, for the same reason as Mutex.
type RWMutex = sync.RWMutex
