//go:build !deadlock_detection

// Package sync provides the mutex types used by the caller registries and the
// form manager client. Building with -tags deadlock_detection swaps them for
// go-deadlock's instrumented versions.
package sync

import "sync"

type Mutex = sync.Mutex
type RWMutex = sync.RWMutex
