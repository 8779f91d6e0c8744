// Copyright 2026 The pool-coordinator Authors
// This file is part of the pool-coordinator library.
//
// The pool-coordinator library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pool-coordinator library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pool-coordinator library. If not, see <http://www.gnu.org/licenses/>.

package api

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// limiterCacheSize bounds how many per-worker buckets are kept in memory.
const limiterCacheSize = 4096

// SlidingWindowLimiter is a best-effort per-key rate limiter local to one
// coordinator instance. Buckets live in an LRU so a large worker fleet cannot
// grow the map without bound.
type SlidingWindowLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets *lru.Cache[int64, []time.Time]
	now     func() time.Time
}

// NewSlidingWindowLimiter allows max events per key within the trailing window.
func NewSlidingWindowLimiter(max int, window time.Duration) *SlidingWindowLimiter {
	buckets, _ := lru.New[int64, []time.Time](limiterCacheSize)
	return &SlidingWindowLimiter{
		max:     max,
		window:  window,
		buckets: buckets,
		now:     time.Now,
	}
}

// Allow records an event for key and reports whether it fits in the window.
func (l *SlidingWindowLimiter) Allow(key int64) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, _ := l.buckets.Get(key)
	kept := bucket[:0]
	for _, at := range bucket {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.max {
		l.buckets.Add(key, kept)
		return false
	}
	kept = append(kept, now)
	l.buckets.Add(key, kept)
	return true
}
