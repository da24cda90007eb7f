// surb.go - Reply SURB bucket management.
// Copyright (C) 2022  Nym Technologies SA
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package surb tracks reply SURBs received from peers, bucketed by the
// AnonymousSenderTag they arrived under, so that a later reply can consume
// one FIFO and the bucket can top itself up before running dry. Entries are
// kept in an AVL tree ordered by receipt time, so expiry sweeps walk
// oldest-first and stop at the first still-fresh entry.
package surb

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// Entry is one reply SURB available for use, plus the bookkeeping needed to
// expire it and to decrypt whatever eventually comes back through it.
type Entry struct {
	SURB       sphinxiface.SURB
	ReceivedAt time.Time
	seq        uint64
	node       *avl.Node
}

func entryLess(a, b interface{}) int {
	ea, eb := a.(*Entry), b.(*Entry)
	switch {
	case ea.ReceivedAt.Before(eb.ReceivedAt):
		return -1
	case ea.ReceivedAt.After(eb.ReceivedAt):
		return 1
	case ea.seq < eb.seq:
		return -1
	case ea.seq > eb.seq:
		return 1
	default:
		return 0
	}
}

// bucket holds every currently-available SURB for one sender tag, ordered
// oldest-first so FIFO consumption and age-based eviction both walk the
// same structure.
type bucket struct {
	age          *avl.Tree
	len          int
	pendingTopup bool
}

func newBucket() *bucket {
	return &bucket{age: avl.New(entryLess)}
}

// Manager is the shared reply-SURB store, bucketed by AnonymousSenderTag.
// Every method takes the lock; callers needing several operations in one
// atomic step should not go through Manager's public API from two
// goroutines concurrently without external serialization.
type Manager struct {
	mu             sync.Mutex
	buckets        map[chunking.AnonymousSenderTag]*bucket
	freshThreshold int
	maxAge         time.Duration
	seq            uint64
	log            *logging.Logger
}

// DefaultFreshThreshold and DefaultMaxAge keep buffers small with generous
// but bounded expiry.
const (
	DefaultFreshThreshold = 10
	DefaultMaxAge         = 30 * time.Minute
)

// NewManager constructs an empty Manager.
func NewManager(freshThreshold int, maxAge time.Duration, log *logging.Logger) *Manager {
	if freshThreshold <= 0 {
		freshThreshold = DefaultFreshThreshold
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{
		buckets:        make(map[chunking.AnonymousSenderTag]*bucket),
		freshThreshold: freshThreshold,
		maxAge:         maxAge,
		log:            log,
	}
}

// Add deposits freshly-received SURBs into tag's bucket.
func (m *Manager) Add(tag chunking.AnonymousSenderTag, surbs []sphinxiface.SURB) {
	if len(surbs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[tag]
	if !ok {
		b = newBucket()
		m.buckets[tag] = b
	}
	now := time.Now()
	for _, s := range surbs {
		m.seq++
		e := &Entry{SURB: s, ReceivedAt: now, seq: m.seq}
		e.node = b.age.Insert(e)
		b.len++
	}
	if b.pendingTopup && b.len >= m.freshThreshold {
		b.pendingTopup = false
	}
}

// Consume removes and returns the oldest available SURB for tag. The bool
// return reports whether one was available.
func (m *Manager) Consume(tag chunking.AnonymousSenderTag) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popOldestLocked(tag)
}

// ConsumeN pops n SURBs for tag atomically: either all n come out, oldest
// first, or (if fewer than n are available) none do — callers must not
// observe a partially-drained bucket on failure.
func (m *Manager) ConsumeN(tag chunking.AnonymousSenderTag, n int) ([]Entry, bool) {
	if n <= 0 {
		return nil, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[tag]
	if !ok || b.len < n {
		return nil, false
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, ok := m.popOldestLocked(tag)
		if !ok {
			// Can't happen given the len check above, but fail safe rather
			// than hand back a short batch.
			return nil, false
		}
		entries = append(entries, e)
	}
	return entries, true
}

// popOldestLocked removes and returns the single oldest SURB for tag.
// Callers must hold m.mu.
func (m *Manager) popOldestLocked(tag chunking.AnonymousSenderTag) (Entry, bool) {
	b, ok := m.buckets[tag]
	if !ok || b.len == 0 {
		return Entry{}, false
	}

	iter := b.age.Iterator(avl.Forward)
	node := iter.First()
	if node == nil {
		return Entry{}, false
	}
	e := node.Value.(*Entry)
	b.age.Remove(node)
	b.len--
	if b.len == 0 && !b.pendingTopup {
		// An emptied bucket with a top-up still pending must survive so the
		// latch keeps suppressing duplicate requests until the peer answers.
		delete(m.buckets, tag)
	}
	e.node = nil
	return *e, true
}

// Count returns how many unconsumed SURBs remain for tag.
func (m *Manager) Count(tag chunking.AnonymousSenderTag) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[tag]; ok {
		return b.len
	}
	return 0
}

// NeedsTopUp reports whether tag's bucket has fallen below the configured
// fresh threshold and should have more SURBs requested ahead of running
// dry.
func (m *Manager) NeedsTopUp(tag chunking.AnonymousSenderTag) bool {
	return m.Count(tag) < m.freshThreshold
}

// RequestTopUpIfNeeded reports, at most once per low-water crossing, that
// tag's bucket needs replenishing: it returns true and latches a
// pending-top-up flag the first time the bucket is found below the fresh
// threshold, and false on every subsequent call until the flag is cleared
// by Add bringing the bucket back to the threshold. The latch keeps a slow
// reply path from flooding the peer with duplicate AdditionalReplySurbs
// requests.
func (m *Manager) RequestTopUpIfNeeded(tag chunking.AnonymousSenderTag) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[tag]
	count := 0
	if ok {
		count = b.len
	}
	if count >= m.freshThreshold {
		return false
	}
	if ok && b.pendingTopup {
		return false
	}
	if !ok {
		b = newBucket()
		m.buckets[tag] = b
	}
	b.pendingTopup = true
	return true
}

// Sweep evicts every SURB older than the configured max age, across every
// bucket, and reports how many were dropped; a reply SURB that never gets
// used must not accumulate forever.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.maxAge)
	dropped := 0
	for tag, b := range m.buckets {
		iter := b.age.Iterator(avl.Forward)
		for node := iter.First(); node != nil; node = iter.Next() {
			e := node.Value.(*Entry)
			if !e.ReceivedAt.Before(cutoff) {
				break
			}
			b.age.Remove(node)
			b.len--
			dropped++
		}
		if b.len == 0 && !b.pendingTopup {
			delete(m.buckets, tag)
		}
	}
	if dropped > 0 && m.log != nil {
		m.log.Debugf("surb: swept %d expired reply SURB(s)", dropped)
	}
	return dropped
}

// TagCount reports how many distinct sender tags currently have a bucket,
// for introspection/metrics. A bucket emptied while a top-up is pending, or
// created by RequestTopUpIfNeeded, is counted although it holds no SURBs.
func (m *Manager) TagCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
