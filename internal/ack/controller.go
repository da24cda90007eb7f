// controller.go - Pending acknowledgement tracking and retransmission.
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

// Package ack implements the acknowledgement controller and listener:
// every outbound fragment is registered with an expected-ACK deadline,
// retransmitted through a single owned delay queue if that deadline passes
// unacknowledged, and removed the moment a matching ACK arrives.
package ack

import (
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/metrics"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// RoundTripSlop is the fallback additive slop used when a Controller is
// constructed with a zero waitAddition.
const RoundTripSlop = 10 * time.Second

// DefaultWaitMultiplier is the fallback multiplicative slop used when a
// Controller is constructed with a zero waitMultiplier.
const DefaultWaitMultiplier = 1.5

type pendingEntry struct {
	dest            sphinxiface.Destination
	self            sphinxiface.Destination
	wire            []byte
	retransmissions int
	registeredAt    time.Time
}

// Resender is the narrow view of the chunker the controller needs to
// rebuild a fragment (with a fresh ack SURB embedded in it) on timeout,
// without depending on the whole chunking package surface.
type Resender interface {
	PrepareRetransmission(id chunking.FragmentIdentifier, wire []byte, dest, self sphinxiface.Destination) (fragment *chunking.PreparedPacket, ackRoundTrip time.Duration, err error)
}

// Emitter is how the controller hands a freshly rebuilt packet back into
// the outbound pipeline (typically the real-traffic stream, on the
// retransmission lane so it is prioritized over general traffic).
type Emitter interface {
	EmitRetransmission(fragment *chunking.PreparedPacket)
}

// Controller tracks every outbound fragment awaiting acknowledgement. Its
// exported methods are called from several goroutines (the input queue, the
// ack listener, stats callers) and its deadline handler from the
// TimerQueue's worker; the internal mutex guards the pending map for all of
// them. There is no owning goroutine and no action channel.
type Controller struct {
	log            *logging.Logger
	resender       Resender
	emitter        Emitter
	waitAddition   time.Duration
	waitMultiplier float64
	timerQueue     *TimerQueue

	mu      sync.Mutex
	pending map[chunking.FragmentIdentifier]*pendingEntry

	metrics *metrics.Metrics
}

// NewController constructs a Controller. m may be nil, in which case no
// pending-ack gauge is recorded. waitAddition and waitMultiplier shape the
// retransmission deadline (deadline = now + totalRoundTrip*waitMultiplier +
// waitAddition); zero or negative values fall back to RoundTripSlop and
// DefaultWaitMultiplier respectively. An entry, once registered, is
// retransmitted for as long as it stays unacknowledged: the only things
// that ever remove it are a matching ACK and client shutdown.
func NewController(resender Resender, emitter Emitter, waitAddition time.Duration, waitMultiplier float64, log *logging.Logger, m *metrics.Metrics) *Controller {
	if waitAddition <= 0 {
		waitAddition = RoundTripSlop
	}
	if waitMultiplier <= 0 {
		waitMultiplier = DefaultWaitMultiplier
	}
	c := &Controller{
		log:            log,
		resender:       resender,
		emitter:        emitter,
		waitAddition:   waitAddition,
		waitMultiplier: waitMultiplier,
		pending:        make(map[chunking.FragmentIdentifier]*pendingEntry),
		metrics:        m,
	}
	c.timerQueue = NewTimerQueue(c.onDeadline)
	return c
}

// ackDeadline computes the absolute retransmission deadline for a fragment
// whose forward delay plus its embedded ack SURB's own return delay sum to
// totalRoundTrip.
func (c *Controller) ackDeadline(totalRoundTrip time.Duration) time.Time {
	scaled := time.Duration(float64(totalRoundTrip) * c.waitMultiplier)
	return time.Now().Add(scaled).Add(c.waitAddition)
}

// Start launches the controller's timer queue worker goroutine.
func (c *Controller) Start() {
	c.timerQueue.Start()
}

// Stop halts the timer queue worker goroutine and waits for it to exit.
func (c *Controller) Stop() {
	c.timerQueue.Halt()
	c.timerQueue.Wait()
}

// Register records a freshly sent fragment, scheduling a retransmission
// deadline at the fragment's own forward delay plus its embedded ack
// SURB's expected round trip, plus the configured slop.
func (c *Controller) Register(fragment *chunking.PreparedPacket, ackRoundTrip time.Duration, dest, self sphinxiface.Destination, wire []byte) {
	c.mu.Lock()
	c.pending[fragment.FragID] = &pendingEntry{
		dest:         dest,
		self:         self,
		wire:         wire,
		registeredAt: time.Now(),
	}
	count := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPendingAcks(count)

	deadline := c.ackDeadline(fragment.TotalDelay + ackRoundTrip)
	c.timerQueue.Push(uint64(deadline.UnixNano()), fragment.FragID)
}

// Acknowledge removes the pending entry for id, if any, reporting whether
// one was found. A miss is not an error: covers, replies, and duplicate
// acks for an already-acknowledged fragment are all expected to miss.
func (c *Controller) Acknowledge(id chunking.FragmentIdentifier) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	count := len(c.pending)
	c.mu.Unlock()
	if ok {
		c.metrics.SetPendingAcks(count)
	}
	return ok
}

// PendingCount reports how many fragments are currently awaiting
// acknowledgement, for introspection/metrics.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// onDeadline fires from the timer queue's worker goroutine once a
// fragment's ACK deadline has passed without an Acknowledge call.
func (c *Controller) onDeadline(value interface{}) {
	id, ok := value.(chunking.FragmentIdentifier)
	if !ok {
		return
	}

	c.mu.Lock()
	entry, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		// Already acknowledged: nothing to do.
		return
	}
	entry.retransmissions++
	retransmissions := entry.retransmissions
	dest, self, wire := entry.dest, entry.self, entry.wire
	c.mu.Unlock()

	fragment, ackRoundTrip, err := c.resender.PrepareRetransmission(id, wire, dest, self)
	if err != nil {
		c.log.Warningf("ack: retransmission of %v failed: %v", id, err)
		// Leave the entry in place; the next sweep of this same deadline
		// already fired, so reschedule a fresh attempt shortly.
		c.timerQueue.Push(uint64(time.Now().Add(c.waitAddition).UnixNano()), id)
		return
	}

	c.mu.Lock()
	if e, ok := c.pending[id]; ok {
		e.registeredAt = time.Now()
	}
	c.mu.Unlock()

	c.log.Debugf("ack: retransmitting %v (attempt %d)", id, retransmissions)
	c.emitter.EmitRetransmission(fragment)

	deadline := c.ackDeadline(fragment.TotalDelay + ackRoundTrip)
	c.timerQueue.Push(uint64(deadline.UnixNano()), id)
}
