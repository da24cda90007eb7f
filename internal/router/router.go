// router.go - Packet router and mix sender.
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

// Package router implements the priority-ordered outbound packet queue
// that the real-traffic stream drains on every Poisson tick, the gateway
// write path, and the inbound demultiplexer that tells fragments and acks
// apart by length. Writes are framed and a failure is logged and dropped
// rather than retried; the ack/retransmit loop recovers the loss.
package router

import (
	"context"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/metrics"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/wire"
)

// DefaultWriteTimeout bounds a single gateway write: a stuck transport must
// not wedge the whole client.
const DefaultWriteTimeout = 10 * time.Second

// DefaultMaxConsecutiveFailures is how many back-to-back gateway write
// failures the router tolerates before escalating to a fatal shutdown: a
// gateway that has gone away is not worth silently queueing into forever.
const DefaultMaxConsecutiveFailures = 8

// priorityOrder lists the lane kinds from highest to lowest priority,
// mirroring lane.Less (Retransmission > ReplySurbRequest >
// AdditionalReplySurbs > everything else).
var priorityOrder = []lane.Kind{
	lane.Retransmission,
	lane.ReplySurbRequest,
	lane.AdditionalReplySurbs,
	lane.General,
	lane.Connection,
}

// FragmentSink accepts a demultiplexed inbound fragment payload and folds
// it into its message set. chunking.Reassembler satisfies this.
type FragmentSink interface {
	AddFragment(size sphinxiface.SizeClass, wire []byte) (*chunking.ReassembledMessage, error)
}

// InboxSink accepts a completed reassembled message. inbox.Inbox satisfies
// this.
type InboxSink interface {
	Deliver(msg *chunking.ReassembledMessage)
}

// Router owns the per-lane outbound queues and the gateway duplex
// connection. It is not goroutine-safe for concurrent Enqueue/Next/Send
// calls from multiple writers without the internal mutex, which it
// provides; callers may call it freely from multiple goroutines.
type Router struct {
	log          *logging.Logger
	gw           wire.GatewayWriter
	fragmentSize sphinxiface.SizeClass
	writeTimeout time.Duration
	onFatal      func(error)

	maxConsecutiveFailures int

	mu                  sync.Mutex
	queues              map[lane.Kind][]*chunking.PreparedPacket
	consecutiveFailures int

	metrics *metrics.Metrics
}

// NewRouter constructs a Router. fragmentSize is the size class the local
// client builds its own fragments at (used to tell inbound fragments from
// acks by length). m may be nil, in which case no metrics are recorded.
func NewRouter(gw wire.GatewayWriter, fragmentSize sphinxiface.SizeClass, onFatal func(error), m *metrics.Metrics, log *logging.Logger) *Router {
	return &Router{
		log:                    log,
		gw:                     gw,
		fragmentSize:           fragmentSize,
		writeTimeout:           DefaultWriteTimeout,
		onFatal:                onFatal,
		maxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		queues:                 make(map[lane.Kind][]*chunking.PreparedPacket),
		metrics:                m,
	}
}

// Enqueue places pkt on its lane's queue for later release by Next: fair,
// priority-ordered queueing across lanes.
func (r *Router) Enqueue(pkt *chunking.PreparedPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pkt.Lane.Kind
	r.queues[k] = append(r.queues[k], pkt)
	r.recordDepthLocked(k)
}

// Next implements realtraffic.Source: it pops and returns the
// highest-priority queued packet, or nil if every queue is empty.
func (r *Router) Next() *chunking.PreparedPacket {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range priorityOrder {
		q := r.queues[k]
		if len(q) > 0 {
			pkt := q[0]
			r.queues[k] = q[1:]
			r.recordDepthLocked(k)
			return pkt
		}
	}
	return nil
}

// QueueDepth reports how many packets are currently queued for k, for
// introspection.
func (r *Router) QueueDepth(k lane.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[k])
}

func (r *Router) recordDepthLocked(k lane.Kind) {
	if r.metrics == nil {
		return
	}
	r.metrics.QueueDepth.WithLabelValues(lane.Lane{Kind: k}.String()).Set(float64(len(r.queues[k])))
}

// Send implements realtraffic.Sink and covertraffic.Sink: it writes pkt
// directly to the gateway transport, bypassing the priority queues (the
// packet has already been released by a Poisson tick at this point).
func (r *Router) Send(pkt *chunking.PreparedPacket) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	frame := wire.Frame{
		Type:      wire.PacketTypeSphinx,
		SizeClass: pkt.SizeClass,
		Blob:      pkt.Blob,
	}

	if err := r.gw.WriteFrame(ctx, frame); err != nil {
		r.log.Warningf("router: gateway write failed: %v", err)
		r.onWriteFailure(err)
		return
	}
	r.onWriteSuccess()
}

// EmitRetransmission implements ack.Emitter: the rebuilt fragment (with its
// fresh embedded ack SURB) is re-queued on the retransmission lane so it
// gets priority over ordinary traffic at the next Poisson tick.
func (r *Router) EmitRetransmission(fragment *chunking.PreparedPacket) {
	fragment.Lane = lane.RetransmissionLane
	r.Enqueue(fragment)
}

func (r *Router) onWriteFailure(err error) {
	r.mu.Lock()
	r.consecutiveFailures++
	failures := r.consecutiveFailures
	r.mu.Unlock()

	if failures >= r.maxConsecutiveFailures && r.onFatal != nil {
		r.log.Errorf("router: %d consecutive gateway write failures, escalating to shutdown", failures)
		r.onFatal(err)
	}
}

func (r *Router) onWriteSuccess() {
	r.mu.Lock()
	r.consecutiveFailures = 0
	r.mu.Unlock()
}

// Dispatch classifies one inbound payload by length (fragments and acks
// are told apart by length, never by a tag byte) and routes it to the
// appropriate sink. Fragment completions are forwarded to inboxSink.
func (r *Router) Dispatch(payload []byte, fragments FragmentSink, inboxSink InboxSink, ackCh chan<- []byte) {
	if len(payload) == sphinxiface.SizeClassAck.PayloadLen() {
		select {
		case ackCh <- payload:
		default:
			r.log.Warningf("router: ack channel full, dropping ack payload")
			r.metrics.IncDropped("ack_channel_full")
		}
		return
	}

	msg, err := fragments.AddFragment(r.fragmentSize, payload)
	if err != nil {
		r.log.Debugf("router: dropping malformed inbound payload: %v", err)
		r.metrics.IncDropped("malformed_fragment")
		return
	}
	if msg != nil {
		inboxSink.Deliver(msg)
	}
}

// RunInbound reads batches from gw until ctx is cancelled or the
// connection closes, dispatching every payload in each batch.
func (r *Router) RunInbound(ctx context.Context, gw wire.GatewayReader, fragments FragmentSink, inboxSink InboxSink, ackCh chan<- []byte) {
	for {
		batch, err := gw.ReadBatch(ctx)
		if err != nil {
			r.log.Debugf("router: inbound read loop stopping: %v", err)
			return
		}
		for _, payload := range batch {
			r.Dispatch(payload, fragments, inboxSink, ackCh)
		}
	}
}
