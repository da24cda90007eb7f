// reassembler.go - Inbound fragment reassembly.
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

package chunking

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// AckSealer builds a wire blob from a previously issued SURB. It is the one
// piece of the Sphinx construction boundary the reassembler needs, to seal
// the ack payload carried in a fragment's ack slot into a packet addressed
// back to the sender.
type AckSealer interface {
	BuildPacketFromSURB(surb sphinxiface.SURB, payload []byte) ([]byte, error)
}

// AckEnqueuer is where a fired ack packet is handed off for transmission.
type AckEnqueuer interface {
	Enqueue(pkt *PreparedPacket)
}

// ReassembledMessage is a complete application message recovered from a
// full set of fragments, plus whatever SURBs the sender attached so the
// recipient can reply.
type ReassembledMessage struct {
	Payload      []byte
	HasSenderTag bool
	SenderTag    AnonymousSenderTag
	SURBs        []sphinxiface.SURB
}

type pendingSet struct {
	total    uint8
	have     uint8
	slots    [][]byte
	firstSet time.Time
}

// Reassembler groups inbound fragments by set-id and emits a
// ReassembledMessage once every slot in a set has arrived. The internal
// mutex exists because the periodic Sweep and the stats surface run on
// different goroutines than the inbound dispatch loop; AddFragment itself
// is only ever called from the one inbound goroutine.
type Reassembler struct {
	log            *logging.Logger
	maxPendingSets int
	pendingSetTTL  time.Duration
	ackSealer      AckSealer
	ackSink        AckEnqueuer

	mu   sync.Mutex
	sets map[uint16]*pendingSet

	// completed remembers recently finished set-ids so a retransmitted
	// copy of an already-delivered fragment (the retransmission preserves
	// the fragment identifier, set-id included) can't recreate the set
	// and deliver the message a second time. Bounded and TTL-swept the
	// same way sets itself is.
	completed      map[uint16]time.Time
	completedOrder []uint16
}

// DefaultMaxPendingSets and DefaultPendingSetTTL bound the memory an
// attacker can force the reassembler to hold by sending fragments from
// message sets that never complete.
const (
	DefaultMaxPendingSets = 256
	DefaultPendingSetTTL  = 10 * time.Minute
)

// NewReassembler constructs a Reassembler with the given pending-set
// eviction limits. sealer and sink are used to fire an ack back to the
// sender immediately on receipt of a forward fragment; either may be nil,
// in which case fragments are reassembled but no ack is ever fired (useful
// for tests that only exercise reassembly).
func NewReassembler(maxPendingSets int, pendingSetTTL time.Duration, sealer AckSealer, sink AckEnqueuer, log *logging.Logger) *Reassembler {
	if maxPendingSets <= 0 {
		maxPendingSets = DefaultMaxPendingSets
	}
	if pendingSetTTL <= 0 {
		pendingSetTTL = DefaultPendingSetTTL
	}
	return &Reassembler{
		log:            log,
		maxPendingSets: maxPendingSets,
		pendingSetTTL:  pendingSetTTL,
		ackSealer:      sealer,
		ackSink:        sink,
		sets:           make(map[uint16]*pendingSet),
		completed:      make(map[uint16]time.Time),
	}
}

// AddFragment decodes one inbound Sphinx payload as a fragment and folds it
// into its message set. It returns a non-nil ReassembledMessage exactly
// when this fragment completed its set. If the fragment carries an ack
// slot, the ack fires unconditionally on receipt — including for a
// retransmission duplicate of an already-delivered set, since the sender
// is still waiting on an ack for that specific copy.
func (r *Reassembler) AddFragment(size sphinxiface.SizeClass, wire []byte) (*ReassembledMessage, error) {
	if len(wire) < fragmentHeaderLen || len(wire) > size.PayloadLen() {
		return nil, fmt.Errorf("chunking: malformed fragment wire length %d", len(wire))
	}

	id, err := FragmentIdentifierFromBytes(wire[:FragmentIdentifierLength])
	if err != nil {
		return nil, err
	}
	if id == CoverFragID {
		r.log.Debugf("reassembler: dropping cover fragment")
		return nil, nil
	}

	hasAck := hasAckSlot(id)
	if hasAck {
		r.fireAck(wire)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.completed[id.SetID]; ok {
		r.log.Debugf("reassembler: dropping fragment for already-delivered set %04x (retransmission duplicate)", id.SetID)
		return nil, nil
	}

	capacity := fragmentCapacity(size, hasAck)
	payloadLen := binary.BigEndian.Uint16(wire[FragmentIdentifierLength : FragmentIdentifierLength+2])
	if int(payloadLen) > capacity {
		return nil, fmt.Errorf("chunking: fragment payload length %d exceeds capacity %d", payloadLen, capacity)
	}
	body := wire[fragmentHeaderLen : fragmentHeaderLen+int(payloadLen)]

	set, ok := r.sets[id.SetID]
	if !ok {
		if len(r.sets) >= r.maxPendingSets {
			r.evictOldest()
		}
		set = &pendingSet{
			total:    id.Total,
			slots:    make([][]byte, id.Total),
			firstSet: now(),
		}
		r.sets[id.SetID] = set
	}
	if set.total != id.Total {
		return nil, fmt.Errorf("chunking: fragment set %04x total mismatch: %d vs %d", id.SetID, set.total, id.Total)
	}
	if int(id.Index) >= len(set.slots) {
		return nil, fmt.Errorf("chunking: fragment index %d out of range for set %04x", id.Index, id.SetID)
	}
	if set.slots[id.Index] == nil {
		set.slots[id.Index] = append([]byte(nil), body...)
		set.have++
	}

	if set.have < set.total {
		return nil, nil
	}

	delete(r.sets, id.SetID)
	r.markCompleted(id.SetID)
	full := make([]byte, 0)
	for _, s := range set.slots {
		full = append(full, s...)
	}

	env, err := unmarshalEnvelope(full)
	if err != nil {
		return nil, fmt.Errorf("chunking: decode reassembled envelope: %w", err)
	}

	return &ReassembledMessage{
		Payload:      env.Payload,
		HasSenderTag: env.HasTag,
		SenderTag:    env.Tag,
		SURBs:        env.SURBs,
	}, nil
}

// fireAck decodes the ack slot embedded in the tail of wire and, if a
// sealer and sink are configured, seals and enqueues the resulting ack
// packet. Failures are logged and swallowed: a malformed or undecodable ack
// slot must not block reassembly of the fragment's own payload, and the
// sender's own retransmission timer is the fallback if the ack never
// arrives.
func (r *Reassembler) fireAck(wire []byte) {
	if r.ackSealer == nil || r.ackSink == nil {
		return
	}
	if len(wire) < ackSlotLen {
		r.log.Warningf("reassembler: fragment too short to carry an ack slot")
		return
	}
	slot := wire[len(wire)-ackSlotLen:]
	surb, payload, err := decodeAckSlot(slot)
	if err != nil {
		r.log.Warningf("reassembler: decode ack slot: %v", err)
		return
	}
	blob, err := r.ackSealer.BuildPacketFromSURB(surb, payload)
	if err != nil {
		r.log.Warningf("reassembler: seal ack packet: %v", err)
		return
	}
	r.ackSink.Enqueue(&PreparedPacket{
		Blob:      blob,
		Mode:      ModeAck,
		Lane:      lane.GeneralLane,
		SizeClass: sphinxiface.SizeClassAck,
	})
}

// markCompleted records setID as delivered, evicting the oldest completed
// entry first if the bound is already reached, so the dedup set can't be
// grown without limit by a sender that keeps completing new sets.
func (r *Reassembler) markCompleted(setID uint16) {
	if _, ok := r.completed[setID]; ok {
		return
	}
	for len(r.completed) >= r.maxPendingSets && len(r.completedOrder) > 0 {
		oldest := r.completedOrder[0]
		r.completedOrder = r.completedOrder[1:]
		delete(r.completed, oldest)
	}
	r.completed[setID] = now()
	r.completedOrder = append(r.completedOrder, setID)
}

// evictOldest drops the longest-pending incomplete set, making room for a
// new one (bounded memory under a flood of never-completing sets).
func (r *Reassembler) evictOldest() {
	var oldestID uint16
	var oldestAt time.Time
	first := true
	for id, set := range r.sets {
		if first || set.firstSet.Before(oldestAt) {
			oldestID = id
			oldestAt = set.firstSet
			first = false
		}
	}
	if !first {
		r.log.Warningf("reassembler: evicting incomplete set %04x under pending-set pressure", oldestID)
		delete(r.sets, oldestID)
	}
}

// Sweep removes any pending set older than the configured TTL, plus any
// completed-set dedup record old enough that a retransmission for it could
// no longer plausibly arrive, to be called periodically by the owning
// goroutine.
func (r *Reassembler) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now().Add(-r.pendingSetTTL)
	for id, set := range r.sets {
		if set.firstSet.Before(cutoff) {
			r.log.Debugf("reassembler: sweeping expired set %04x (%d/%d fragments)", id, set.have, set.total)
			delete(r.sets, id)
		}
	}

	i := 0
	for i < len(r.completedOrder) {
		id := r.completedOrder[i]
		completedAt, ok := r.completed[id]
		if !ok || completedAt.Before(cutoff) {
			delete(r.completed, id)
			i++
			continue
		}
		break
	}
	r.completedOrder = r.completedOrder[i:]
}

// PendingSets reports how many message sets are currently incomplete, for
// introspection/metrics.
func (r *Reassembler) PendingSets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// now is a seam so tests can control time without the package reaching for
// time.Now directly in a way that would complicate deterministic testing;
// production code always uses the real clock.
var now = time.Now
