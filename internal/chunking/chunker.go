// chunker.go - Outbound message chunking.
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
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/identity"
	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/poisson"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/topology"
)

// RoutingContext carries everything the chunker needs about where a
// message is headed and how it should be addressed.
type RoutingContext struct {
	Recipient        sphinxiface.Destination
	Self             sphinxiface.Destination
	Lane             lane.Lane
	NumSURBsToAttach int
	SenderTag        AnonymousSenderTag
	HasSenderTag     bool
}

// Chunker splits outbound messages into Sphinx-ready fragments. It is
// shared, read-mostly configuration (no per-call mutable state except the
// issued-SURB digest map and the RNG), safe for concurrent use from a
// single-threaded caller; Chunk holds no lock across a suspension point.
type Chunker struct {
	topo        *topology.View
	sphinx      sphinxiface.Builder
	ackKey      identity.AckKey
	numHops     int
	hopDelay    time.Duration
	ackHopDelay time.Duration
	sizeClass   sphinxiface.SizeClass
	log         *logging.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	issued map[[32]byte][]byte // SURB header digest -> payload key
}

// NewChunker constructs a Chunker. rngSeed should come from a
// cryptographically-seeded source; the chunker itself only needs a fast PRNG
// for route/delay sampling, not for key material. hopDelay paces forward
// fragments; ackHopDelay paces the ack SURB embedded in each one, kept
// distinct because an operator may want the return path an ack rides to
// traverse the network faster than the fragment it attests to, tightening
// the retransmission deadline without slowing down real traffic.
func NewChunker(topo *topology.View, builder sphinxiface.Builder, ackKey identity.AckKey, numHops int, hopDelay, ackHopDelay time.Duration, sizeClass sphinxiface.SizeClass, rngSeed int64, log *logging.Logger) *Chunker {
	return &Chunker{
		topo:        topo,
		sphinx:      builder,
		ackKey:      ackKey,
		numHops:     numHops,
		hopDelay:    hopDelay,
		ackHopDelay: ackHopDelay,
		sizeClass:   sizeClass,
		log:         log,
		rng:         rand.New(rand.NewSource(rngSeed)),
		issued:      make(map[[32]byte][]byte),
	}
}

// MaxMessageSize is the largest encoded message body the chunker can
// fragment, bounded by the 8-bit total-fragment-count field. The body is the
// application message inside its envelope, so the largest accepted
// application message is smaller by the envelope's encoding overhead.
func (c *Chunker) MaxMessageSize() int {
	return 255 * c.capacity()
}

func (c *Chunker) capacity() int {
	return fragmentCapacity(c.sizeClass, true)
}

// replyCapacity is capacity's counterpart for reply fragments, which carry
// no ack slot and so have more room per fragment.
func (c *Chunker) replyCapacity() int {
	return fragmentCapacity(c.sizeClass, false)
}

// Chunked is the result of fragmenting one outbound message: the forward
// fragments destined for the recipient, each one carrying its own ack SURB
// embedded in its wire bytes so the recipient can fire the acknowledgement
// back immediately on receipt.
type Chunked struct {
	Fragments []*PreparedPacket
	// AckRoundTrips holds, for each index, the expected round-trip delay of
	// the ack SURB embedded in Fragments[i] (the time for the ack packet to
	// traverse its own route back to this client), which the ack controller
	// adds to the fragment's own forward delay to compute a retransmission
	// deadline.
	AckRoundTrips []time.Duration
	// Wire holds, for each index, the raw pre-Sphinx fragment bytes
	// (FragmentIdentifier + length + padded payload + ack slot) that
	// produced Fragments[i].Blob. The ack controller keeps this alongside
	// its pending-ack entry so PrepareRetransmission can rebuild the same
	// fragment through a fresh route and a fresh ack SURB without the
	// caller having to recover plaintext out of an opaque Sphinx blob.
	Wire [][]byte
}

// Chunk splits msg into an ordered list of PreparedPackets ready for
// emission and ack tracking. Each fragment carries the same set-id so the
// reassembler on the far end can group them, and embeds a freshly drawn ack
// SURB plus a sealed copy of its own FragmentIdentifier, so the recipient
// can fire the acknowledgement back on the same packet that attests to
// delivery.
func (c *Chunker) Chunk(msg []byte, ctx RoutingContext) (*Chunked, error) {
	if len(msg) == 0 {
		c.log.Debugf("chunker: dropping send request (empty message)")
		return nil, ErrEmptyMessage
	}

	env := &envelope{
		HasTag:  ctx.HasSenderTag,
		Tag:     ctx.SenderTag,
		Payload: msg,
	}
	if ctx.NumSURBsToAttach > 0 {
		surbs, err := c.issueSURBs(ctx.NumSURBsToAttach, ctx.Self)
		if err != nil {
			return nil, err
		}
		env.SURBs = surbs
	}

	body, err := marshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("chunking: encode envelope: %w", err)
	}

	capacity := c.capacity()
	total := (len(body) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > 255 {
		return nil, ErrOversizeMessage
	}

	var setIDBuf [2]byte
	if _, err := randRead(c, setIDBuf[:]); err != nil {
		return nil, err
	}
	setID := binary.BigEndian.Uint16(setIDBuf[:])

	result := &Chunked{
		Fragments:     make([]*PreparedPacket, 0, total),
		AckRoundTrips: make([]time.Duration, 0, total),
		Wire:          make([][]byte, 0, total),
	}
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(body) {
			end = len(body)
		}
		chunk := body[start:end]

		fragID := FragmentIdentifier{SetID: setID, Total: uint8(total), Index: uint8(i)}

		ackSlot, surb, ackRoundTrip, err := c.buildAckSURB(fragID, ctx.Self)
		if err != nil {
			return nil, err
		}
		wire := c.encodeFragment(fragID, ackSlot, chunk)

		pkt, err := c.prepareOne(fragID, wire, ctx.Recipient, ctx.Lane, ModeReal, c.sizeClass, &surb)
		if err != nil {
			return nil, err
		}
		result.Fragments = append(result.Fragments, pkt)
		result.Wire = append(result.Wire, wire)
		result.AckRoundTrips = append(result.AckRoundTrips, ackRoundTrip)
	}

	return result, nil
}

// buildAckSURB draws a fresh single-use reply block back to self and seals
// id into the fixed-size ack payload it carries, returning the reserved
// ack-slot bytes ready to embed in the fragment's own wire buffer: the ack
// rides the forward fragment itself, fired by the recipient on receipt,
// rather than a second packet raced independently by the sender.
func (c *Chunker) buildAckSURB(id FragmentIdentifier, self sphinxiface.Destination) ([]byte, sphinxiface.SURB, time.Duration, error) {
	c.mu.Lock()
	route, _, err := c.topo.SelectRoute(c.numHops, c.rng)
	if err != nil {
		c.mu.Unlock()
		return nil, sphinxiface.SURB{}, 0, topology.ErrNoRouteAvailable
	}
	delays := poisson.SampleHopDelays(c.rng, c.ackHopDelay, c.numHops)
	c.mu.Unlock()

	surb, totalDelay, err := c.sphinx.BuildSURB(route, self, delays)
	if err != nil {
		return nil, sphinxiface.SURB{}, 0, fmt.Errorf("chunking: build ack surb: %w", err)
	}

	ackPayload, err := EncryptFragmentID(c.ackKey, id, ackSlotPayloadLen)
	if err != nil {
		return nil, sphinxiface.SURB{}, 0, fmt.Errorf("chunking: build ack payload: %w", err)
	}

	slot, err := encodeAckSlot(surb, ackPayload)
	if err != nil {
		return nil, sphinxiface.SURB{}, 0, err
	}
	return slot, surb, totalDelay, nil
}

func (c *Chunker) encodeFragment(id FragmentIdentifier, ackSlot, payload []byte) []byte {
	out := make([]byte, c.sizeClass.PayloadLen())
	idBytes := id.Bytes()
	n := copy(out, idBytes[:])
	binary.BigEndian.PutUint16(out[n:n+2], uint16(len(payload)))
	n += 2
	copy(out[n:n+len(payload)], payload)
	if ackSlot != nil {
		copy(out[len(out)-len(ackSlot):], ackSlot)
	}
	return out
}

// prepareOne draws a fresh route and per-hop delays and asks the Sphinx
// builder for a blob. The fragment identifier itself never changes across
// retransmissions; callers that retransmit call PrepareRetransmission
// instead of Chunk.
func (c *Chunker) prepareOne(id FragmentIdentifier, wire []byte, dest sphinxiface.Destination, l lane.Lane, mode PacketMode, sizeClass sphinxiface.SizeClass, surb *sphinxiface.SURB) (*PreparedPacket, error) {
	return c.prepareOneWithDelay(id, wire, dest, l, mode, sizeClass, c.hopDelay, surb)
}

// prepareOneWithDelay is prepareOne generalized over the per-hop delay
// distribution.
func (c *Chunker) prepareOneWithDelay(id FragmentIdentifier, wire []byte, dest sphinxiface.Destination, l lane.Lane, mode PacketMode, sizeClass sphinxiface.SizeClass, hopDelay time.Duration, surb *sphinxiface.SURB) (*PreparedPacket, error) {
	c.mu.Lock()
	route, _, err := c.topo.SelectRoute(c.numHops, c.rng)
	if err != nil {
		c.mu.Unlock()
		return nil, topology.ErrNoRouteAvailable
	}
	delays := poisson.SampleHopDelays(c.rng, hopDelay, c.numHops)
	c.mu.Unlock()

	blob, totalDelay, err := c.sphinx.BuildPacket(route, dest, wire, delays, surb, sizeClass)
	if err != nil {
		return nil, fmt.Errorf("chunking: sphinx build failed: %w", err)
	}

	return &PreparedPacket{
		Blob:       blob,
		NextHop:    route[0],
		Mode:       mode,
		FragID:     id,
		TotalDelay: totalDelay,
		Lane:       l,
		SizeClass:  sizeClass,
	}, nil
}

// PrepareRetransmission re-prepares a fragment with a fresh route, fresh
// delays and a fresh ack SURB, while preserving the fragment identifier and
// application payload exactly. The old ack SURB may already have been
// consumed or lost, so a new one is always drawn. If the topology has
// changed since the first send, the new route reflects that.
func (c *Chunker) PrepareRetransmission(id FragmentIdentifier, wire []byte, dest, self sphinxiface.Destination) (fragment *PreparedPacket, ackRoundTrip time.Duration, err error) {
	ackSlot, surb, ackRoundTrip, err := c.buildAckSURB(id, self)
	if err != nil {
		return nil, 0, err
	}

	freshWire := append([]byte(nil), wire...)
	copy(freshWire[len(freshWire)-ackSlotLen:], ackSlot)

	fragment, err = c.prepareOne(id, freshWire, dest, lane.RetransmissionLane, ModeReal, c.sizeClass, &surb)
	if err != nil {
		return nil, 0, err
	}
	return fragment, ackRoundTrip, nil
}

// ReplyFragmentCount returns how many fragments msg will require when sent
// through ChunkReply, so a caller can pre-consume exactly that many SURBs
// atomically (via surb.Manager.ConsumeN) before committing to the send.
func (c *Chunker) ReplyFragmentCount(msg []byte) (int, error) {
	if len(msg) == 0 {
		return 0, ErrEmptyMessage
	}
	body, err := marshalEnvelope(&envelope{Payload: msg})
	if err != nil {
		return 0, fmt.Errorf("chunking: encode envelope: %w", err)
	}
	capacity := c.replyCapacity()
	total := (len(body) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > 255 {
		return 0, ErrOversizeMessage
	}
	return total, nil
}

// ChunkReply fragments msg for delivery entirely through pre-issued reply
// SURBs rather than a freshly selected topology route: each fragment
// consumes exactly one entry of surbs, in the order given (callers source
// surbs from a surb.Manager bucket, which hands them out FIFO, so set
// membership and delivery order line up). Reply fragments carry the reply
// flag and are never paired with an ack slot: no sender-side pending-ack
// entry is created for them, so the ack controller never tracks or
// retransmits a reply fragment — loss is final.
func (c *Chunker) ChunkReply(msg []byte, l lane.Lane, surbs []sphinxiface.SURB) (*Chunked, error) {
	if len(msg) == 0 {
		c.log.Debugf("chunker: dropping reply send request (empty message)")
		return nil, ErrEmptyMessage
	}

	body, err := marshalEnvelope(&envelope{Payload: msg})
	if err != nil {
		return nil, fmt.Errorf("chunking: encode envelope: %w", err)
	}

	capacity := c.replyCapacity()
	total := (len(body) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > 255 {
		return nil, ErrOversizeMessage
	}
	if total > len(surbs) {
		return nil, ErrSURBExhausted
	}

	var setIDBuf [2]byte
	if _, err := randRead(c, setIDBuf[:]); err != nil {
		return nil, err
	}
	setID := binary.BigEndian.Uint16(setIDBuf[:])

	result := &Chunked{
		Fragments: make([]*PreparedPacket, 0, total),
		Wire:      make([][]byte, 0, total),
	}
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(body) {
			end = len(body)
		}
		chunk := body[start:end]

		fragID := FragmentIdentifier{SetID: setID, Total: uint8(total), Index: uint8(i), IsReply: true}
		wire := c.encodeFragment(fragID, nil, chunk)

		blob, err := c.sphinx.BuildPacketFromSURB(surbs[i], wire)
		if err != nil {
			return nil, fmt.Errorf("chunking: build packet from surb: %w", err)
		}
		result.Fragments = append(result.Fragments, &PreparedPacket{
			Blob:      blob,
			Mode:      ModeReal,
			FragID:    fragID,
			Lane:      l,
			SizeClass: c.sizeClass,
		})
		result.Wire = append(result.Wire, wire)
	}
	return result, nil
}

// PrepareCover builds a loop-cover packet addressed to the client itself,
// tagged with CoverFragID.
func (c *Chunker) PrepareCover(self sphinxiface.Destination) (*PreparedPacket, error) {
	wire := c.encodeFragment(CoverFragID, nil, nil)
	return c.prepareOne(CoverFragID, wire, self, lane.GeneralLane, ModeCover, c.sizeClass, nil)
}

// PrepareLoop builds a loop packet addressed to the client itself on the
// dedicated cover-traffic lane.
func (c *Chunker) PrepareLoop(self sphinxiface.Destination) (*PreparedPacket, error) {
	wire := c.encodeFragment(CoverFragID, nil, nil)
	return c.prepareOne(CoverFragID, wire, self, lane.GeneralLane, ModeLoop, c.sizeClass, nil)
}

// issueSURBs builds n fresh reply SURBs through the current topology back
// to self, and remembers each one's payload key under its header digest so
// that a future reply can be matched and decrypted.
func (c *Chunker) issueSURBs(n int, self sphinxiface.Destination) ([]sphinxiface.SURB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]sphinxiface.SURB, 0, n)
	for i := 0; i < n; i++ {
		route, _, err := c.topo.SelectRoute(c.numHops, c.rng)
		if err != nil {
			return nil, topology.ErrNoRouteAvailable
		}
		delays := poisson.SampleHopDelays(c.rng, c.hopDelay, c.numHops)
		surb, _, err := c.sphinx.BuildSURB(route, self, delays)
		if err != nil {
			return nil, fmt.Errorf("chunking: build surb: %w", err)
		}
		digest := blake2b.Sum256(surb.Header)
		c.issued[digest] = surb.PayloadKey
		out = append(out, surb)
	}
	return out, nil
}

// LookupIssuedSURBKey returns the payload key stored for a SURB header
// digest, consuming it (each key is usable for exactly one reply).
func (c *Chunker) LookupIssuedSURBKey(headerDigest [32]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.issued[headerDigest]
	if ok {
		delete(c.issued, headerDigest)
	}
	return key, ok
}

func randRead(c *Chunker, b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Read(b)
}
