// fragment.go - Fixed-size fragment identifiers and prepared packets.
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

// Package chunking splits outbound messages into fixed-size Sphinx
// fragments and reassembles inbound fragments back into messages.
package chunking

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/topology"
)

// FragmentIdentifierLength is the fixed on-wire size of a FragmentIdentifier.
const FragmentIdentifierLength = 5

// replyFlag marks a fragment that arrived via a reply SURB, for which no
// sender-side pending-ack entry exists.
const replyFlag = 1 << 0

// FragmentIdentifier identifies (message-set, fragment-index) so that ACKs
// can be matched back to the fragment that triggered them.
type FragmentIdentifier struct {
	SetID   uint16
	Total   uint8
	Index   uint8
	IsReply bool
}

// CoverFragID is the reserved identifier attached to loop/cover packets.
// ACKs recovered with this id are dropped silently by the listener.
var CoverFragID = FragmentIdentifier{SetID: 0xffff, Total: 0xff, Index: 0xff}

// Bytes encodes the identifier into its fixed 5-byte wire form.
func (f FragmentIdentifier) Bytes() [FragmentIdentifierLength]byte {
	var b [FragmentIdentifierLength]byte
	binary.BigEndian.PutUint16(b[0:2], f.SetID)
	b[2] = f.Total
	b[3] = f.Index
	if f.IsReply {
		b[4] = replyFlag
	}
	return b
}

// FragmentIdentifierFromBytes decodes a FragmentIdentifier from its 5-byte
// wire form.
func FragmentIdentifierFromBytes(b []byte) (FragmentIdentifier, error) {
	if len(b) != FragmentIdentifierLength {
		return FragmentIdentifier{}, fmt.Errorf("chunking: invalid fragment identifier length: %d", len(b))
	}
	return FragmentIdentifier{
		SetID:   binary.BigEndian.Uint16(b[0:2]),
		Total:   b[2],
		Index:   b[3],
		IsReply: b[4]&replyFlag != 0,
	}, nil
}

func (f FragmentIdentifier) String() string {
	if f == CoverFragID {
		return "cover"
	}
	return fmt.Sprintf("%04x/%d/%d", f.SetID, f.Index, f.Total)
}

// PacketMode tags what kind of traffic a PreparedPacket carries, so that
// the traffic streams and the router never need to inspect the Sphinx blob
// to know what they are handling.
type PacketMode int

const (
	ModeReal PacketMode = iota
	ModeCover
	ModeLoop
	ModeAck
)

// PreparedPacket is a Sphinx blob plus the bookkeeping the client core
// needs to schedule emission, retransmission, and ACK matching.
type PreparedPacket struct {
	Blob       []byte
	NextHop    *topology.NodeDescriptor
	Mode       PacketMode
	FragID     FragmentIdentifier
	TotalDelay time.Duration
	Lane       lane.Lane
	SizeClass  sphinxiface.SizeClass
}

// fragmentHeaderLen is the fixed identifier-plus-length prefix every
// fragment wire buffer starts with: [FragmentIdentifier(5)][payloadLen
// uint16], regardless of whether the fragment also reserves a trailing ack
// slot.
const fragmentHeaderLen = FragmentIdentifierLength + 2

// The ack slot is a fixed-size region reserved at the tail of every real
// forward fragment's wire buffer: a length-prefixed SURB header, a
// length-prefixed SURB payload key, and the sender's own pre-sealed
// encrypted fragment identifier. It lets the ACK ride the same Sphinx
// packet as the fragment it attests to, so the recipient can fire it back
// immediately on receipt rather than the sender racing a second,
// independently-routed packet that could return even if the fragment
// itself never arrived.
const (
	ackSlotHeaderCap = 256
	ackSlotKeyCap    = 64
)

var (
	ackSlotPayloadLen = sphinxiface.SizeClassAck.PayloadLen()
	ackSlotLen        = 2 + ackSlotHeaderCap + 2 + ackSlotKeyCap + ackSlotPayloadLen
)

// hasAckSlot reports whether a fragment with this identifier reserves an
// ack slot: every real forward fragment does. Replies carry no sender-side
// pending-ack entry to attest to, and cover/loop packets are never tracked
// at all, so neither reserves the space.
func hasAckSlot(id FragmentIdentifier) bool {
	return !id.IsReply && id != CoverFragID
}

// fragmentCapacity returns how many envelope bytes fit in one fragment of
// sizeClass, after the header and, if hasAck, the reserved ack slot.
func fragmentCapacity(sizeClass sphinxiface.SizeClass, hasAck bool) int {
	n := sizeClass.PayloadLen() - fragmentHeaderLen
	if hasAck {
		n -= ackSlotLen
	}
	return n
}

// encodeAckSlot packs a SURB header/key pair and the sealed ack payload
// into the fixed ackSlotLen tail region, length-prefixing the header and
// key since their actual sizes vary by Sphinx implementation but must fit
// within the reserved caps.
func encodeAckSlot(surb sphinxiface.SURB, ackPayload []byte) ([]byte, error) {
	if len(surb.Header) > ackSlotHeaderCap {
		return nil, fmt.Errorf("chunking: ack surb header %d exceeds reserved capacity %d", len(surb.Header), ackSlotHeaderCap)
	}
	if len(surb.PayloadKey) > ackSlotKeyCap {
		return nil, fmt.Errorf("chunking: ack surb payload key %d exceeds reserved capacity %d", len(surb.PayloadKey), ackSlotKeyCap)
	}
	if len(ackPayload) != ackSlotPayloadLen {
		return nil, fmt.Errorf("chunking: ack payload length %d, want %d", len(ackPayload), ackSlotPayloadLen)
	}

	out := make([]byte, ackSlotLen)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(surb.Header)))
	copy(out[2:2+ackSlotHeaderCap], surb.Header)
	keyOff := 2 + ackSlotHeaderCap
	binary.BigEndian.PutUint16(out[keyOff:keyOff+2], uint16(len(surb.PayloadKey)))
	copy(out[keyOff+2:keyOff+2+ackSlotKeyCap], surb.PayloadKey)
	payloadOff := keyOff + 2 + ackSlotKeyCap
	copy(out[payloadOff:], ackPayload)
	return out, nil
}

// decodeAckSlot reverses encodeAckSlot.
func decodeAckSlot(slot []byte) (sphinxiface.SURB, []byte, error) {
	if len(slot) != ackSlotLen {
		return sphinxiface.SURB{}, nil, fmt.Errorf("chunking: malformed ack slot length %d", len(slot))
	}
	headerLen := binary.BigEndian.Uint16(slot[0:2])
	if int(headerLen) > ackSlotHeaderCap {
		return sphinxiface.SURB{}, nil, fmt.Errorf("chunking: ack slot header length %d exceeds cap %d", headerLen, ackSlotHeaderCap)
	}
	header := append([]byte(nil), slot[2:2+int(headerLen)]...)

	keyOff := 2 + ackSlotHeaderCap
	keyLen := binary.BigEndian.Uint16(slot[keyOff : keyOff+2])
	if int(keyLen) > ackSlotKeyCap {
		return sphinxiface.SURB{}, nil, fmt.Errorf("chunking: ack slot key length %d exceeds cap %d", keyLen, ackSlotKeyCap)
	}
	key := append([]byte(nil), slot[keyOff+2:keyOff+2+int(keyLen)]...)

	payloadOff := keyOff + 2 + ackSlotKeyCap
	payload := append([]byte(nil), slot[payloadOff:payloadOff+ackSlotPayloadLen]...)

	return sphinxiface.SURB{Header: header, PayloadKey: key}, payload, nil
}
