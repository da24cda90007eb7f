// sphinxiface.go - Sphinx packet construction boundary.
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

// Package sphinxiface declares the black-box contract the client core
// consumes from the Sphinx packet construction primitive. The core never
// constructs onion layers itself; it only calls Builder with a route,
// per-hop delays, destination and payload, and receives back an opaque
// fixed-size blob plus the total accumulated delay.
package sphinxiface

import (
	"time"

	"github.com/nymtech/nymclient-core/internal/topology"
)

// SizeClass identifies the fixed payload size a Sphinx packet is built for.
type SizeClass uint8

// Packet size classes.
const (
	SizeClassRegular SizeClass = iota
	SizeClassExtended8K
	SizeClassExtended16K
	SizeClassExtended32K
	SizeClassAck
)

// PayloadLen returns the fixed plaintext payload length a size class
// carries.
func (c SizeClass) PayloadLen() int {
	switch c {
	case SizeClassRegular:
		return 2 * 1024
	case SizeClassExtended8K:
		return 8 * 1024
	case SizeClassExtended16K:
		return 16 * 1024
	case SizeClassExtended32K:
		return 32 * 1024
	case SizeClassAck:
		return 64
	default:
		return 0
	}
}

// Destination names the final-hop recipient a packet is addressed to.
type Destination struct {
	// ID is the recipient identifier as known to the final mix/provider.
	ID [32]byte
}

// SURB is an opaque single-use reply block: a pre-built Sphinx header plus
// the payload key needed to decrypt whatever comes back through it.
type SURB struct {
	Header     []byte
	PayloadKey []byte
}

// Builder is the Sphinx construction primitive the core depends on. A real
// implementation lives outside this repository; tests use a fake that
// produces deterministic, inspectable blobs. Implementations must be safe
// for concurrent use: the chunker, the traffic streams and the
// retransmission path all construct packets from their own goroutines.
type Builder interface {
	// BuildPacket constructs a Sphinx packet blob addressed through route to
	// destination, carrying payload, with perHopDelays applied one per hop.
	// surb, if non-nil, is attached to the packet alongside payload; a real
	// builder may fold it into the onion construction itself rather than
	// spending payload capacity on it. It returns the wire blob and the
	// total accumulated delay (the sum of perHopDelays), which the caller
	// uses to schedule ACK timeouts.
	BuildPacket(route []*topology.NodeDescriptor, destination Destination, payload []byte, perHopDelays []time.Duration, surb *SURB, size SizeClass) (blob []byte, totalDelay time.Duration, err error)

	// BuildSURB constructs a single-use reply block through route,
	// addressed to destination, for later use with BuildPacketFromSURB.
	BuildSURB(route []*topology.NodeDescriptor, destination Destination, perHopDelays []time.Duration) (SURB, time.Duration, error)

	// BuildPacketFromSURB constructs a packet from a previously issued SURB
	// and a payload, without the caller knowing the SURB's route.
	BuildPacketFromSURB(surb SURB, payload []byte) (blob []byte, err error)
}
