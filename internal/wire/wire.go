// wire.go - Gateway transport boundary and on-wire framing.
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

// Package wire defines the abstract duplex channel the core uses to talk
// to the gateway, and the wire framing of outbound packets.
// The transport implementation (websocket, TCP+noise, in-memory loopback,
// ...) lives outside this repository.
package wire

import (
	"context"

	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// PacketType distinguishes the kinds of frame the core ever writes to the
// gateway. The gateway itself is agnostic to the distinction; it is carried
// so that transport-level metrics/logging can differentiate without
// parsing the Sphinx blob.
type PacketType uint8

const (
	// PacketTypeSphinx is an ordinary onion-encrypted packet: real
	// fragment, cover, loop, or retransmission.
	PacketTypeSphinx PacketType = iota
)

// Frame is exactly what goes out over the gateway transport: a packet
// type tag, a size-class tag, and the fixed-size Sphinx blob itself.
type Frame struct {
	Type      PacketType
	SizeClass sphinxiface.SizeClass
	Blob      []byte
}

// GatewayWriter is the outbound half of the gateway transport: the core
// writes framed Sphinx blobs, and the transport is responsible for
// delivering them (or failing, which the router logs and does not retry).
type GatewayWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// GatewayReader is the inbound half: the gateway transport delivers
// batches of reconstructed plaintext payloads, each either a fragment or
// an ACK, told apart by length.
type GatewayReader interface {
	// ReadBatch blocks until at least one inbound payload is available, or
	// ctx is cancelled, or the underlying connection is closed (in which
	// case it returns io.EOF).
	ReadBatch(ctx context.Context) ([][]byte, error)
}

// Gateway is the full duplex boundary the core consumes.
type Gateway interface {
	GatewayWriter
	GatewayReader
}
