// fakesphinx_test.go - Deterministic stand-in for the Sphinx construction boundary.
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
	"sync/atomic"
	"time"

	"github.com/nymtech/nymclient-core/internal/poisson"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/topology"
)

// fakeSphinx builds blobs that are just [sizeClass byte][payload, padded]
// so a test can recover exactly what was handed to BuildPacket without
// needing a real onion construction. It never fails.
type fakeSphinx struct{}

// fakeSURBSeq numbers the SURBs fakeSphinx builds so that, like real Sphinx
// headers, no two of them share a header digest.
var fakeSURBSeq atomic.Uint64

func (fakeSphinx) BuildPacket(route []*topology.NodeDescriptor, _ sphinxiface.Destination, payload []byte, perHopDelays []time.Duration, _ *sphinxiface.SURB, size sphinxiface.SizeClass) ([]byte, time.Duration, error) {
	if len(route) == 0 {
		return nil, 0, fmt.Errorf("fakesphinx: empty route")
	}
	if len(payload) > size.PayloadLen() {
		return nil, 0, fmt.Errorf("fakesphinx: payload %d exceeds size class capacity %d", len(payload), size.PayloadLen())
	}
	blob := make([]byte, 1+size.PayloadLen())
	blob[0] = byte(size)
	copy(blob[1:], payload)
	return blob, poisson.Sum(perHopDelays), nil
}

func (fakeSphinx) BuildSURB(route []*topology.NodeDescriptor, _ sphinxiface.Destination, perHopDelays []time.Duration) (sphinxiface.SURB, time.Duration, error) {
	if len(route) == 0 {
		return sphinxiface.SURB{}, 0, fmt.Errorf("fakesphinx: empty route")
	}
	header := make([]byte, 16)
	binary.BigEndian.PutUint64(header[:8], uint64(len(route)))
	binary.BigEndian.PutUint64(header[8:], fakeSURBSeq.Add(1))
	return sphinxiface.SURB{Header: header, PayloadKey: []byte("fake-payload-key")}, poisson.Sum(perHopDelays), nil
}

func (fakeSphinx) BuildPacketFromSURB(surb sphinxiface.SURB, payload []byte) ([]byte, error) {
	return append(append([]byte{}, surb.Header...), payload...), nil
}

// fakePayload extracts the payload a fakeSphinx blob was built from.
func fakePayload(blob []byte) []byte {
	if len(blob) == 0 {
		return nil
	}
	return blob[1:]
}

// staticTopology publishes a fixed three-layer network plus gateways so
// tests can call SelectRoute without a real PKI document.
func staticTopology(numHops int) *topology.View {
	v := topology.NewView()
	layers := make([][]*topology.NodeDescriptor, numHops)
	for l := 0; l < numHops; l++ {
		layers[l] = []*topology.NodeDescriptor{
			{Name: fmt.Sprintf("layer%d-a", l), Layer: l},
			{Name: fmt.Sprintf("layer%d-b", l), Layer: l},
		}
	}
	v.Publish(&topology.Snapshot{
		Layers:   layers,
		Gateways: []*topology.NodeDescriptor{{Name: "gateway-a"}, {Name: "gateway-b"}},
	})
	return v
}
