// topology.go - Read-mostly mix topology snapshot.
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

// Package topology holds the client's read-mostly view of mix-node layers
// and gateway descriptors. Topology discovery itself lives outside the
// core; this package only stores and serves whatever snapshot the caller
// publishes.
package topology

import (
	"errors"
	"math/rand"
	"sync/atomic"
)

// ErrNoRouteAvailable is returned when the current view lacks a layer or
// gateway required to build a route of the requested shape.
var ErrNoRouteAvailable = errors.New("topology: no route available")

// NodeDescriptor identifies one mix (or gateway) in the topology.
type NodeDescriptor struct {
	Name      string
	Layer     int
	PublicKey [32]byte
	Addresses []string
}

// Snapshot is an immutable view of the network published by the caller.
// Layers[i] lists every mix at hop index i; Gateways lists candidate
// gateways.
type Snapshot struct {
	Layers   [][]*NodeDescriptor
	Gateways []*NodeDescriptor
}

// View is a shared, read-only reference to the current Snapshot. Writers
// publish new snapshots via an atomic pointer swap so that readers never
// observe a half-updated topology and never block on a writer.
type View struct {
	current atomic.Pointer[Snapshot]
}

// NewView constructs an empty View. Callers must Publish a Snapshot before
// routes can be built.
func NewView() *View {
	return &View{}
}

// Publish atomically swaps in a new Snapshot.
func (v *View) Publish(s *Snapshot) {
	v.current.Store(s)
}

// Current returns the most recently published Snapshot, or nil if none has
// been published yet.
func (v *View) Current() *Snapshot {
	return v.current.Load()
}

// SelectRoute picks numHops distinct random mixes, one per layer 0..numHops-1,
// and a random gateway. The route holds only the mixes, in hop order; the
// gateway is returned separately. It fails with ErrNoRouteAvailable if any
// layer or the gateway list is empty.
func (v *View) SelectRoute(numHops int, rng *rand.Rand) ([]*NodeDescriptor, *NodeDescriptor, error) {
	snap := v.current.Load()
	if snap == nil {
		return nil, nil, ErrNoRouteAvailable
	}
	if len(snap.Layers) < numHops {
		return nil, nil, ErrNoRouteAvailable
	}
	if len(snap.Gateways) == 0 {
		return nil, nil, ErrNoRouteAvailable
	}

	route := make([]*NodeDescriptor, numHops)
	for i := 0; i < numHops; i++ {
		layer := snap.Layers[i]
		if len(layer) == 0 {
			return nil, nil, ErrNoRouteAvailable
		}
		route[i] = layer[rng.Intn(len(layer))]
	}
	gw := snap.Gateways[rng.Intn(len(snap.Gateways))]
	return route, gw, nil
}
