// covertraffic.go - Independent loop-cover stream.
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

// Package covertraffic implements a second, independent Poisson stream
// that injects loop packets (addressed to the client itself, round-tripping
// through the full mix topology) at its own configurable rate, entirely
// decoupled from the real-traffic emission rate. Having two independent
// Founts instead of one shared schedule is deliberate: a correlation
// between real-traffic gaps and loop-traffic gaps would leak exactly the
// timing signal cover traffic exists to hide.
package covertraffic

import (
	"math/rand"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/poisson"
	"github.com/nymtech/nymclient-core/internal/shutdown"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// LoopBuilder builds a single loop packet addressed back to the client.
type LoopBuilder interface {
	PrepareLoop(self sphinxiface.Destination) (*chunking.PreparedPacket, error)
}

// Sink is where a prepared loop packet goes once released.
type Sink interface {
	Send(pkt *chunking.PreparedPacket)
}

// Stream drives the independent loop-cover emission.
type Stream struct {
	log      *logging.Logger
	builder  LoopBuilder
	sink     Sink
	self     sphinxiface.Destination
	fount    *poisson.Fount
	disabled bool

	emitted atomic.Uint64
}

// NewStream constructs a loop-cover Stream. disabled mirrors the
// disable_loop_cover debug knob: when set, the stream emits nothing at all
// rather than firing on every scheduler iteration, since the loop-cover
// lane (unlike the real-traffic lane, where disable_main_poisson means
// "emit immediately") has no real traffic to stand in for when turned off.
func NewStream(builder LoopBuilder, sink Sink, self sphinxiface.Destination, rng *rand.Rand, meanInterval time.Duration, disabled bool, log *logging.Logger) *Stream {
	s := &Stream{
		log:      log,
		builder:  builder,
		sink:     sink,
		self:     self,
		disabled: disabled,
	}
	if !disabled {
		s.fount = poisson.NewFount(rng, meanInterval, false)
	}
	return s
}

// Run drives the stream until tok is cancelled.
func (s *Stream) Run(tok *shutdown.Token) {
	defer tok.Confirm()

	if s.disabled {
		s.log.Debugf("covertraffic: stream disabled, emitting nothing")
		<-tok.Done()
		s.log.Debugf("covertraffic: stream received shutdown")
		return
	}
	defer s.fount.Stop()

	s.log.Debugf("covertraffic: stream started")
	for {
		select {
		case <-tok.Done():
			s.log.Debugf("covertraffic: stream received shutdown")
			return
		case <-s.fount.C():
			s.emitOne()
			s.fount.Reset()
		}
	}
}

func (s *Stream) emitOne() {
	pkt, err := s.builder.PrepareLoop(s.self)
	if err != nil {
		s.log.Warningf("covertraffic: failed to build loop packet: %v", err)
		return
	}
	s.emitted.Add(1)
	s.sink.Send(pkt)
}

// Emitted reports how many loop packets this stream has sent, for
// introspection/metrics.
func (s *Stream) Emitted() uint64 {
	return s.emitted.Load()
}
