// realtraffic.go - Poisson-paced real-traffic stream.
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

// Package realtraffic implements the single Poisson-ticked stream that
// emits, on every tick, either a queued real fragment (the highest-priority
// one waiting) or a freshly built cover packet when nothing is queued, so
// that an observer watching the client's egress rate can never distinguish
// real activity from silence.
package realtraffic

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

// Source supplies the next queued real packet, if any, in lane priority
// order (Retransmission > ReplySurbRequest > AdditionalReplySurbs >
// General). A nil return means the queue is currently empty and a cover
// packet should be emitted instead.
type Source interface {
	Next() *chunking.PreparedPacket
}

// CoverBuilder builds a single cover packet addressed back to the client.
type CoverBuilder interface {
	PrepareCover(self sphinxiface.Destination) (*chunking.PreparedPacket, error)
}

// Sink is where a prepared packet goes once it has been released by the
// Poisson tick (typically the router's gateway write path).
type Sink interface {
	Send(pkt *chunking.PreparedPacket)
}

// Stream drives the real-traffic lane: a single owned poisson.Fount ticks
// at the configured mean rate; each tick pulls one packet from Source, or
// builds a cover packet if Source has nothing queued, and hands it to
// Sink.
type Stream struct {
	log    *logging.Logger
	source Source
	cover  CoverBuilder
	sink   Sink
	self   sphinxiface.Destination
	fount  *poisson.Fount

	emitted     atomic.Uint64
	emittedReal atomic.Uint64
}

// NewStream constructs a Stream. manual mirrors the disable_main_poisson
// debug knob: when true, the fount fires on every loop iteration instead of
// waiting for a sampled interval, so that tests and the cmd/ loopback
// harness can drive the stream deterministically.
func NewStream(source Source, cover CoverBuilder, sink Sink, self sphinxiface.Destination, rng *rand.Rand, meanInterval time.Duration, manual bool, log *logging.Logger) *Stream {
	return &Stream{
		log:    log,
		source: source,
		cover:  cover,
		sink:   sink,
		self:   self,
		fount:  poisson.NewFount(rng, meanInterval, manual),
	}
}

// Run drives the stream until tok is cancelled: shutdown is checked first,
// then the Poisson tick fires the next emission.
func (s *Stream) Run(tok *shutdown.Token) {
	defer func() {
		s.fount.Stop()
		tok.Confirm()
	}()

	s.log.Debugf("realtraffic: stream started")
	for {
		select {
		case <-tok.Done():
			s.log.Debugf("realtraffic: stream received shutdown")
			return
		default:
		}

		select {
		case <-tok.Done():
			s.log.Debugf("realtraffic: stream received shutdown")
			return
		case <-s.fount.C():
			s.emitOne()
			s.fount.Reset()
		}
	}
}

// emitOne pulls the next real packet if one is queued, otherwise manufactures
// a cover packet, and hands the result to the sink.
func (s *Stream) emitOne() {
	if pkt := s.source.Next(); pkt != nil {
		s.emitted.Add(1)
		s.emittedReal.Add(1)
		s.sink.Send(pkt)
		return
	}

	pkt, err := s.cover.PrepareCover(s.self)
	if err != nil {
		s.log.Warningf("realtraffic: failed to build cover packet: %v", err)
		return
	}
	s.emitted.Add(1)
	s.sink.Send(pkt)
}

// Stats reports how many packets this stream has emitted in total, and how
// many of those carried real (non-cover) traffic, for introspection.
func (s *Stream) Stats() (total, real uint64) {
	return s.emitted.Load(), s.emittedReal.Load()
}
