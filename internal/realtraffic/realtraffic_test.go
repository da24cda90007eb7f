// realtraffic_test.go - Stream emission behaviour.
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

package realtraffic

import (
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/shutdown"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

func testLogger(t *testing.T) *logging.Logger {
	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	return logging.MustGetLogger(t.Name())
}

type queueSource struct {
	mu    sync.Mutex
	queue []*chunking.PreparedPacket
}

func (q *queueSource) Next() *chunking.PreparedPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	pkt := q.queue[0]
	q.queue = q.queue[1:]
	return pkt
}

func (q *queueSource) push(pkt *chunking.PreparedPacket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, pkt)
}

type countingCover struct {
	mu    sync.Mutex
	built int
}

func (c *countingCover) PrepareCover(sphinxiface.Destination) (*chunking.PreparedPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.built++
	return &chunking.PreparedPacket{Mode: chunking.ModeCover}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []*chunking.PreparedPacket
}

func (s *recordingSink) Send(pkt *chunking.PreparedPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, pkt)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestStreamPrefersQueuedRealPacketOverCover(t *testing.T) {
	source := &queueSource{}
	cover := &countingCover{}
	sink := &recordingSink{}
	source.push(&chunking.PreparedPacket{Mode: chunking.ModeReal})

	s := NewStream(source, cover, sink, sphinxiface.Destination{}, rand.New(rand.NewSource(1)), 0, true, testLogger(t))
	root := shutdown.NewRoot()
	tok := root.Child()

	go s.Run(tok)

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, time.Millisecond)
	root.Cancel()
	require.True(t, tok.Wait(time.Second))

	total, real := s.Stats()
	require.GreaterOrEqual(t, total, uint64(1))
	require.GreaterOrEqual(t, real, uint64(1))
}

func TestStreamEmitsCoverWhenQueueEmpty(t *testing.T) {
	source := &queueSource{}
	cover := &countingCover{}
	sink := &recordingSink{}

	s := NewStream(source, cover, sink, sphinxiface.Destination{}, rand.New(rand.NewSource(2)), 0, true, testLogger(t))
	root := shutdown.NewRoot()
	tok := root.Child()

	go s.Run(tok)

	require.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, time.Millisecond)
	root.Cancel()
	require.True(t, tok.Wait(time.Second))

	require.GreaterOrEqual(t, cover.built, 3)
}

func TestStreamStopsOnShutdown(t *testing.T) {
	source := &queueSource{}
	cover := &countingCover{}
	sink := &recordingSink{}

	s := NewStream(source, cover, sink, sphinxiface.Destination{}, rand.New(rand.NewSource(3)), time.Hour, false, testLogger(t))
	root := shutdown.NewRoot()
	tok := root.Child()

	done := make(chan struct{})
	go func() {
		s.Run(tok)
		close(done)
	}()

	root.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on shutdown")
	}
}
