// client_test.go - End-to-end scenarios wiring the whole client together.
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

// Package nymclient_test exercises the wired-together client against an
// in-memory loopback gateway and a deterministic stand-in Sphinx builder,
// covering the send/ack/receive path end to end.
package nymclient_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nymclient "github.com/nymtech/nymclient-core"
	"github.com/nymtech/nymclient-core/internal/config"
	"github.com/nymtech/nymclient-core/internal/identity"
	"github.com/nymtech/nymclient-core/internal/poisson"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/topology"
	"github.com/nymtech/nymclient-core/internal/wire"
)

// loopbackSphinx is the same deterministic stand-in used by
// cmd/nymclient-loopback: a leading tag byte followed by the payload, never
// failing, so the test can inspect exactly what the chunker built.
type loopbackSphinx struct{}

func (loopbackSphinx) BuildPacket(route []*topology.NodeDescriptor, _ sphinxiface.Destination, payload []byte, perHopDelays []time.Duration, _ *sphinxiface.SURB, size sphinxiface.SizeClass) ([]byte, time.Duration, error) {
	if len(route) == 0 {
		return nil, 0, fmt.Errorf("loopbacksphinx: empty route")
	}
	if len(payload) > size.PayloadLen() {
		return nil, 0, fmt.Errorf("loopbacksphinx: payload %d exceeds size class capacity %d", len(payload), size.PayloadLen())
	}
	blob := make([]byte, 1+size.PayloadLen())
	copy(blob[1:], payload)
	return blob, poisson.Sum(perHopDelays), nil
}

func (loopbackSphinx) BuildSURB(route []*topology.NodeDescriptor, _ sphinxiface.Destination, perHopDelays []time.Duration) (sphinxiface.SURB, time.Duration, error) {
	if len(route) == 0 {
		return sphinxiface.SURB{}, 0, fmt.Errorf("loopbacksphinx: empty route")
	}
	header := make([]byte, 8)
	binary.BigEndian.PutUint64(header, uint64(len(route)))
	return sphinxiface.SURB{Header: header, PayloadKey: []byte("loopback-payload-key")}, poisson.Sum(perHopDelays), nil
}

func (loopbackSphinx) BuildPacketFromSURB(_ sphinxiface.SURB, payload []byte) ([]byte, error) {
	blob := make([]byte, 1+len(payload))
	copy(blob[1:], payload)
	return blob, nil
}

func extractPayload(blob []byte) []byte {
	if len(blob) == 0 {
		return nil
	}
	return append([]byte(nil), blob[1:]...)
}

// dropFirstNGateway loops every written frame back into its own read
// queue, simulating a client whose provider bounces everything addressed to
// it. dropFirstN lets a test deterministically swallow the first N ACK-sized
// frames it is handed, reproducing a deterministic dropped-ack scenario
// without depending on a real network.
type dropFirstNGateway struct {
	mu       sync.Mutex
	queued   [][]byte
	notify   chan struct{}
	ackSize  int
	toDrop   int
	dropped  int
	writeLog []bool // true if the frame was actually delivered
}

func newDropFirstNGateway(ackSize, toDrop int) *dropFirstNGateway {
	return &dropFirstNGateway{notify: make(chan struct{}, 1), ackSize: ackSize, toDrop: toDrop}
}

func (g *dropFirstNGateway) WriteFrame(_ context.Context, f wire.Frame) error {
	payload := extractPayload(f.Blob)

	g.mu.Lock()
	isAck := len(payload) == g.ackSize
	if isAck && g.dropped < g.toDrop {
		g.dropped++
		g.writeLog = append(g.writeLog, false)
		g.mu.Unlock()
		return nil
	}
	g.writeLog = append(g.writeLog, true)
	g.queued = append(g.queued, payload)
	g.mu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
	return nil
}

func (g *dropFirstNGateway) ReadBatch(ctx context.Context) ([][]byte, error) {
	for {
		g.mu.Lock()
		if len(g.queued) > 0 {
			batch := g.queued
			g.queued = nil
			g.mu.Unlock()
			return batch, nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.notify:
		}
	}
}

func staticTopology(numHops int) *topology.Snapshot {
	layers := make([][]*topology.NodeDescriptor, numHops)
	for l := 0; l < numHops; l++ {
		layers[l] = []*topology.NodeDescriptor{
			{Name: fmt.Sprintf("layer%d-a", l), Layer: l},
			{Name: fmt.Sprintf("layer%d-b", l), Layer: l},
		}
	}
	return &topology.Snapshot{
		Layers:   layers,
		Gateways: []*topology.NodeDescriptor{{Name: "gateway-a"}, {Name: "gateway-b"}},
	}
}

func newTestClient(t *testing.T, gw wire.Gateway, cfg *config.Config) (*nymclient.Client, sphinxiface.Destination) {
	t.Helper()

	link, err := identity.NewLinkKeypair()
	require.NoError(t, err)

	self := sphinxiface.Destination{ID: link.Public}
	client, err := nymclient.New(nymclient.Params{
		Config:   cfg,
		Link:     link,
		Self:     self,
		Sphinx:   loopbackSphinx{},
		Gateway:  gw,
		Topology: staticTopology(cfg.NumMixHops),
	})
	require.NoError(t, err)
	t.Cleanup(client.Shutdown)
	return client, self
}

// TestRegularMessageRoundTrip sends a single regular message with every ACK
// delivered: it must succeed in exactly one emission, end with an empty
// pending-ack set, and surface the reassembled message.
func TestRegularMessageRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Debug.DisableMainPoisson = true
	cfg.Debug.DisableLoopCover = true

	gw := newDropFirstNGateway(sphinxiface.SizeClassAck.PayloadLen(), 0)

	client, self := newTestClient(t, gw, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, self, []byte("hello, loopback")))

	msg, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello, loopback"), msg.Payload)

	require.Eventually(t, func() bool {
		return client.Stats().PendingAcks == 0
	}, 2*time.Second, 10*time.Millisecond, "pending-ack set did not drain")
}

// TestRegularMessageRetransmitsOnDroppedAck drops the first ACK for a
// fragment, so exactly one retransmission with the identical fragment
// identifier must occur before the pending-ack set empties and the message
// is delivered.
func TestRegularMessageRetransmitsOnDroppedAck(t *testing.T) {
	cfg := config.Default()
	cfg.Debug.DisableMainPoisson = true
	cfg.Debug.DisableLoopCover = true
	cfg.AckWaitAddition = 200 * time.Millisecond
	cfg.AckWaitMultiplier = 1

	gw := newDropFirstNGateway(sphinxiface.SizeClassAck.PayloadLen(), 1)

	client, self := newTestClient(t, gw, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, self, []byte("retry me")))

	msg, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("retry me"), msg.Payload)

	gw.mu.Lock()
	dropped := gw.dropped
	gw.mu.Unlock()
	require.Equal(t, 1, dropped, "exactly one ACK should have been dropped")

	require.Eventually(t, func() bool {
		return client.Stats().PendingAcks == 0
	}, 5*time.Second, 10*time.Millisecond, "pending-ack set did not drain after retransmission")

	// The retransmitted copy carries the same fragment/set identifiers as
	// the original, so the reassembler's dedup set must suppress a second
	// delivery.
	dupCtx, dupCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer dupCancel()
	_, err = client.Receive(dupCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "retransmission must not redeliver the message a second time")
}

// TestShutdownDrainsWithoutFurtherRetransmission shuts the client down while
// fragments still await acknowledgement: shutdown must return within the
// hard-kill timeout and must not emit any further retransmission afterward.
func TestShutdownDrainsWithoutFurtherRetransmission(t *testing.T) {
	cfg := config.Default()
	cfg.Debug.DisableMainPoisson = true
	cfg.Debug.DisableLoopCover = true
	cfg.AckWaitAddition = 5 * time.Second
	cfg.AckWaitMultiplier = 1

	// Drop every ACK so the fragment never gets acknowledged before we pull
	// the plug.
	gw := newDropFirstNGateway(sphinxiface.SizeClassAck.PayloadLen(), 1<<30)

	link, err := identity.NewLinkKeypair()
	require.NoError(t, err)
	self := sphinxiface.Destination{ID: link.Public}

	client, err := nymclient.New(nymclient.Params{
		Config:   cfg,
		Link:     link,
		Self:     self,
		Sphinx:   loopbackSphinx{},
		Gateway:  gw,
		Topology: staticTopology(cfg.NumMixHops),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, self, []byte("in flight when we shut down")))

	require.Eventually(t, func() bool {
		return client.Stats().PendingAcks >= 1
	}, 2*time.Second, 10*time.Millisecond, "fragment never registered as pending")

	done := make(chan struct{})
	go func() {
		client.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("shutdown did not complete within 6s")
	}

	writesAtShutdown := len(gw.writeLog)
	time.Sleep(300 * time.Millisecond)
	require.Len(t, gw.writeLog, writesAtShutdown, "no retransmission should be emitted after shutdown")
}
