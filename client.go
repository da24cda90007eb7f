// client.go - The client core façade.
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

// Package nymclient wires the client core into a single running client: the
// input queue, chunker, ack controller and listener, real- and cover-traffic
// streams, SURB manager, inbox and packet router, all torn up and down
// through one shutdown tree. Construction is ordered bring-up with a
// cleanup-on-partial-failure defer; teardown is haltOnce-guarded and
// deliberately ordered.
package nymclient

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/ack"
	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/config"
	"github.com/nymtech/nymclient-core/internal/covertraffic"
	"github.com/nymtech/nymclient-core/internal/identity"
	"github.com/nymtech/nymclient-core/internal/inbox"
	"github.com/nymtech/nymclient-core/internal/inputqueue"
	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/metrics"
	"github.com/nymtech/nymclient-core/internal/realtraffic"
	"github.com/nymtech/nymclient-core/internal/router"
	"github.com/nymtech/nymclient-core/internal/shutdown"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/surb"
	"github.com/nymtech/nymclient-core/internal/topology"
	"github.com/nymtech/nymclient-core/internal/wire"
)

// DefaultSweepInterval is how often the reassembler's pending-set table and
// the SURB manager's age-based eviction are swept.
const DefaultSweepInterval = time.Minute

// DefaultRecvBuffer bounds how many fully reassembled messages Receive can
// have buffered for immediate delivery before falling back to the inbox's
// own ring buffer.
const DefaultRecvBuffer = 64

// defaultAckChannelSize bounds how many inbound ACK payloads can be queued
// for the listener before Dispatch starts dropping them; a stuck listener
// must not block the inbound read loop.
const defaultAckChannelSize = 256

// Params bundles everything the Client cannot construct for itself: the
// Sphinx construction black box, the gateway transport, this client's own
// link identity, and the starting topology snapshot. Topology discovery and
// Sphinx packet construction live outside this repository.
type Params struct {
	Config   *config.Config
	Link     *identity.LinkKeypair
	Self     sphinxiface.Destination
	Sphinx   sphinxiface.Builder
	Gateway  wire.Gateway
	Topology *topology.Snapshot

	// Registerer, if non-nil, has the client's Prometheus collectors
	// registered against it. A nil Registerer still records metrics
	// internally; they are simply never exported anywhere.
	Registerer prometheus.Registerer

	Logger *logging.Logger
}

// Client is a fully running mix-network client core, wired together and
// already pumping cover traffic.
type Client struct {
	cfg *config.Config
	log *logging.Logger

	self   sphinxiface.Destination
	ackKey identity.AckKey

	topo        *topology.View
	chunker     *chunking.Chunker
	reassembler *chunking.Reassembler
	ackCtrl     *ack.Controller
	surbs       *surb.Manager
	router      *router.Router
	inbox       *inbox.Inbox
	input       *inputqueue.InputQueue
	metrics     *metrics.Metrics

	realStream  *realtraffic.Stream
	coverStream *covertraffic.Stream

	recvCh chan *chunking.ReassembledMessage

	root   *shutdown.Token
	ctx    context.Context
	cancel context.CancelFunc

	haltOnce sync.Once
}

// inboxAdapter folds any SURBs carried by a freshly reassembled message into
// the SURB manager before handing the message on to the inbox: replies
// received under a sender tag replenish that tag's bucket. It implements
// router.InboxSink.
type inboxAdapter struct {
	surbs *surb.Manager
	inbox *inbox.Inbox
}

func (a *inboxAdapter) Deliver(msg *chunking.ReassembledMessage) {
	if msg.HasSenderTag && len(msg.SURBs) > 0 {
		a.surbs.Add(msg.SenderTag, msg.SURBs)
	}
	a.inbox.Deliver(msg)
}

// New brings up a complete client: the chunker, ack machinery, SURB
// manager, inbox, router, and both Poisson-paced traffic streams, then
// starts every one of them on its own goroutine under a shared shutdown
// tree. Any failure partway through construction unwinds whatever was
// already started.
func New(p Params) (*Client, error) {
	if p.Link == nil {
		return nil, errors.New("nymclient: Params.Link is required")
	}
	if p.Sphinx == nil {
		return nil, errors.New("nymclient: Params.Sphinx is required")
	}
	if p.Gateway == nil {
		return nil, errors.New("nymclient: Params.Gateway is required")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := p.Logger
	if log == nil {
		logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
		log = logging.MustGetLogger("nymclient")
	}

	m := metrics.New()
	if p.Registerer != nil {
		m.MustRegister(p.Registerer)
	}

	topo := topology.NewView()
	if p.Topology != nil {
		topo.Publish(p.Topology)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		log:     log,
		self:    p.Self,
		ackKey:  identity.DeriveAckKey(p.Link),
		topo:    topo,
		metrics: m,
		root:    shutdown.NewRoot(),
		ctx:     ctx,
		cancel:  cancel,
	}

	isOk := false
	defer func() {
		if !isOk {
			c.Shutdown()
		}
	}()

	chunkerSeed, err := randomSeed()
	if err != nil {
		return nil, fmt.Errorf("nymclient: seed chunker rng: %w", err)
	}
	c.chunker = chunking.NewChunker(topo, p.Sphinx, c.ackKey, cfg.NumMixHops, cfg.AveragePacketDelayPerHop, cfg.AverageAckDelayPerHop, cfg.PacketSizeClass, chunkerSeed, log)
	c.surbs = surb.NewManager(cfg.ReplySURBFreshThreshold, cfg.ReplySURBMaxAge, log)
	c.router = router.NewRouter(p.Gateway, cfg.PacketSizeClass, c.onFatal, m, log)
	c.reassembler = chunking.NewReassembler(chunking.DefaultMaxPendingSets, chunking.DefaultPendingSetTTL, p.Sphinx, c.router, log)
	c.ackCtrl = ack.NewController(c.chunker, c.router, cfg.AckWaitAddition, cfg.AckWaitMultiplier, log, m)
	c.ackCtrl.Start()

	c.inbox = inbox.New(inbox.DefaultMaxBuffered, log)
	c.recvCh = make(chan *chunking.ReassembledMessage, DefaultRecvBuffer)
	c.inbox.SetConsumer(c.recvCh)

	c.input = inputqueue.New(c.chunker, c.ackCtrl, c.router, c.surbs, p.Self, inputqueue.DefaultCapacity, inputqueue.DefaultTopUpRequestCount, log)

	realSeed, err := randomSeed()
	if err != nil {
		return nil, fmt.Errorf("nymclient: seed real-traffic rng: %w", err)
	}
	coverSeed, err := randomSeed()
	if err != nil {
		return nil, fmt.Errorf("nymclient: seed cover-traffic rng: %w", err)
	}
	c.realStream = realtraffic.NewStream(c.router, c.chunker, c.router, p.Self, rand.New(rand.NewSource(realSeed)), cfg.MessageSendingRateInverse, cfg.Debug.DisableMainPoisson, log)
	c.coverStream = covertraffic.NewStream(c.chunker, c.router, p.Self, rand.New(rand.NewSource(coverSeed)), cfg.LoopCoverRateInverse, cfg.Debug.DisableLoopCover, log)

	ackCh := make(chan []byte, defaultAckChannelSize)
	listener := ack.NewListener(c.ackKey, c.ackCtrl, ackCh, log)
	adapter := &inboxAdapter{surbs: c.surbs, inbox: c.inbox}

	go c.input.Run(c.root.Child())
	go c.realStream.Run(c.root.Child())
	go c.coverStream.Run(c.root.Child())
	go c.inbox.Run(c.root.Child())
	go listener.Run(c.ctx, c.root.Child())
	go c.sweepLoop(c.root.Child())

	inboundTok := c.root.Child()
	go func() {
		c.router.RunInbound(c.ctx, p.Gateway, c.reassembler, adapter, ackCh)
		inboundTok.Confirm()
	}()

	isOk = true
	log.Noticef("nymclient: client started")
	return c, nil
}

func randomSeed() (int64, error) {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (c *Client) onFatal(err error) {
	c.log.Errorf("nymclient: fatal transport error, shutting down: %v", err)
	go c.Shutdown()
}

func (c *Client) sweepLoop(tok *shutdown.Token) {
	defer tok.Confirm()

	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tok.Done():
			return
		case <-ticker.C:
			c.reassembler.Sweep()
			c.surbs.Sweep()
		}
	}
}

// Send delivers data to recipient via a freshly selected topology route,
// tracked end-to-end for acknowledgement and retransmission.
func (c *Client) Send(ctx context.Context, recipient sphinxiface.Destination, data []byte) error {
	return c.input.SendRegular(ctx, recipient, data, lane.GeneralLane)
}

// SendAnonymous delivers data to recipient the same way as Send, but
// attaches numSURBsToAttach freshly issued reply SURBs under a sender tag so
// recipient can address a Reply back without learning this client's network
// address. Pass a zero AnonymousSenderTag to mint a fresh one; pass a
// previously returned tag to keep using the same pseudonym with recipient
// across an ongoing conversation.
func (c *Client) SendAnonymous(ctx context.Context, recipient sphinxiface.Destination, data []byte, numSURBsToAttach int, tag chunking.AnonymousSenderTag) (chunking.AnonymousSenderTag, error) {
	return c.input.SendAnonymous(ctx, recipient, data, numSURBsToAttach, tag, lane.GeneralLane)
}

// Reply delivers data entirely through reply SURBs previously received
// under tag, with no topology route selection and no acknowledgement
// tracking. It fails with chunking.ErrSURBExhausted if tag's bucket cannot
// cover every fragment this message requires.
func (c *Client) Reply(ctx context.Context, tag chunking.AnonymousSenderTag, data []byte) error {
	return c.input.SendReply(ctx, tag, data, lane.GeneralLane)
}

// Receive returns the next fully reassembled inbound message, blocking
// until one is available or ctx is cancelled.
func (c *Client) Receive(ctx context.Context) (*chunking.ReassembledMessage, error) {
	if msg, ok := c.inbox.Pull(); ok {
		return msg, nil
	}
	select {
	case msg := <-c.recvCh:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateTopology publishes a fresh topology snapshot for all future route
// and SURB-route selection. Topology discovery itself is the caller's
// responsibility; the core only ever serves whatever was last published.
func (c *Client) UpdateTopology(s *topology.Snapshot) {
	c.topo.Publish(s)
}

// ClientStats is a read-only snapshot of the client's internal state: the
// handful of counters useful for an embedding application's own health
// checks and tests.
type ClientStats struct {
	PendingAcks            int
	QueueDepth             map[string]int
	InboxLen               int
	InboxDropped           uint64
	ReassemblerPendingSets int
	SURBTagCount           int
	RealTrafficEmitted     uint64
	RealTrafficReal        uint64
	CoverTrafficEmitted    uint64
}

// Stats reports a point-in-time snapshot of the client's internal counters.
func (c *Client) Stats() ClientStats {
	emitted, real := c.realStream.Stats()
	return ClientStats{
		PendingAcks: c.ackCtrl.PendingCount(),
		QueueDepth: map[string]int{
			"general":                c.router.QueueDepth(lane.General),
			"reply_surb_request":     c.router.QueueDepth(lane.ReplySurbRequest),
			"additional_reply_surbs": c.router.QueueDepth(lane.AdditionalReplySurbs),
			"retransmission":         c.router.QueueDepth(lane.Retransmission),
		},
		InboxLen:               c.inbox.Len(),
		InboxDropped:           c.inbox.Dropped(),
		ReassemblerPendingSets: c.reassembler.PendingSets(),
		SURBTagCount:           c.surbs.TagCount(),
		RealTrafficEmitted:     emitted,
		RealTrafficReal:        real,
		CoverTrafficEmitted:    c.coverStream.Emitted(),
	}
}

// Shutdown tears the client down: every worker is cancelled, given a
// bounded grace period to drain and confirm, and the ack controller's timer
// queue is halted last. Shutdown is idempotent and safe to call more than
// once.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() {
		c.log.Noticef("nymclient: starting graceful shutdown")
		c.cancel()
		if !shutdown.WaitTree(c.root, shutdown.DefaultHardKillTimeout) {
			c.log.Warningf("nymclient: shutdown hard-kill timeout elapsed before every worker confirmed")
		}
		if c.ackCtrl != nil {
			c.ackCtrl.Stop()
		}
		c.log.Noticef("nymclient: shutdown complete")
	})
}
