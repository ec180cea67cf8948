// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import (
	"bufio"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
)

// FrameHandler receives every user frame a connection read from its wire.
// The from argument is the connection's id.
type FrameHandler func(pkt *wire.PacketMessage, from int)

// Hooks connect a Registry's connections to the routing fabric. All hooks
// must be safe for concurrent use and must not call back into the
// connection that invoked them while holding their own locks.
type Hooks struct {
	// Dirty marks the route table dirty.
	Dirty func()

	// Reported snapshots the routes this node has advertised to its
	// peers, answering a peer's route request.
	Reported func() []wire.RouteEntry

	// HandleFrame hands an inbound user frame to the forwarder.
	HandleFrame FrameHandler

	// StateChange, if set, observes lifecycle transitions.
	StateChange func(id int, from, to State)
}

// Connection drives one peer link through its lifecycle: dialing,
// handshake, the active frame exchange and teardown with retry backoff.
// A connection keeps its id across reconnects.
type Connection struct {
	id           int
	address      string // redial target; empty for inbound connections
	expectedPeer string
	transport    Transport

	limits *Limits
	hooks  *Hooks

	mutex     sync.Mutex
	writeCond *sync.Cond

	// generation invalidates the read and write pumps of a torn down
	// stream; each activation starts a new generation.
	generation int

	state          State
	stream         Stream
	peerAddr       string
	peerName       string
	connectedSince time.Time
	lastRetry      time.Time

	ping            uint32 // round trip in µs
	sentPingID      uint8
	sentPingTime    time.Time
	lastPing        time.Time
	pingOutstanding bool

	remoteRoutes  map[mesh.Address]mesh.RemoteRoute
	routeOverflow bool

	protoQ           *sendQueue
	dataQ            *sendQueue
	sendingFromDataQ bool

	ublAvailable int
	dblOver      int
	readPaused   bool

	stats Stats
}

func newConnection(id int, transport Transport, address, expectedPeer string, limits *Limits, hooks *Hooks) *Connection {
	c := &Connection{
		id:           id,
		address:      address,
		expectedPeer: expectedPeer,
		transport:    transport,
		limits:       limits,
		hooks:        hooks,
		state:        Inactive,
		ping:         uint32(limits.Timeout.Microseconds()),
		remoteRoutes: make(map[mesh.Address]mesh.RemoteRoute),
		protoQ:       newSendQueue(limits.MaxWaitingProto),
		dataQ:        newSendQueue(limits.MaxWaitingData),
	}
	c.writeCond = sync.NewCond(&c.mutex)
	return c
}

// ID returns the connection's stable id.
func (c *Connection) ID() int {
	return c.id
}

// Address returns the configured redial target, empty for inbound
// connections.
func (c *Connection) Address() string {
	return c.address
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state
}

// IsActive checks for the Active state.
func (c *Connection) IsActive() bool {
	return c.State() == Active
}

// PathPing returns the last measured round trip to this peer in µs.
func (c *Connection) PathPing() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.ping
}

// PeerName returns the authenticated identity of the connected peer.
func (c *Connection) PeerName() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.peerName
}

// PeerAddr describes the remote endpoint of the current stream.
func (c *Connection) PeerAddr() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.peerAddr
}

// ConnectedSince returns the time of the last activation.
func (c *Connection) ConnectedSince() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.connectedSince
}

// RouteOverflow reports whether the peer was reset for advertising more
// than the permitted amount of routes.
func (c *Connection) RouteOverflow() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.routeOverflow
}

// StatsSnapshot copies the connection's traffic counters.
func (c *Connection) StatsSnapshot() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.stats
}

// QueueSizes returns the byte sizes of the proto and data queue.
func (c *Connection) QueueSizes() (proto, data int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.protoQ.size, c.dataQ.size
}

func (c *Connection) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	log.WithFields(log.Fields{
		"connection": c.id,
		"from":       from,
		"to":         to,
	}).Debug("Connection changed state")

	if c.hooks.StateChange != nil {
		c.hooks.StateChange(c.id, from, to)
	}
}

// startConnect kicks off an outbound dial in its own goroutine.
func (c *Connection) startConnect() {
	go c.connect()
}

func (c *Connection) connect() {
	c.mutex.Lock()
	if c.state != Inactive && c.state != RetryTimeout {
		c.mutex.Unlock()
		return
	}
	c.setStateLocked(Connecting)
	transport, address := c.transport, c.address
	c.mutex.Unlock()

	stream, err := transport.Connect(address, func() {
		c.mutex.Lock()
		if c.state == Connecting {
			c.setStateLocked(SSLConnecting)
		}
		c.mutex.Unlock()
	})
	if err != nil {
		log.WithFields(log.Fields{
			"connection": c.id,
			"address":    address,
			"error":      err,
		}).Debug("Connection dial failed")

		c.fail()
		return
	}

	if c.expectedPeer != "" && stream.PeerIdentity() != c.expectedPeer {
		log.WithFields(log.Fields{
			"connection": c.id,
			"address":    address,
			"expected":   c.expectedPeer,
			"presented":  stream.PeerIdentity(),
		}).Warn("Connection rejected for authentication mismatch")

		_ = stream.Close()
		c.fail()
		return
	}

	c.activate(stream)
}

// fail moves a broken dial into the retry backoff.
func (c *Connection) fail() {
	c.mutex.Lock()
	c.setStateLocked(RetryTimeout)
	c.lastRetry = time.Now()
	c.mutex.Unlock()
}

// accept activates an inbound stream whose handshake already completed.
func (c *Connection) accept(stream Stream) {
	c.mutex.Lock()
	c.setStateLocked(Accepting)
	c.mutex.Unlock()

	c.activate(stream)
}

func (c *Connection) activate(stream Stream) {
	now := time.Now()

	c.mutex.Lock()
	c.generation++
	gen := c.generation

	c.stream = stream
	c.peerAddr = stream.RemoteDescription()
	c.peerName = stream.PeerIdentity()
	c.connectedSince = now

	c.remoteRoutes = make(map[mesh.Address]mesh.RemoteRoute)
	c.routeOverflow = false
	c.pingOutstanding = false
	c.lastPing = now
	c.protoQ.clear()
	c.dataQ.clear()
	c.sendingFromDataQ = false
	c.ublAvailable = 0
	c.dblOver = 0
	c.readPaused = false

	c.setStateLocked(Active)
	c.mutex.Unlock()

	log.WithFields(log.Fields{
		"connection": c.id,
		"peer":       c.PeerAddr(),
		"name":       c.PeerName(),
	}).Info("Connection is active")

	go c.readLoop(stream, gen)
	go c.writeLoop(stream, gen)

	c.WriteRouteRequest()
	c.sendPing()
	c.hooks.Dirty()
}

// teardown closes the given generation's stream and either parks the
// connection for a redial or leaves it inactive. Stale pumps of older
// generations return without effect.
func (c *Connection) teardown(gen int, cause error) {
	c.mutex.Lock()
	if c.generation != gen {
		c.mutex.Unlock()
		return
	}
	c.generation++

	stream := c.stream
	c.stream = nil

	c.setStateLocked(Closing)
	c.protoQ.clear()
	c.dataQ.clear()
	c.sendingFromDataQ = false
	c.remoteRoutes = make(map[mesh.Address]mesh.RemoteRoute)
	c.pingOutstanding = false
	c.readPaused = false

	if c.address != "" {
		c.setStateLocked(RetryTimeout)
		c.lastRetry = time.Now()
	} else {
		c.setStateLocked(Inactive)
	}

	c.writeCond.Broadcast()
	c.mutex.Unlock()

	if stream != nil {
		_ = stream.Close()
	}

	log.WithFields(log.Fields{
		"connection": c.id,
		"cause":      cause,
	}).Info("Connection closed")

	c.hooks.Dirty()
}

// reset tears down the current stream, e.g. after a protocol violation.
func (c *Connection) reset(cause error) {
	c.mutex.Lock()
	gen := c.generation
	c.mutex.Unlock()

	c.teardown(gen, cause)
}

// Close shuts the connection down for good, without a redial.
func (c *Connection) Close() error {
	c.mutex.Lock()
	c.generation++

	stream := c.stream
	c.stream = nil

	if c.state != Inactive {
		c.setStateLocked(Closing)
		c.protoQ.clear()
		c.dataQ.clear()
		c.remoteRoutes = make(map[mesh.Address]mesh.RemoteRoute)
		c.setStateLocked(Inactive)
	}
	c.writeCond.Broadcast()
	c.mutex.Unlock()

	if stream != nil {
		return stream.Close()
	}
	return nil
}

/*
 * read side
 */

func (c *Connection) readLoop(stream Stream, gen int) {
	reader := bufio.NewReader(stream)

	for {
		msg, err := wire.ReadMessage(reader)
		if err != nil {
			c.teardown(gen, err)
			return
		}

		if !c.noteDownload(gen, frameSize(msg)) {
			return
		}

		if err := c.handleMessage(msg); err != nil {
			log.WithFields(log.Fields{
				"connection": c.id,
				"message":    msg,
				"error":      err,
			}).Warn("Connection resets after protocol violation")

			c.teardown(gen, err)
			return
		}
	}
}

// frameSize estimates a decoded message's on-wire length for accounting.
func frameSize(msg wire.Message) int {
	frame, err := wire.EncodeMessage(msg)
	if err != nil {
		return wire.HeaderLen
	}
	return len(frame)
}

// noteDownload accounts received bytes against the download allowance and
// pauses the read pump while the connection is over budget. It reports
// whether the pump should continue.
func (c *Connection) noteDownload(gen int, size int) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.packet(true, size)

	if !c.limits.downloadEnabled() {
		return true
	}

	c.dblOver += size
	if c.dblOver > c.limits.DownloadBurst {
		c.readPaused = true
	}

	for c.readPaused && c.generation == gen && c.state == Active {
		c.writeCond.Wait()
	}

	return c.generation == gen && c.state == Active
}

func (c *Connection) handleMessage(msg wire.Message) error {
	switch msg := msg.(type) {
	case *wire.PacketMessage:
		c.hooks.HandleFrame(msg, c.id)

	case *wire.RouteSetMessage:
		return c.handleRouteSet(msg.Entries)

	case *wire.RouteDiffMessage:
		return c.handleRouteDiff(msg.Entries)

	case *wire.PingMessage:
		c.writePong(msg.Nonce)

	case *wire.PongMessage:
		c.handlePong(msg.Nonce)

	case *wire.RouteRequestMessage:
		c.WriteRouteSet(c.hooks.Reported())
	}

	return nil
}

func (c *Connection) handlePong(nonce uint8) {
	now := time.Now()

	c.mutex.Lock()
	if !c.pingOutstanding || nonce != c.sentPingID {
		c.mutex.Unlock()
		return
	}

	rtt := now.Sub(c.sentPingTime).Microseconds()
	if rtt < 1 {
		rtt = 1
	}

	old := c.ping
	c.ping = uint32(rtt)
	c.pingOutstanding = false
	c.lastPing = now

	diff := c.ping - old
	if old > c.ping {
		diff = old - c.ping
	}
	dirty := diff > c.limits.PingDiff
	c.mutex.Unlock()

	if dirty {
		c.hooks.Dirty()
	}
}

// sendPing issues a fresh keepalive probe.
func (c *Connection) sendPing() {
	c.mutex.Lock()
	if c.state != Active {
		c.mutex.Unlock()
		return
	}

	c.sentPingID = uint8(rand.Intn(256))
	c.sentPingTime = time.Now()
	c.lastPing = c.sentPingTime
	c.pingOutstanding = true
	nonce := c.sentPingID
	c.mutex.Unlock()

	c.writeProto(&wire.PingMessage{Nonce: nonce})
}

func (c *Connection) writePong(nonce uint8) {
	c.writeProto(&wire.PongMessage{Nonce: nonce})
}

/*
 * write side
 */

func (c *Connection) writeLoop(stream Stream, gen int) {
	for {
		c.mutex.Lock()
		var frame []byte
		var fromData bool

		for {
			if c.generation != gen || c.state != Active {
				c.mutex.Unlock()
				return
			}

			var ok bool
			if frame, fromData, ok = c.peekFrameLocked(); !ok {
				c.writeCond.Wait()
				continue
			}

			// An exhausted upload balance yields until the next refill.
			if c.limits.uploadEnabled() && c.ublAvailable < len(frame) {
				c.writeCond.Wait()
				continue
			}
			break
		}

		if c.limits.uploadEnabled() {
			c.ublAvailable -= len(frame)
		}
		c.popFrameLocked(fromData)
		c.sendingFromDataQ = fromData
		c.stats.packet(false, len(frame))
		c.mutex.Unlock()

		_, err := stream.Write(frame)

		c.mutex.Lock()
		c.sendingFromDataQ = false
		c.mutex.Unlock()

		if err != nil {
			c.teardown(gen, err)
			return
		}
	}
}

// peekFrameLocked selects the next frame to write; the proto queue drains
// strictly before the data queue.
func (c *Connection) peekFrameLocked() (frame []byte, fromData, ok bool) {
	if !c.protoQ.empty() {
		return c.protoQ.frames[0], false, true
	}
	if !c.dataQ.empty() {
		return c.dataQ.frames[0], true, true
	}
	return nil, false, false
}

func (c *Connection) popFrameLocked(fromData bool) {
	if fromData {
		_, _ = c.dataQ.pop()
	} else {
		_, _ = c.protoQ.pop()
	}
}

// WritePacket enqueues a user frame on the data queue, subject to random
// early drop and the queue bound. It reports whether the frame was
// admitted; drops are silent by design of the best-effort data plane.
func (c *Connection) WritePacket(pkt *wire.PacketMessage) bool {
	if len(pkt.Buf) > c.limits.MTU {
		return false
	}

	frame, err := wire.EncodeMessage(pkt)
	if err != nil {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != Active {
		return false
	}

	if c.limits.REDEnabled && c.dataQ.size >= c.limits.REDThreshold {
		span := c.limits.MaxWaitingData - c.limits.REDThreshold
		p := float64(c.dataQ.size-c.limits.REDThreshold) / float64(span)
		if rand.Float64() < p {
			c.stats.DroppedData++
			return false
		}
	}

	if !c.dataQ.push(frame) {
		c.stats.DroppedData++
		return false
	}

	c.writeCond.Signal()
	return true
}

// writeProto enqueues a control frame on the proto queue.
func (c *Connection) writeProto(msg wire.Message) bool {
	frame, err := wire.EncodeMessage(msg)
	if err != nil {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != Active {
		return false
	}

	if !c.protoQ.push(frame) {
		c.stats.DroppedProto++
		return false
	}

	c.writeCond.Signal()
	return true
}

// WriteRouteSet sends a full replacement of this node's advertised routes.
func (c *Connection) WriteRouteSet(entries []wire.RouteEntry) bool {
	return c.writeProto(&wire.RouteSetMessage{Entries: entries})
}

// WriteRouteDiff sends an incremental route report.
func (c *Connection) WriteRouteDiff(entries []wire.RouteEntry) bool {
	return c.writeProto(&wire.RouteDiffMessage{Entries: entries})
}

// WriteRouteRequest asks the peer for its full route set.
func (c *Connection) WriteRouteRequest() bool {
	return c.writeProto(&wire.RouteRequestMessage{})
}

/*
 * periodic maintenance
 */

// periodicUpdate drives retry backoff, keepalive and the stats window.
// Called from the Registry's tick.
func (c *Connection) periodicUpdate(now time.Time) {
	var redial, ping bool
	var expired bool
	var gen int

	c.mutex.Lock()
	switch c.state {
	case RetryTimeout:
		redial = c.address != "" && now.Sub(c.lastRetry) >= c.limits.Retry

	case Active:
		c.stats.update(now, c.limits.Tick)

		gen = c.generation
		if c.pingOutstanding && now.Sub(c.lastPing) > c.limits.Timeout {
			expired = true
		} else if !c.pingOutstanding && now.Sub(c.lastPing) > c.limits.Keepalive {
			ping = true
		}
	}
	c.mutex.Unlock()

	switch {
	case redial:
		c.startConnect()
	case expired:
		log.WithField("connection", c.id).Warn("Connection timed out waiting for pong")
		c.teardown(gen, errKeepaliveTimeout)
	case ping:
		c.sendPing()
	}
}

// refillLimiters tops up the upload balance and drains the download
// over-budget counter. Called from the Registry's tick.
func (c *Connection) refillLimiters(uploadInc, downloadInc int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != Active {
		return
	}

	wake := false

	if c.limits.uploadEnabled() {
		c.ublAvailable += uploadInc
		if c.ublAvailable > c.limits.UploadBurst {
			c.ublAvailable = c.limits.UploadBurst
		}
		wake = true
	}

	if c.limits.downloadEnabled() {
		c.dblOver -= downloadInc
		if c.dblOver <= 0 {
			c.dblOver = 0
			if c.readPaused {
				c.readPaused = false
				wake = true
			}
		}
	}

	if wake {
		c.writeCond.Broadcast()
	}
}
