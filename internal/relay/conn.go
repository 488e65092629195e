package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/beamdrop/beamdrop/internal/bus"
	"github.com/beamdrop/beamdrop/pkg/protocol"
)

const (
	// idleTimeout closes connections that never produce a valid signaling
	// message. Cancelled permanently on the first one.
	idleTimeout = 60 * time.Second

	// writeTimeout bounds a single outbound WebSocket write.
	writeTimeout = 5 * time.Second

	// sendQueueSize is the per-connection outbound queue depth. On
	// saturation the newest signal is dropped and counted, never blocking
	// the sending supervisor.
	sendQueueSize = 32

	// maxMissedPings is the number of consecutive unanswered heartbeats
	// tolerated before the connection is terminated.
	maxMissedPings = 2
)

// Close reasons sent with the close frame.
const (
	closeReasonIdle      = "idle"
	closeReasonRate      = "rate"
	closeReasonGoingAway = "going-away"
)

// Conn supervises one attached endpoint: it owns the read loop, the token
// bucket, the idle timer and teardown. All outbound traffic funnels through a
// bounded queue drained by a dedicated writer goroutine, so cross-connection
// forwarding never blocks on a slow destination.
type Conn struct {
	code      string
	ip        string
	createdAt time.Time

	relay   *Relay
	ws      *websocket.Conn
	log     *slog.Logger
	limiter *rate.Limiter
	clock   clockwork.Clock

	sendq chan []byte
	done  chan struct{}

	idleTimer  clockwork.Timer
	idleCancel sync.Once

	closeOnce    sync.Once
	teardownOnce sync.Once

	missedPings atomic.Int32

	// pingFn defaults to ws.Ping; tests substitute it to simulate
	// unresponsive endpoints.
	pingFn func(context.Context) error
}

func newConn(r *Relay, ws *websocket.Conn, code, ip string) *Conn {
	c := &Conn{
		code:      code,
		ip:        ip,
		createdAt: r.clock.Now(),
		relay:     r,
		ws:        ws,
		log:       r.log.With("peer", code),
		limiter:   rate.NewLimiter(rate.Limit(r.cfg.MsgRate), r.cfg.MsgBurst),
		clock:     r.clock,
		sendq:     make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	c.pingFn = ws.Ping
	return c
}

// Code returns the peer code minted for this connection.
func (c *Conn) Code() string { return c.code }

// Send enqueues an already-serialized outbound message. It never blocks:
// when the queue is saturated or the connection is closed it reports false
// and the message is dropped.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendq <- msg:
		return true
	default:
		return false
	}
}

// sendJSON marshals v and enqueues it.
func (c *Conn) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound message", "error", err)
		return false
	}
	return c.Send(data)
}

// writeLoop drains the outbound queue. Writes are best-effort: a failed
// write is logged and the loop keeps going — if the socket is actually dead
// the read loop notices and tears the connection down.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg := <-c.sendq:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.log.Debug("outbound write failed", "event", "write_failed", "error", err)
			}
		}
	}
}

// armIdleTimer installs the one-shot idle cancel. A connection that never
// produces a valid signaling message is closed after idleTimeout.
func (c *Conn) armIdleTimer() {
	c.idleTimer = c.clock.AfterFunc(idleTimeout, func() {
		c.log.Info("closing idle connection", "event", "idle_close")
		c.close(websocket.StatusNormalClosure, closeReasonIdle)
	})
}

// cancelIdle stops the idle timer permanently. Called on the first valid
// signaling message; the timer is never rearmed.
func (c *Conn) cancelIdle() {
	c.idleCancel.Do(func() {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
	})
}

// readLoop processes inbound frames until the socket errors or the
// connection is closed. It runs on the upgrade handler's goroutine.
func (c *Conn) readLoop(ctx context.Context) {
	defer c.teardown()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame validates and dispatches one inbound frame. It reports false
// when the read loop should stop (rate breach).
func (c *Conn) handleFrame(data []byte) bool {
	m := c.relay.metrics

	raw, err := protocol.Decode(data)
	if err != nil {
		m.ErrorsTotal.Inc()
		c.log.Debug("dropping malformed frame", "event", "frame_malformed", "outcome", "dropped")
		return true
	}

	// One token per decoded frame. The bucket refills at the sustained
	// rate up to the burst capacity; an empty bucket is a policy breach,
	// not a validation error.
	if !c.limiter.AllowN(c.clock.Now(), 1) {
		c.log.Info("closing connection over message rate", "event", "rate_close")
		c.close(websocket.StatusPolicyViolation, closeReasonRate)
		return false
	}

	frame, err := raw.Validate()
	if err != nil {
		m.ErrorsTotal.Inc()
		c.log.Debug("dropping invalid frame", "event", "frame_invalid", "outcome", "dropped", "error", err)
		return true
	}

	if frame.List {
		// Peer enumeration is disallowed; the reply is always empty.
		c.sendJSON(protocol.NewPeersReply())
		return true
	}

	switch frame.Kind {
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
		c.cancelIdle()
	}

	verdict := c.relay.pairing.Apply(c.code, frame.To, frame.Kind)
	c.relay.updatePairsGauge()

	switch verdict {
	case VerdictForward:
		c.forward(frame)
	case VerdictBusy:
		c.log.Info("offer refused by pairing policy",
			"event", "offer_busy", "counterpart", frame.To, "kind", frame.Kind, "outcome", "busy")
		c.sendJSON(protocol.NewBusy(frame.To))
	case VerdictDrop:
		c.log.Debug("signal dropped by pairing policy",
			"event", "signal_gated", "counterpart", frame.To, "kind", frame.Kind, "outcome", "dropped")
	}
	return true
}

// forward delivers a gated signal to its destination: locally through the
// registry, or over the cross-instance bus on a local miss. An unknown
// destination is dropped silently — a miss is not an error.
func (c *Conn) forward(frame *protocol.Frame) {
	m := c.relay.metrics

	if dst := c.relay.registry.Lookup(frame.To); dst != nil {
		env := protocol.NewRelayed(c.code, frame.Payload)
		data, err := json.Marshal(env)
		if err != nil {
			m.ErrorsTotal.Inc()
			c.log.Error("marshal relayed envelope", "error", err)
			return
		}
		if !dst.Send(data) {
			m.ErrorsTotal.Inc()
			c.log.Warn("destination queue saturated",
				"event", "forward_dropped", "counterpart", frame.To, "kind", frame.Kind, "outcome", "dropped")
			return
		}
		m.SignalsTotal.WithLabelValues(frame.Kind).Inc()
		c.log.Debug("signal forwarded",
			"event", "signal_forwarded", "counterpart", frame.To, "kind", frame.Kind, "outcome", "delivered")
		return
	}

	if c.relay.bus == nil {
		c.log.Debug("destination not found",
			"event", "forward_miss", "counterpart", frame.To, "kind", frame.Kind, "outcome", "dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := c.relay.bus.Publish(ctx, frame.To, c.code, frame.Kind, frame.Payload)
	switch {
	case err == nil:
		m.SignalsTotal.WithLabelValues(frame.Kind).Inc()
		c.log.Debug("signal published to bus",
			"event", "signal_published", "counterpart", frame.To, "kind", frame.Kind, "outcome", "published")
	case errors.Is(err, bus.ErrUnknownPeer):
		c.log.Debug("destination not found on any instance",
			"event", "forward_miss", "counterpart", frame.To, "kind", frame.Kind, "outcome", "dropped")
	default:
		m.ErrorsTotal.Inc()
		c.log.Warn("bus publish failed",
			"event", "bus_publish_failed", "counterpart", frame.To, "kind", frame.Kind, "outcome", "dropped", "error", err)
	}
}

// heartbeat sends one liveness probe. Two consecutive unanswered probes
// terminate the connection without close-code negotiation.
func (c *Conn) heartbeat(ctx context.Context, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.pingFn(pctx); err != nil {
		if missed := c.missedPings.Add(1); missed >= maxMissedPings {
			c.log.Info("terminating unresponsive connection",
				"event", "heartbeat_close", "missed", missed)
			_ = c.ws.CloseNow()
		}
		return
	}
	c.missedPings.Store(0)
}

// close sends the close frame with the given status. The pending read
// returns afterwards, which runs teardown.
func (c *Conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(status, reason)
	})
}

// teardown releases everything owned by this connection. Runs exactly once,
// on whichever path ends the read loop.
func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		c.cancelIdle()
		close(c.done)
		_ = c.ws.CloseNow()

		r := c.relay
		r.registry.Remove(c.code)
		r.pairing.Disconnect(c.code)
		r.updatePairsGauge()
		r.metrics.Clients.Dec()
		r.releaseIP(c.ip)

		if r.bus != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if err := r.bus.Deregister(ctx, c.code); err != nil {
				r.metrics.ErrorsTotal.Inc()
				c.log.Warn("bus deregister failed", "event", "bus_deregister_failed", "error", err)
			}
		}

		c.log.Info("connection closed", "event", "disconnect",
			"uptime", c.clock.Since(c.createdAt).Round(time.Millisecond).String())
	})
}
