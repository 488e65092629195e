// Package relay implements the signaling core: the WebSocket gateway, the
// per-connection supervisors, the peer registry and the pairing state
// machine that gates every forwarded signal.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/beamdrop/beamdrop/internal/config"
	"github.com/beamdrop/beamdrop/internal/metrics"
	"github.com/beamdrop/beamdrop/pkg/protocol"
)

const (
	// heartbeatInterval is the period of the liveness sweep.
	heartbeatInterval = 30 * time.Second

	// pingTimeout bounds one heartbeat probe.
	pingTimeout = 10 * time.Second

	// handshakeGuard is the read deadline armed on the raw socket before
	// the upgrade, so half-open sockets cannot camp on the listener.
	handshakeGuard = 10 * time.Second
)

// Bus is the optional cross-instance fan-out. Publish reports
// bus.ErrUnknownPeer when the destination is not in the shared directory.
type Bus interface {
	Register(ctx context.Context, code string) error
	Deregister(ctx context.Context, code string) error
	Publish(ctx context.Context, to, from, kind string, payload json.RawMessage) error
}

// Options configures a Relay. Config, Logger and Metrics are required; Clock
// defaults to the wall clock and Bus to none.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Bus     Bus
}

// Relay owns the signaling state of one instance: registry, pairing, per-IP
// accounting and the heartbeat scheduler. It implements http.Handler for the
// signaling path.
type Relay struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
	bus     Bus

	registry *Registry
	pairing  *Pairing

	ipMu    sync.Mutex
	ipConns map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Relay. Call Start to run the heartbeat scheduler and
// Shutdown to drain it.
func New(opts Options) *Relay {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      opts.Config,
		log:      log.With("component", "relay"),
		metrics:  opts.Metrics,
		clock:    clock,
		bus:      opts.Bus,
		registry: NewRegistry(),
		pairing:  NewPairing(),
		ipConns:  make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetBus attaches the cross-instance bus. Must be called before Start; the
// bus needs the relay's delivery callback, so the two are wired in this
// order.
func (r *Relay) SetBus(b Bus) {
	r.bus = b
}

// Registry exposes the peer registry, used by the bus delivery path and
// tests.
func (r *Relay) Registry() *Registry { return r.registry }

// Pairing exposes the pairing state machine for tests.
func (r *Relay) Pairing() *Pairing { return r.pairing }

// Start launches the heartbeat scheduler.
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.heartbeatLoop()
}

// heartbeatLoop sweeps all live connections every heartbeatInterval.
func (r *Relay) heartbeatLoop() {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			for _, c := range r.registry.All() {
				r.wg.Add(1)
				go func(c *Conn) {
					defer r.wg.Done()
					c.heartbeat(r.ctx, pingTimeout)
				}(c)
			}
		}
	}
}

// Shutdown closes every supervisor with a going-away code, stops the
// heartbeat scheduler and waits for in-flight sweeps up to ctx's deadline.
func (r *Relay) Shutdown(ctx context.Context) {
	for _, c := range r.registry.All() {
		c.close(websocket.StatusGoingAway, closeReasonGoingAway)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("shutdown drain window expired")
	}
}

// ServeHTTP accepts a signaling upgrade: origin check, per-IP quota,
// half-open guard, upgrade, then the supervisor runs on this goroutine until
// the connection dies.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.originAllowed(req) {
		r.log.Warn("rejecting upgrade: origin not allowed",
			"event", "upgrade_rejected", "origin", req.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ip := remoteIP(req)
	if !r.acquireIP(ip) {
		r.log.Warn("rejecting upgrade: per-IP connection quota exceeded",
			"event", "upgrade_rejected", "ip", ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	// Guard against half-open sockets camping on the handshake. The
	// upgrade machinery manages its own deadlines afterwards.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(handshakeGuard))

	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		// Origin was verified above against the configured allowlist.
		InsecureSkipVerify: true,
	})
	if err != nil {
		r.releaseIP(ip)
		r.log.Warn("websocket accept failed", "event", "upgrade_failed", "error", err)
		return
	}
	ws.SetReadLimit(protocol.MaxFrameBytes)

	code := uuid.NewString()
	c := newConn(r, ws, code, ip)

	go c.writeLoop(r.ctx)

	// The welcome is enqueued before the registry insert, so it is on the
	// queue ahead of any envelope another supervisor could forward here.
	c.sendJSON(protocol.NewWelcome(code))

	// Incremented ahead of the insert so the decrement in teardown is
	// balanced on every exit path, including an insert conflict.
	r.metrics.Clients.Inc()

	if err := r.registry.Insert(code, c); err != nil {
		// Unreachable with UUID codes; bail out defensively.
		c.log.Error("registry insert failed", "error", err)
		c.close(websocket.StatusInternalError, "registry conflict")
		c.teardown()
		return
	}

	if r.bus != nil {
		bctx, cancel := context.WithTimeout(req.Context(), writeTimeout)
		err := r.bus.Register(bctx, code)
		cancel()
		if err != nil {
			r.metrics.ErrorsTotal.Inc()
			c.log.Warn("bus register failed", "event", "bus_register_failed", "error", err)
		}
	}

	c.armIdleTimer()
	c.log.Info("peer connected", "event", "connect", "ip", ip)

	c.readLoop(r.ctx)
}

// DeliverLocal hands a signal received from the bus to a locally hosted
// peer. Pairing was enforced on the originating instance, so delivery is
// never blocked here; the transition is mirrored into the local state
// machine so that replies and candidate gating behave as if the remote
// sender were local. Reports whether the signal was enqueued.
func (r *Relay) DeliverLocal(to, from, kind string, payload json.RawMessage) bool {
	c := r.registry.Lookup(to)
	if c == nil {
		return false
	}

	r.pairing.Apply(from, to, kind)
	r.updatePairsGauge()

	data, err := json.Marshal(protocol.NewRelayed(from, payload))
	if err != nil {
		r.metrics.ErrorsTotal.Inc()
		return false
	}
	if !c.Send(data) {
		r.metrics.ErrorsTotal.Inc()
		r.log.Warn("bus delivery dropped: destination queue saturated",
			"event", "bus_delivery_dropped", "peer", to)
		return false
	}
	return true
}

// updatePairsGauge recomputes the mutual-pair gauge.
func (r *Relay) updatePairsGauge() {
	r.metrics.Pairs.Set(float64(r.pairing.Pairs()))
}

// originAllowed applies the upgrade origin policy: exact match against the
// allowlist when one is configured, otherwise the Origin host must equal the
// request Host. Requests without an Origin header (non-browser clients) pass
// only when no allowlist is configured.
func (r *Relay) originAllowed(req *http.Request) bool {
	origin := strings.TrimSuffix(req.Header.Get("Origin"), "/")
	if len(r.cfg.AllowedOrigins) > 0 {
		return slices.Contains(r.cfg.AllowedOrigins, origin)
	}
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// acquireIP counts one pending connection against ip's quota.
func (r *Relay) acquireIP(ip string) bool {
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	if r.ipConns[ip] >= r.cfg.MaxConnsPerIP {
		return false
	}
	r.ipConns[ip]++
	return true
}

// releaseIP undoes acquireIP.
func (r *Relay) releaseIP(ip string) {
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	if n := r.ipConns[ip]; n <= 1 {
		delete(r.ipConns, ip)
	} else {
		r.ipConns[ip] = n - 1
	}
}

// remoteIP extracts the host part of the request's remote address.
func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
