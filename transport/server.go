// Package transport receives pose datagrams from streaming devices.
//
// Every datagram carries one JSON object. A hello packet
//
//	{"HELLO": "Alice"}  or  {"HELLO": {"userName": "Alice"}}
//
// is answered with the source's handshake document and binds the sending
// address to that subject name. Any other object is a pose document; its
// "userName" field, or failing that the sender's hello name, selects the
// subject.
//
// By default a pose naming its subject is accepted from any sender, since
// some devices stream without ever saying hello. With Config.RequireHello
// set, poses are accepted only from senders whose hello is still remembered
// (see PeerTTL); everything else is dropped and counted as an unknown peer.
//
// Datagrams are decoded on a worker pool sharded by sender address, so poses
// from one device reach the Handler in the order they arrived.
package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/handshake"
	"github.com/c360/poselink/health"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/pkg/cache"
	"github.com/c360/poselink/pkg/worker"
	"github.com/c360/poselink/rig"
)

// MaxDatagramSize is the largest UDP payload read from the socket.
const MaxDatagramSize = 65507

// Handler receives decoded traffic. Methods are called from worker
// goroutines, concurrently for different senders.
type Handler interface {
	OnPoseReceived(ctx context.Context, name string, doc rig.Document)
	OnSubjectConnected(ctx context.Context, name string)
}

// Config holds socket and dispatch settings.
type Config struct {
	Bind      string `json:"bind" yaml:"bind"`
	Port      int    `json:"port" yaml:"port"`
	Workers   int    `json:"workers" yaml:"workers"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	// PeerTTL is how long a sender's hello name is remembered without traffic.
	PeerTTL time.Duration `json:"peer_ttl" yaml:"peer_ttl"`
	// RequireHello drops poses from senders that have not completed a hello.
	RequireHello bool `json:"require_hello" yaml:"require_hello"`
}

// DefaultConfig returns the settings used for unset fields.
func DefaultConfig() Config {
	return Config{
		Bind:      "0.0.0.0",
		Port:      8080,
		Workers:   4,
		QueueSize: 256,
		PeerTTL:   5 * time.Minute,
	}
}

// Validate checks the configuration. Port 0 asks the OS for a free port.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"transport", "Validate", "port validation")
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.PeerTTL < 0 {
		return errors.WrapInvalid(fmt.Errorf("workers, queue_size and peer_ttl must not be negative"),
			"transport", "Validate", "dispatch validation")
	}
	return nil
}

// Deps bundles what a Server needs.
type Deps struct {
	Config          Config
	Handshake       handshake.Handshake
	Handler         Handler
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

// Server owns one UDP socket.
type Server struct {
	cfg       Config
	handshake []byte
	handler   Handler
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	metrics   *Metrics
	warnLimit *rate.Limiter

	mu       sync.RWMutex
	conn     *net.UDPConn
	pool     *worker.Pool[datagram]
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool
	peers    *cache.TTL[string] // addr -> subject name
	started  time.Time
	lastSeen atomic.Value // time.Time

	packets       atomic.Int64
	bytesReceived atomic.Int64
	decodeErrors  atomic.Int64
}

// NewServer creates an unbound server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"),
			"transport", "NewServer", "handler validation")
	}

	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.Bind == "" {
		cfg.Bind = defaults.Bind
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.PeerTTL == 0 {
		cfg.PeerTTL = defaults.PeerTTL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	doc, err := deps.Handshake.Document()
	if err != nil {
		return nil, errors.WrapInvalid(err, "transport", "NewServer", "render handshake")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:       cfg,
		handshake: doc,
		handler:   deps.Handler,
		logger:    logger.With("component", "transport", "port", cfg.Port),
		registry:  deps.MetricsRegistry,
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Bind opens the socket and starts receiving. The server stops when ctx is
// done or Shutdown is called. Bind is not retried; an address already in use
// is reported as a fatal error.
func (s *Server) Bind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "transport", "Bind", "state check")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("resolve %s:%d: %w", s.cfg.Bind, s.cfg.Port, err),
			"transport", "Bind", "resolve address")
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("listen on UDP port %d: %w", s.cfg.Port, err),
			"transport", "Bind", "socket binding")
	}

	const socketBufferSize = 2 * 1024 * 1024
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		s.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	port := conn.LocalAddr().(*net.UDPAddr).Port
	metrics, err := newMetrics(s.registry, port)
	if err != nil {
		_ = conn.Close()
		return errors.WrapInvalid(err, "transport", "Bind", "register metrics")
	}
	s.metrics = metrics

	runCtx, cancel := context.WithCancel(ctx)
	peers, err := cache.NewTTL[string](runCtx, s.cfg.PeerTTL, max(s.cfg.PeerTTL/2, time.Millisecond),
		cache.WithMetrics[string](s.registry, peersMetricsService(port)),
		cache.WithEvictionCallback(func(addr, name string) {
			s.logger.Debug("Peer forgotten", "peer", addr, "subject", name)
		}))
	if err != nil {
		cancel()
		_ = conn.Close()
		s.unregisterMetrics(port)
		return errors.WrapFatal(err, "transport", "Bind", "create peer table")
	}

	pool := worker.NewPool(s.cfg.Workers, s.cfg.QueueSize, s.handleDatagram,
		worker.WithShardKey(func(d datagram) string { return d.addr.String() }))
	if err := pool.Start(runCtx); err != nil {
		cancel()
		_ = peers.Close()
		_ = conn.Close()
		s.unregisterMetrics(port)
		return errors.WrapFatal(err, "transport", "Bind", "start workers")
	}

	s.conn = conn
	s.pool = pool
	s.peers = peers
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()
	s.running.Store(true)

	go func() {
		defer close(s.done)
		s.readLoop(runCtx, conn, pool)
	}()

	s.logger.Info("Listening for pose data", "address", conn.LocalAddr().String())
	return nil
}

// Port returns the bound port, or the configured port before Bind.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn != nil {
		return s.conn.LocalAddr().(*net.UDPAddr).Port
	}
	return s.cfg.Port
}

// LocalAddress returns the address devices should send to. For a wildcard
// bind this is the first non-loopback interface address.
func (s *Server) LocalAddress() string {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	host := s.cfg.Bind
	if conn != nil {
		host = conn.LocalAddr().(*net.UDPAddr).IP.String()
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsUnspecified() {
		return host
	}
	if found := firstInterfaceAddress(); found != "" {
		return found
	}
	return host
}

func firstInterfaceAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

// Shutdown closes the socket and waits up to timeout for in-flight
// datagrams. Calling it again is a no-op.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	conn, pool, peers, cancel, done := s.conn, s.pool, s.peers, s.cancel, s.done
	s.mu.Unlock()

	_ = conn.Close()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.WrapTransient(fmt.Errorf("read loop stop timeout after %v", timeout),
			"transport", "Shutdown", "graceful shutdown")
	}
	if stopErr := pool.Stop(timeout); stopErr != nil && err == nil {
		err = errors.WrapTransient(stopErr, "transport", "Shutdown", "stop workers")
	}
	cancel()
	_ = peers.Close()
	s.unregisterMetrics(conn.LocalAddr().(*net.UDPAddr).Port)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	s.logger.Info("Transport stopped",
		"packets", s.packets.Load(), "decode_errors", s.decodeErrors.Load())
	return err
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn, pool *worker.Pool[datagram]) {
	buf := make([]byte, MaxDatagramSize)

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !s.running.Load() || stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.metrics.socketError()
			s.warn("UDP read failed", "error", err)
			continue
		}

		now := time.Now()
		s.packets.Add(1)
		s.bytesReceived.Add(int64(n))
		s.lastSeen.Store(now)
		s.metrics.received(n, now)

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := pool.Submit(datagram{addr: addr, data: data}); err != nil {
			s.metrics.dropped()
			s.warn("Dropping datagram", "peer", addr.String(), "error", err)
		}
	}
}

func (s *Server) handleDatagram(ctx context.Context, d datagram) error {
	var doc map[string]any
	if err := json.Unmarshal(d.data, &doc); err != nil {
		s.decodeErrors.Add(1)
		s.metrics.decodeError()
		s.warn("Discarding undecodable datagram", "peer", d.addr.String(), "error", err)
		return errors.WrapInvalid(err, "transport", "handleDatagram", "decode JSON")
	}

	if hello, ok := doc["HELLO"]; ok {
		return s.handleHello(ctx, d.addr, hello)
	}

	peer := d.addr.String()
	known := s.peers.Touch(peer)
	if s.cfg.RequireHello && !known {
		s.metrics.unknownPeer()
		s.warn("Pose before hello", "peer", peer)
		return errors.WrapInvalid(fmt.Errorf("peer %s has not sent a hello", peer),
			"transport", "handleDatagram", "hello check")
	}

	name, _ := doc["userName"].(string)
	if name == "" && known {
		name, _ = s.peers.Get(peer)
	}
	if name == "" {
		s.metrics.unknownPeer()
		s.warn("Pose from unknown peer", "peer", d.addr.String())
		return errors.WrapInvalid(fmt.Errorf("no subject for peer %s", d.addr),
			"transport", "handleDatagram", "resolve subject")
	}

	s.handler.OnPoseReceived(ctx, name, rig.Document(doc))
	return nil
}

func (s *Server) handleHello(ctx context.Context, addr *net.UDPAddr, hello any) error {
	var name string
	switch v := hello.(type) {
	case string:
		name = v
	case map[string]any:
		name, _ = v["userName"].(string)
	}
	if name == "" {
		s.decodeErrors.Add(1)
		s.metrics.decodeError()
		return errors.WrapInvalid(fmt.Errorf("hello from %s without a name", addr),
			"transport", "handleHello", "parse hello")
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotStarted, "transport", "handleHello", "reply")
	}
	if _, err := conn.WriteToUDP(s.handshake, addr); err != nil {
		s.warn("Failed to send handshake", "peer", addr.String(), "error", err)
		return errors.WrapTransient(err, "transport", "handleHello", "send handshake")
	}

	if _, err := s.peers.Set(addr.String(), name); err != nil {
		return err
	}
	s.logger.Info("Device connected", "subject", name, "peer", addr.String())
	s.handler.OnSubjectConnected(ctx, name)
	return nil
}

func (s *Server) unregisterMetrics(port int) {
	if s.registry != nil {
		s.registry.UnregisterService(metricsService(port))
		s.registry.UnregisterService(peersMetricsService(port))
	}
}

// warn logs at most a few warnings per second so a noisy device cannot
// flood the log.
func (s *Server) warn(msg string, args ...any) {
	if s.warnLimit.Allow() {
		s.logger.Warn(msg, args...)
	}
}

// Health reports socket state and traffic counters.
func (s *Server) Health() health.Status {
	if !s.running.Load() {
		return health.Unhealthy("transport", "not listening")
	}
	var last time.Time
	if v, ok := s.lastSeen.Load().(time.Time); ok {
		last = v
	}
	return health.Healthy("transport", "listening").WithMetrics(&health.Metrics{
		Uptime:       time.Since(s.started),
		ErrorCount:   int(s.decodeErrors.Load()),
		LastActivity: last,
	})
}

// Stats is a snapshot of traffic counters.
type Stats struct {
	Packets      int64
	Bytes        int64
	DecodeErrors int64
	Dropped      int64
	Peers        int
}

// Stats returns traffic counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Packets:      s.packets.Load(),
		Bytes:        s.bytesReceived.Load(),
		DecodeErrors: s.decodeErrors.Load(),
	}
	s.mu.RLock()
	if s.pool != nil {
		st.Dropped = s.pool.Stats().Dropped
	}
	if s.peers != nil {
		st.Peers = len(s.peers.Keys())
	}
	s.mu.RUnlock()
	return st
}
