package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/health"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/pkg/buffer"
	"github.com/c360/poselink/pkg/security"
	"github.com/c360/poselink/pkg/timestamp"
	"github.com/c360/poselink/pkg/tlsutil"
	"github.com/c360/poselink/rig"
)

// Envelope types.
const (
	TypeCreate = "create"
	TypeStatic = "static"
	TypeFrame  = "frame"
	TypeRemove = "remove"
)

// Errors returned by the consumer.
var (
	ErrSubjectExists  = stderrors.New("subject already exists")
	ErrUnknownSubject = stderrors.New("unknown subject")
)

// Config holds the server settings.
type Config struct {
	Bind         string        `json:"bind" yaml:"bind"`
	Port         int           `json:"port" yaml:"port"`
	Path         string        `json:"path" yaml:"path"`
	ClientBuffer int           `json:"client_buffer" yaml:"client_buffer"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`

	TLS security.ServerTLSConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns the settings used for unset fields.
func DefaultConfig() Config {
	return Config{
		Bind:         "0.0.0.0",
		Port:         8081,
		Path:         "/ws",
		ClientBuffer: 256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Validate checks the configuration. Port 0 asks the OS for a free port.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"websocket", "Validate", "port validation")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(fmt.Errorf("path %q must start with /", c.Path),
			"websocket", "Validate", "path validation")
	}
	if c.ClientBuffer < 0 || c.WriteTimeout < 0 || c.PingInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"websocket", "Validate", "client_buffer, write_timeout and ping_interval must not be negative")
	}
	return c.TLS.Validate()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Bind == "" {
		c.Bind = d.Bind
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ClientBuffer == 0 {
		c.ClientBuffer = d.ClientBuffer
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	return c
}

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubjectPayload identifies a subject. Create and remove envelopes carry
// only this.
type SubjectPayload struct {
	Source string        `json:"source"`
	Name   string        `json:"name"`
	Role   consumer.Role `json:"role,omitempty"`
}

// StaticPayload carries a skeleton definition.
type StaticPayload struct {
	SubjectPayload
	Skeleton rig.SkeletonDefinition `json:"skeleton"`
}

// FramePayload carries one animation frame.
type FramePayload struct {
	SubjectPayload
	rig.AnimationFrame
}

// Deps bundles what an Output needs.
type Deps struct {
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

type subjectState struct {
	role     consumer.Role
	skeleton *rig.SkeletonDefinition
}

type clientInfo struct {
	conn        *websocket.Conn
	out         *buffer.Ring[[]byte]
	connectedAt time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	done        chan struct{}
}

// Output is a consumer.Consumer serving a WebSocket endpoint.
type Output struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	lifecycleMu sync.Mutex
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     atomic.Bool
	startTime   time.Time

	// subjectsMu is held while broadcasting subject changes so a joining
	// client's snapshot and the live stream do not interleave.
	subjectsMu sync.RWMutex
	subjects   map[consumer.SubjectKey]*subjectState

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*clientInfo

	messageID    atomic.Uint64
	messagesSent atomic.Int64
	errorCount   atomic.Int64
}

var _ consumer.Consumer = (*Output)(nil)

// NewOutput creates a stopped output.
func NewOutput(cfg Config, deps Deps) (*Output, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "NewOutput", "register metrics")
	}

	return &Output{
		cfg:     cfg,
		logger:  logger.With("component", "websocket"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			// Viewers are served from arbitrary local tools.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subjects: make(map[consumer.SubjectKey]*subjectState),
		clients:  make(map[*websocket.Conn]*clientInfo),
	}, nil
}

// Handler returns the HTTP handler for the endpoint. Start mounts it on the
// configured path; tests can mount it on an httptest server.
func (o *Output) Handler() http.Handler {
	return http.HandlerFunc(o.handleWebSocket)
}

// Start listens on the configured address and serves clients until ctx is
// done or Stop is called.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket", "Start", "state check")
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(o.cfg.TLS)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(o.cfg.Bind, strconv.Itoa(o.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "websocket", "Start", "listen on "+addr)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	mux := http.NewServeMux()
	mux.Handle(o.cfg.Path, o.Handler())

	runCtx, cancel := context.WithCancel(ctx)
	o.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	o.listener = ln
	o.cancel = cancel
	o.startTime = time.Now()
	o.running.Store(true)

	o.wg.Add(2)
	go o.serve(ln)
	go o.maintainClients(runCtx)

	o.logger.Info("WebSocket server started",
		"address", ln.Addr().String(), "path", o.cfg.Path, "tls", tlsConfig != nil)
	return nil
}

func (o *Output) serve(ln net.Listener) {
	defer o.wg.Done()
	if err := o.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		o.errorCount.Add(1)
		o.logger.Error("WebSocket server failed", "error", err)
	}
}

// Addr returns the listening address, or "" when stopped.
func (o *Output) Addr() string {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

// Stop closes every client and the listener. Calling it again is a no-op.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running.CompareAndSwap(true, false) {
		return nil
	}

	o.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if shutdownErr := o.server.Shutdown(ctx); shutdownErr != nil {
		err = errors.WrapTransient(shutdownErr, "websocket", "Stop", "http shutdown")
	}
	o.closeAllClients()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("WebSocket goroutines did not exit within timeout", "timeout", timeout)
	}

	o.server = nil
	o.listener = nil
	o.logger.Info("WebSocket server stopped", "messages_sent", o.messagesSent.Load())
	return err
}

// CreateSubject announces a new subject. A key that is already live is
// refused with ErrSubjectExists.
func (o *Output) CreateSubject(_ context.Context, key consumer.SubjectKey, role consumer.Role) error {
	o.subjectsMu.Lock()
	defer o.subjectsMu.Unlock()

	if _, ok := o.subjects[key]; ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrSubjectExists, key),
			"websocket", "CreateSubject", "claim key")
	}
	o.subjects[key] = &subjectState{role: role}
	o.metrics.setSubjects(len(o.subjects))

	return o.broadcast(TypeCreate, subjectPayload(key, role))
}

// RemoveSubject announces removal. Removing an unknown key is a no-op.
func (o *Output) RemoveSubject(_ context.Context, key consumer.SubjectKey) error {
	o.subjectsMu.Lock()
	defer o.subjectsMu.Unlock()

	state, ok := o.subjects[key]
	if !ok {
		return nil
	}
	delete(o.subjects, key)
	o.metrics.setSubjects(len(o.subjects))

	return o.broadcast(TypeRemove, subjectPayload(key, state.role))
}

// PushStaticData records the skeleton for late joiners and broadcasts it.
func (o *Output) PushStaticData(_ context.Context, key consumer.SubjectKey, role consumer.Role, def rig.SkeletonDefinition) error {
	o.subjectsMu.Lock()
	defer o.subjectsMu.Unlock()

	state, ok := o.subjects[key]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrUnknownSubject, key),
			"websocket", "PushStaticData", "lookup")
	}
	state.role = role
	state.skeleton = &def

	return o.broadcast(TypeStatic, StaticPayload{SubjectPayload: subjectPayload(key, role), Skeleton: def})
}

// PushFrameData broadcasts one frame. Safe from any goroutine.
func (o *Output) PushFrameData(_ context.Context, key consumer.SubjectKey, frame rig.AnimationFrame) error {
	o.subjectsMu.RLock()
	defer o.subjectsMu.RUnlock()

	state, ok := o.subjects[key]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrUnknownSubject, key),
			"websocket", "PushFrameData", "lookup")
	}
	return o.broadcast(TypeFrame, FramePayload{SubjectPayload: subjectPayload(key, state.role), AnimationFrame: frame})
}

// Clients returns the number of connected clients.
func (o *Output) Clients() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// Health reports server status.
func (o *Output) Health() health.Status {
	o.subjectsMu.RLock()
	subjects := len(o.subjects)
	o.subjectsMu.RUnlock()

	status := health.Healthy("websocket", fmt.Sprintf("%d clients", o.Clients()))
	if !o.running.Load() {
		status = health.Unhealthy("websocket", "not running")
	}
	m := &health.Metrics{
		ErrorCount: int(o.errorCount.Load()),
		Subjects:   subjects,
	}
	if o.running.Load() {
		m.Uptime = time.Since(o.startTime)
	}
	return status.WithMetrics(m)
}

func subjectPayload(key consumer.SubjectKey, role consumer.Role) SubjectPayload {
	return SubjectPayload{Source: key.Source.String(), Name: key.Name, Role: role}
}

func (o *Output) envelope(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "envelope", "marshal "+kind)
	}
	return json.Marshal(Envelope{
		Type:      kind,
		ID:        fmt.Sprintf("msg-%d", o.messageID.Add(1)),
		Timestamp: timestamp.Now(),
		Payload:   data,
	})
}

// broadcast queues one envelope on every client. It never blocks on a
// client socket.
func (o *Output) broadcast(kind string, payload any) error {
	data, err := o.envelope(kind, payload)
	if err != nil {
		o.errorCount.Add(1)
		o.metrics.failed("marshal")
		return err
	}

	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	for _, c := range o.clients {
		if c.closed.Load() {
			continue
		}
		_ = c.out.Write(data)
	}
	o.metrics.queued(kind)
	return nil
}

func (o *Output) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.errorCount.Add(1)
		o.metrics.failed("upgrade")
		return
	}

	c := &clientInfo{
		conn: conn,
		out: buffer.New(o.cfg.ClientBuffer,
			buffer.WithDropCallback[[]byte](func([]byte) { o.metrics.dropped() })),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	// Snapshot and registration happen under subjectsMu so no subject change
	// is missed or delivered twice.
	o.subjectsMu.RLock()
	for _, msg := range o.snapshot() {
		_ = c.out.Write(msg)
	}
	o.clientsMu.Lock()
	o.clients[conn] = c
	count := len(o.clients)
	o.clientsMu.Unlock()
	o.subjectsMu.RUnlock()

	o.metrics.connected(count)
	o.logger.Debug("Client connected", "remote", r.RemoteAddr, "clients", count)

	o.wg.Add(2)
	go o.writeLoop(c)
	go o.readLoop(c)
}

// snapshot must be called with subjectsMu held.
func (o *Output) snapshot() [][]byte {
	keys := make([]consumer.SubjectKey, 0, len(o.subjects))
	for k := range o.subjects {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var out [][]byte
	for _, k := range keys {
		state := o.subjects[k]
		if msg, err := o.envelope(TypeCreate, subjectPayload(k, state.role)); err == nil {
			out = append(out, msg)
		}
		if state.skeleton != nil {
			p := StaticPayload{SubjectPayload: subjectPayload(k, state.role), Skeleton: *state.skeleton}
			if msg, err := o.envelope(TypeStatic, p); err == nil {
				out = append(out, msg)
			}
		}
	}
	return out
}

func (o *Output) writeLoop(c *clientInfo) {
	defer o.wg.Done()
	defer o.removeClient(c)

	for {
		for _, msg := range c.out.ReadBatch(64) {
			_ = c.conn.SetWriteDeadline(time.Now().Add(o.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				o.metrics.failed("write")
				return
			}
			o.messagesSent.Add(1)
			o.metrics.sent(len(msg))
		}
		if c.out.Size() > 0 {
			continue
		}
		select {
		case <-c.done:
			return
		case <-c.out.Wait():
		}
	}
}

// readLoop consumes control frames and notices disconnects. Clients do not
// send application messages.
func (o *Output) readLoop(c *clientInfo) {
	defer o.wg.Done()
	defer o.removeClient(c)

	readTimeout := 2 * o.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *Output) removeClient(c *clientInfo) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.out.Close()

		o.clientsMu.Lock()
		delete(o.clients, c.conn)
		count := len(o.clients)
		o.clientsMu.Unlock()

		o.metrics.disconnected(count)
		_ = c.conn.Close()
	})
}

func (o *Output) closeAllClients() {
	o.clientsMu.RLock()
	clients := make([]*clientInfo, 0, len(o.clients))
	for _, c := range o.clients {
		clients = append(clients, c)
	}
	o.clientsMu.RUnlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		o.removeClient(c)
	}
}

func (o *Output) maintainClients(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pingClients()
		}
	}
}

func (o *Output) pingClients() {
	o.clientsMu.RLock()
	clients := make([]*clientInfo, 0, len(o.clients))
	for _, c := range o.clients {
		clients = append(clients, c)
	}
	o.clientsMu.RUnlock()

	for _, c := range clients {
		if c.closed.Load() {
			continue
		}
		// WriteControl may run concurrently with the write loop.
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.cfg.WriteTimeout)); err != nil {
			o.errorCount.Add(1)
			o.removeClient(c)
		}
	}
}
