// Package source binds one UDP port for a streaming device and routes its
// pose updates into subjects on an attached consumer.
//
// Pose updates arrive on transport goroutines. A name that is not yet
// registered is only queued; registration happens when the owning goroutine
// calls Poll (or runs Run). Registration, consumer attachment, Disable and
// Shutdown are serialized by one lock, which frame pushes share for reading.
//
//	src, err := source.New(ctx, source.Deps{Config: cfg, Ports: ports})
//	if err != nil {
//	    var bindErr *source.BindError
//	    ...
//	}
//	_ = src.AttachConsumer(ctx, out)
//	go src.Run(ctx, 10*time.Millisecond)
//	defer src.Shutdown(context.Background())
package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/discovery"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/handshake"
	"github.com/c360/poselink/health"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/portregistry"
	"github.com/c360/poselink/rig"
	"github.com/c360/poselink/subject"
	"github.com/c360/poselink/transport"
)

// ErrDisabled is returned when a consumer is attached to a source that was
// disabled or shut down.
var ErrDisabled = stderrors.New("source disabled")

// BindError reports that a source could not take its port, either because
// another source holds it or because the socket could not be opened. It is
// fatal for that source and never retried.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Server is the transport a source listens on.
type Server interface {
	Bind(ctx context.Context) error
	LocalAddress() string
	Shutdown(timeout time.Duration) error
}

// ServerFactory builds the server for a source. h is the source itself.
type ServerFactory func(cfg transport.Config, hs handshake.Handshake, h transport.Handler) (Server, error)

// UDPServerFactory returns a factory for real UDP transport servers.
func UDPServerFactory(registry *metric.MetricsRegistry, logger *slog.Logger) ServerFactory {
	return func(cfg transport.Config, hs handshake.Handshake, h transport.Handler) (Server, error) {
		return transport.NewServer(transport.Deps{
			Config:          cfg,
			Handshake:       hs,
			Handler:         h,
			MetricsRegistry: registry,
			Logger:          logger,
		})
	}
}

// Deps bundles what a Source needs.
type Deps struct {
	Config          Config
	Ports           *portregistry.Registry
	NewServer       ServerFactory // defaults to UDPServerFactory
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Source owns one port binding and the subjects discovered on it.
type Source struct {
	cfg       Config
	id        uuid.UUID
	handshake handshake.Handshake
	rigCfg    rig.Config
	registry  *subject.Registry
	queue     *discovery.Queue
	server    Server
	ports     *portregistry.Registry

	logger      *slog.Logger
	metricsReg  *metric.MetricsRegistry
	metrics     *Metrics
	coreMetrics *metric.Metrics
	warnLimit   *rate.Limiter
	started     time.Time

	// mu guards the fields below and serializes every registry mutation.
	mu          sync.RWMutex
	state       State
	enabled     bool
	consumer    consumer.Consumer
	reservation *portregistry.Reservation
	address     string

	framesPushed atomic.Int64
	errorCount   atomic.Int64
	lastFrame    atomic.Value // time.Time
}

var _ transport.Handler = (*Source)(nil)

// New validates cfg, reserves the port and binds the transport. A port that
// is reserved by another source, or a socket that cannot be opened, yields
// a *BindError and leaves no reservation behind.
func New(ctx context.Context, deps Deps) (*Source, error) {
	if deps.Ports == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil port registry"),
			"source", "New", "dependency validation")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config.withDefaults()

	hs, err := cfg.Handshake.Parse()
	if err != nil {
		return nil, err
	}
	rigCfg, err := rig.NewConfig(hs, cfg.RootMotion)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "source", "source", cfg.Name, "port", cfg.Port)

	newServer := deps.NewServer
	if newServer == nil {
		newServer = UDPServerFactory(deps.MetricsRegistry, deps.Logger)
	}

	id := uuid.New()
	s := &Source{
		cfg:        cfg,
		id:         id,
		handshake:  hs,
		rigCfg:     rigCfg,
		registry:   subject.New(id, rigCfg, logger),
		queue:      discovery.NewQueue(),
		ports:      deps.Ports,
		logger:     logger,
		metricsReg: deps.MetricsRegistry,
		warnLimit:  rate.NewLimiter(rate.Every(time.Second), 5),
		state:      StateConnecting,
		enabled:    true,
	}
	if deps.MetricsRegistry != nil {
		s.coreMetrics = deps.MetricsRegistry.CoreMetrics()
	}
	s.recordState(StateConnecting)

	metrics, err := newMetrics(deps.MetricsRegistry, cfg.Name)
	if err != nil {
		return nil, errors.WrapInvalid(err, "source", "New", "register metrics")
	}
	s.metrics = metrics
	unregister := func() {
		if metrics != nil {
			deps.MetricsRegistry.UnregisterService(metricsService(cfg.Name))
		}
	}

	reservation, err := deps.Ports.Reserve(cfg.Port)
	if err != nil {
		unregister()
		logger.Error("Port unavailable", "error", err)
		return nil, errors.WrapFatal(&BindError{Port: cfg.Port, Err: err},
			"source", "New", "reserve port")
	}

	server, err := newServer(cfg.Transport(), hs, s)
	if err != nil {
		reservation.Release()
		unregister()
		return nil, err
	}
	if err := server.Bind(ctx); err != nil {
		reservation.Release()
		unregister()
		logger.Error("Failed to bind transport", "error", err)
		return nil, errors.WrapFatal(&BindError{Port: cfg.Port, Err: err},
			"source", "New", "bind transport")
	}

	s.server = server
	s.reservation = reservation
	s.address = server.LocalAddress()
	s.started = time.Now()
	s.state = StateListening
	s.recordState(StateListening)

	logger.Info("Source listening",
		"address", s.address, "rig", hs.Rig, "modes", hs.Modes.String(),
		"mirrored", hs.Mirrored, "root_motion", cfg.RootMotion)
	return s, nil
}

// AttachConsumer makes c the target of all subjects. Every subject already
// known is recreated on c, since keys from an earlier consumer are not valid
// on a new one. It fails with ErrDisabled once the source is disabled.
func (s *Source) AttachConsumer(ctx context.Context, c consumer.Consumer) error {
	if c == nil {
		return errors.WrapInvalid(fmt.Errorf("nil consumer"),
			"source", "AttachConsumer", "consumer validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.state >= StateDisabled {
		return errors.WrapInvalid(ErrDisabled, "source", "AttachConsumer", "state check")
	}

	s.consumer = c
	if s.state != StateActive {
		s.state = StateActive
		s.recordState(StateActive)
	}

	names := s.registry.Names()
	s.logger.Info("Consumer attached", "subjects", len(names))
	for _, name := range names {
		s.register(ctx, name)
	}
	s.metrics.gauges(s.registry.Len(), s.queue.Len())
	return nil
}

// Poll drains the discovery queue and registers each distinct name. It must
// be called from one goroutine. While disabled the drained names are dropped;
// before a consumer is attached they stay queued. It returns the number of
// subjects registered.
func (s *Source) Poll(ctx context.Context) int {
	names := s.queue.Drain()
	if len(names) == 0 {
		return 0
	}
	names = distinct(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		s.logger.Debug("Dropping discoveries while disabled", "count", len(names))
		s.metrics.gauges(s.registry.Len(), s.queue.Len())
		return 0
	}
	if s.consumer == nil {
		for _, name := range names {
			s.queue.Push(name)
		}
		return 0
	}

	registered := 0
	for _, name := range names {
		if s.register(ctx, name) {
			registered++
		}
	}
	s.metrics.gauges(s.registry.Len(), s.queue.Len())
	return registered
}

// register must be called with mu held and a consumer attached.
func (s *Source) register(ctx context.Context, name string) bool {
	if _, err := s.registry.RegisterOrReplace(ctx, name, s.consumer); err != nil {
		s.errorCount.Add(1)
		s.metrics.registration("rejected")
		s.coreMetrics.RecordConsumerError(s.cfg.Name, "create_subject")
		s.logger.Warn("Subject registration failed", "subject", name, "error", err)
		return false
	}
	s.metrics.registration("registered")
	return true
}

// OnPoseReceived routes one pose document. An unknown name is queued for
// discovery; a known name is translated and pushed to the consumer. A frame
// the translator rejects is dropped and the subject stays registered.
func (s *Source) OnPoseReceived(ctx context.Context, name string, doc rig.Document) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		s.metrics.frameDropped(dropDisabled)
		return
	}

	entry, ok := s.registry.Lookup(name)
	if !ok {
		s.queue.Push(name)
		s.metrics.discoveryQueued()
		return
	}
	if s.consumer == nil {
		s.metrics.frameDropped(dropNoConsumer)
		return
	}

	frame, err := entry.Translator.ProcessFrame(doc)
	if err != nil {
		reason := dropMalformed
		if stderrors.Is(err, rig.ErrIncompatible) {
			reason = dropIncompatible
		}
		s.errorCount.Add(1)
		s.metrics.frameDropped(reason)
		s.warn("Dropping pose frame", "subject", name, "reason", reason, "error", err)
		return
	}

	if err := s.consumer.PushFrameData(ctx, entry.Key, frame); err != nil {
		s.errorCount.Add(1)
		s.metrics.frameDropped(dropPushFailed)
		s.coreMetrics.RecordConsumerError(s.cfg.Name, "push_frame")
		s.warn("Failed to push frame", "subject", name, "error", err)
		return
	}

	s.framesPushed.Add(1)
	s.lastFrame.Store(frame.WorldTime)
	s.metrics.framePushed()
}

// OnSubjectConnected queues name for (re)discovery after a device hello, so
// a reconnecting performer replaces its stale subject.
func (s *Source) OnSubjectConnected(_ context.Context, name string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return
	}
	s.logger.Info("Subject connected", "subject", name)
	s.queue.Push(name)
	s.metrics.discoveryQueued()
}

// Disable stops new registrations and detaches the consumer. It cannot be
// undone. Registered subjects stay in the registry until Shutdown.
func (s *Source) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= StateDisabled {
		return
	}
	s.enabled = false
	s.consumer = nil
	s.state = StateDisabled
	s.recordState(StateDisabled)
	s.logger.Info("Source disabled", "subjects", s.registry.Len())
}

// Shutdown removes every subject from the attached consumer, stops the
// transport and releases the port. Calling it again is a no-op.
func (s *Source) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state >= StateShuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShuttingDown
	s.recordState(StateShuttingDown)
	s.enabled = false
	removed := s.registry.RemoveAll(ctx, s.consumer)
	s.consumer = nil
	s.mu.Unlock()

	// The transport drains its workers, which take the read lock.
	var err error
	if shutdownErr := s.server.Shutdown(s.cfg.ShutdownTimeout); shutdownErr != nil {
		err = errors.WrapTransient(shutdownErr, "source", "Shutdown", "stop transport")
		s.logger.Warn("Transport shutdown incomplete", "error", shutdownErr)
	}
	s.queue.Drain()

	s.mu.Lock()
	s.reservation.Release()
	s.state = StateClosed
	s.recordState(StateClosed)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metricsReg.UnregisterService(metricsService(s.cfg.Name))
	}

	s.logger.Info("Source closed", "subjects_removed", removed, "frames_pushed", s.framesPushed.Load())
	return err
}

// Run polls the discovery queue every interval until ctx is done.
func (s *Source) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("invalid poll interval %v", interval),
			"source", "Run", "interval validation")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Poll(ctx)
			if s.State() == StateClosed {
				return nil
			}
		}
	}
}

// Status returns the connection status shown to users.
func (s *Source) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case StateConnecting:
		return "connecting"
	case StateListening, StateActive:
		return fmt.Sprintf("listening on %s:%d", s.address, s.cfg.Port)
	case StateDisabled:
		return "disabled"
	default:
		return "closed"
	}
}

// State returns the lifecycle state.
func (s *Source) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Name returns the configured source name.
func (s *Source) Name() string {
	return s.cfg.Name
}

// Port returns the reserved port.
func (s *Source) Port() int {
	return s.cfg.Port
}

// SourceID returns the identity used in every SubjectKey of this source.
func (s *Source) SourceID() uuid.UUID {
	return s.id
}

// Handshake returns the handshake sent to devices.
func (s *Source) Handshake() handshake.Handshake {
	return s.handshake
}

// Subjects returns the registered subject names.
func (s *Source) Subjects() []string {
	return s.registry.Names()
}

// Health reports the source status for the health endpoint.
func (s *Source) Health() health.Status {
	state := s.State()
	component := "source." + s.cfg.Name

	var status health.Status
	switch state {
	case StateListening, StateActive:
		status = health.Healthy(component, s.Status())
	case StateDisabled:
		status = health.Degraded(component, "disabled")
	case StateConnecting:
		status = health.Unhealthy(component, "connecting")
	default:
		status = health.Unhealthy(component, "closed")
	}

	m := &health.Metrics{
		ErrorCount:      int(s.errorCount.Load()),
		Subjects:        s.registry.Len(),
		FramesPushed:    s.framesPushed.Load(),
		PendingSubjects: s.queue.Len(),
	}
	if !s.started.IsZero() {
		m.Uptime = time.Since(s.started)
	}
	if t, ok := s.lastFrame.Load().(time.Time); ok {
		m.LastActivity = t
	}
	return status.WithMetrics(m)
}

func (s *Source) recordState(state State) {
	s.coreMetrics.RecordSourceState(s.cfg.Name, int(state))
}

func (s *Source) warn(msg string, args ...any) {
	if s.warnLimit.Allow() {
		s.logger.Warn(msg, args...)
	}
}

// distinct removes repeated names, keeping first occurrences in order.
func distinct(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
