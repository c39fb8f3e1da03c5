package file

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/health"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/pkg/timestamp"
	"github.com/c360/poselink/rig"
)

// Line types.
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

// Config holds configuration for the recording output.
type Config struct {
	Directory     string        `json:"directory" yaml:"directory"`
	FilePrefix    string        `json:"file_prefix" yaml:"file_prefix"`
	Append        bool          `json:"append" yaml:"append"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns default configuration for file output
func DefaultConfig() Config {
	return Config{
		Directory:     "recordings",
		FilePrefix:    "take",
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "file", "Validate", "directory is required")
	}
	if c.FilePrefix == "" || filepath.Base(c.FilePrefix) != c.FilePrefix {
		return errors.WrapInvalid(fmt.Errorf("invalid file prefix %q", c.FilePrefix),
			"file", "Validate", "file_prefix must be a plain file name")
	}
	if c.BufferSize < 0 || c.FlushInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "file", "Validate",
			"buffer_size and flush_interval cannot be negative")
	}
	return nil
}

// Line is one recorded event.
type Line struct {
	Type     string                  `json:"type"`
	Time     int64                   `json:"time"`
	Source   string                  `json:"source"`
	Name     string                  `json:"name"`
	Role     consumer.Role           `json:"role,omitempty"`
	Skeleton *rig.SkeletonDefinition `json:"skeleton,omitempty"`
	Frame    *rig.AnimationFrame     `json:"frame,omitempty"`
}

// Deps bundles what an Output needs.
type Deps struct {
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Output writes consumer calls to a JSON Lines file.
type Output struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	subjectsMu sync.Mutex
	subjects   map[consumer.SubjectKey]consumer.Role

	file   *os.File
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	lifecycleMu sync.Mutex
	running     atomic.Bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
	startTime   time.Time

	linesWritten atomic.Int64
	bytesWritten atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Int64
}

// NewOutput creates an unstarted recording output. Zero fields take their
// defaults.
func NewOutput(cfg Config, deps Deps) (*Output, error) {
	d := DefaultConfig()
	if cfg.Directory == "" {
		cfg.Directory = d.Directory
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = d.FilePrefix
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "file", "NewOutput", "register metrics")
	}

	return &Output{
		cfg:      cfg,
		logger:   logger.With("component", "file-output"),
		metrics:  metrics,
		subjects: make(map[consumer.SubjectKey]consumer.Role),
		buffer:   make([][]byte, 0, cfg.BufferSize),
	}, nil
}

// Start opens the recording file and begins periodic flushing until ctx is
// done or Stop is called.
func (f *Output) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "file", "Start", "check running state")
	}

	if err := os.MkdirAll(f.cfg.Directory, 0755); err != nil {
		return errors.WrapFatal(err, "file", "Start", "create output directory")
	}

	now := time.Now()
	name := f.cfg.FilePrefix + ".jsonl"
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !f.cfg.Append {
		name = fmt.Sprintf("%s-%s.jsonl", f.cfg.FilePrefix, timestamp.FileStamp(now))
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	file, err := os.OpenFile(filepath.Join(f.cfg.Directory, name), flags, 0644)
	if err != nil {
		return errors.WrapFatal(err, "file", "Start", "open output file")
	}

	f.fileMu.Lock()
	f.file = file
	f.fileMu.Unlock()

	f.shutdown = make(chan struct{})
	f.startTime = now
	f.running.Store(true)

	f.wg.Add(1)
	go f.flushLoop(ctx, f.shutdown)

	f.logger.Info("Recording started", "path", file.Name(), "append", f.cfg.Append)
	return nil
}

// Path returns the file being written, or "" when stopped.
func (f *Output) Path() string {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	if f.file == nil {
		return ""
	}
	return f.file.Name()
}

// Stop flushes pending lines and closes the file. Calling it again is a no-op.
func (f *Output) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running.CompareAndSwap(true, false) {
		return nil
	}
	close(f.shutdown)

	waitCh := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(waitCh)
	}()

	var err error
	select {
	case <-waitCh:
	case <-time.After(timeout):
		err = errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "file", "Stop", "wait for flush loop")
	}

	f.flush()

	f.fileMu.Lock()
	if f.file != nil {
		if closeErr := f.file.Close(); closeErr != nil && err == nil {
			err = errors.WrapTransient(closeErr, "file", "Stop", "close output file")
		}
		f.file = nil
	}
	f.fileMu.Unlock()

	f.logger.Info("Recording stopped", "lines", f.linesWritten.Load(), "errors", f.errorCount.Load())
	return err
}

// CreateSubject records a new subject.
func (f *Output) CreateSubject(_ context.Context, key consumer.SubjectKey, role consumer.Role) error {
	f.subjectsMu.Lock()
	if _, exists := f.subjects[key]; exists {
		f.subjectsMu.Unlock()
		return errors.WrapInvalid(ErrSubjectExists, "file", "CreateSubject", key.String())
	}
	f.subjects[key] = role
	f.subjectsMu.Unlock()

	if err := f.record(Line{Type: TypeCreate, Source: key.Source.String(), Name: key.Name, Role: role}); err != nil {
		f.subjectsMu.Lock()
		delete(f.subjects, key)
		f.subjectsMu.Unlock()
		return err
	}
	return nil
}

// RemoveSubject records the removal of a subject. Unknown keys are ignored.
func (f *Output) RemoveSubject(_ context.Context, key consumer.SubjectKey) error {
	f.subjectsMu.Lock()
	_, exists := f.subjects[key]
	delete(f.subjects, key)
	f.subjectsMu.Unlock()

	if !exists {
		return nil
	}
	return f.record(Line{Type: TypeRemove, Source: key.Source.String(), Name: key.Name})
}

// PushStaticData records a subject's skeleton.
func (f *Output) PushStaticData(_ context.Context, key consumer.SubjectKey, role consumer.Role, def rig.SkeletonDefinition) error {
	if !f.known(key) {
		return errors.WrapInvalid(ErrUnknownSubject, "file", "PushStaticData", key.String())
	}
	return f.record(Line{Type: TypeStatic, Source: key.Source.String(), Name: key.Name, Role: role, Skeleton: &def})
}

// PushFrameData records one frame.
func (f *Output) PushFrameData(_ context.Context, key consumer.SubjectKey, frame rig.AnimationFrame) error {
	if !f.known(key) {
		return errors.WrapInvalid(ErrUnknownSubject, "file", "PushFrameData", key.String())
	}
	return f.record(Line{Type: TypeFrame, Source: key.Source.String(), Name: key.Name, Frame: &frame})
}

func (f *Output) known(key consumer.SubjectKey) bool {
	f.subjectsMu.Lock()
	defer f.subjectsMu.Unlock()
	_, ok := f.subjects[key]
	return ok
}

// record buffers one line and flushes when the buffer is full.
func (f *Output) record(line Line) error {
	if !f.running.Load() {
		return errors.WrapTransient(errors.ErrNotStarted, "file", "record", line.Type)
	}

	line.Time = timestamp.Now()
	data, err := json.Marshal(line)
	if err != nil {
		f.errorCount.Add(1)
		f.metrics.failed()
		return errors.WrapInvalid(err, "file", "record", "marshal "+line.Type)
	}

	f.bufferMu.Lock()
	f.buffer = append(f.buffer, data)
	full := len(f.buffer) >= f.cfg.BufferSize
	f.bufferMu.Unlock()

	f.metrics.recorded(line.Type)
	f.lastActivity.Store(line.Time)

	if full {
		f.flush()
	}
	return nil
}

func (f *Output) flushLoop(ctx context.Context, shutdown <-chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

// flush writes buffered lines to the file in one write.
func (f *Output) flush() {
	f.bufferMu.Lock()
	if len(f.buffer) == 0 {
		f.bufferMu.Unlock()
		return
	}
	lines := f.buffer
	f.buffer = make([][]byte, 0, f.cfg.BufferSize)
	f.bufferMu.Unlock()

	var out bytes.Buffer
	for _, l := range lines {
		out.Write(l)
		out.WriteByte('\n')
	}

	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	if f.file == nil {
		f.errorCount.Add(int64(len(lines)))
		f.metrics.failed()
		f.logger.Error("File handle is nil during flush", "lines_lost", len(lines))
		return
	}

	n, err := f.file.Write(out.Bytes())
	if err != nil {
		f.errorCount.Add(1)
		f.metrics.failed()
		f.logger.Error("Failed to write recording", "lines", len(lines), "error", err)
		return
	}
	f.linesWritten.Add(int64(len(lines)))
	f.bytesWritten.Add(int64(n))
	f.metrics.written(len(lines), n)
}

// Health reports whether the file is open.
func (f *Output) Health() health.Status {
	status := health.Healthy("file-output", "recording")
	if !f.running.Load() {
		status = health.Unhealthy("file-output", "not recording")
	}

	f.subjectsMu.Lock()
	subjects := len(f.subjects)
	f.subjectsMu.Unlock()

	m := &health.Metrics{
		ErrorCount:   int(f.errorCount.Load()),
		Subjects:     subjects,
		LastActivity: timestamp.FromUnixMs(f.lastActivity.Load()),
	}
	if f.running.Load() {
		m.Uptime = time.Since(f.startTime)
	}
	return status.WithMetrics(m)
}

// Stats is a snapshot of write counters.
type Stats struct {
	LinesWritten int64
	BytesWritten int64
	Errors       int64
}

// Stats returns write counters.
func (f *Output) Stats() Stats {
	return Stats{
		LinesWritten: f.linesWritten.Load(),
		BytesWritten: f.bytesWritten.Load(),
		Errors:       f.errorCount.Load(),
	}
}
