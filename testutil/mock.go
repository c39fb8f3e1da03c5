// Package testutil provides test doubles shared by the poselink packages:
// a recording consumer, a fake transport server, an in-memory NATS
// publisher and KV bucket, and pose document fixtures.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/rig"
	"github.com/c360/poselink/transport"
)

// Consumer operations recorded by Recorder.
const (
	OpCreate = "create"
	OpRemove = "remove"
	OpStatic = "static"
	OpFrame  = "frame"
)

// Call is one recorded consumer call.
type Call struct {
	Op    string
	Key   consumer.SubjectKey
	Role  consumer.Role
	Def   *rig.SkeletonDefinition
	Frame *rig.AnimationFrame
}

// Recorder is a consumer.Consumer that records every call. The optional
// hooks decide each call's result. Safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	CreateFunc func(key consumer.SubjectKey) error
	RemoveFunc func(key consumer.SubjectKey) error
	StaticFunc func(key consumer.SubjectKey) error
	FrameFunc  func(key consumer.SubjectKey) error

	calls []Call
}

var _ consumer.Consumer = (*Recorder)(nil)

// NewRecorder creates a recorder that accepts everything.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(c Call, hook func(consumer.SubjectKey) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if hook != nil {
		return hook(c.Key)
	}
	return nil
}

// CreateSubject records a create call.
func (r *Recorder) CreateSubject(_ context.Context, key consumer.SubjectKey, role consumer.Role) error {
	return r.record(Call{Op: OpCreate, Key: key, Role: role}, r.CreateFunc)
}

// RemoveSubject records a remove call.
func (r *Recorder) RemoveSubject(_ context.Context, key consumer.SubjectKey) error {
	return r.record(Call{Op: OpRemove, Key: key}, r.RemoveFunc)
}

// PushStaticData records a static push.
func (r *Recorder) PushStaticData(_ context.Context, key consumer.SubjectKey, role consumer.Role, def rig.SkeletonDefinition) error {
	return r.record(Call{Op: OpStatic, Key: key, Role: role, Def: &def}, r.StaticFunc)
}

// PushFrameData records a frame push.
func (r *Recorder) PushFrameData(_ context.Context, key consumer.SubjectKey, frame rig.AnimationFrame) error {
	return r.record(Call{Op: OpFrame, Key: key, Frame: &frame}, r.FrameFunc)
}

// Calls returns a copy of all recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Ops returns the recorded operations for name in order.
func (r *Recorder) Ops(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []string
	for _, c := range r.calls {
		if c.Key.Name == name {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// Count returns how many op calls were recorded for name. An empty name
// counts every subject.
func (r *Recorder) Count(op, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op && (name == "" || c.Key.Name == name) {
			n++
		}
	}
	return n
}

// Live returns, by name, every key that was created and not removed since.
func (r *Recorder) Live() map[string]consumer.SubjectKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make(map[string]consumer.SubjectKey)
	for _, c := range r.calls {
		switch c.Op {
		case OpCreate:
			live[c.Key.Name] = c.Key
		case OpRemove:
			delete(live, c.Key.Name)
		}
	}
	return live
}

// Reset forgets every recorded call.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// RejectNames returns a CreateFunc that refuses the given names.
func RejectNames(names ...string) func(consumer.SubjectKey) error {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(key consumer.SubjectKey) error {
		if set[key.Name] {
			return ErrMockRejected
		}
		return nil
	}
}

// FakeServer stands in for a transport server. Tests drive the handler
// directly with Deliver and Connect.
type FakeServer struct {
	mu        sync.Mutex
	handler   transport.Handler
	address   string
	BindErr   error
	binds     int
	shutdowns int
}

// NewFakeServer creates a fake server that delivers to h.
func NewFakeServer(h transport.Handler) *FakeServer {
	return &FakeServer{handler: h, address: "127.0.0.1"}
}

// Bind records the call and returns BindErr.
func (f *FakeServer) Bind(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds++
	return f.BindErr
}

// LocalAddress returns the fake address.
func (f *FakeServer) LocalAddress() string {
	return f.address
}

// Shutdown records the call.
func (f *FakeServer) Shutdown(_ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

// Deliver invokes the handler as if a pose datagram arrived.
func (f *FakeServer) Deliver(ctx context.Context, name string, doc rig.Document) {
	f.handler.OnPoseReceived(ctx, name, doc)
}

// Connect invokes the handler as if a device said hello.
func (f *FakeServer) Connect(ctx context.Context, name string) {
	f.handler.OnSubjectConnected(ctx, name)
}

// Binds returns how often Bind was called.
func (f *FakeServer) Binds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binds
}

// Shutdowns returns how often Shutdown was called.
func (f *FakeServer) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Common test errors
var (
	ErrMockFailed   = errors.New("mock operation failed")
	ErrMockRejected = errors.New("mock consumer rejected subject")
)
