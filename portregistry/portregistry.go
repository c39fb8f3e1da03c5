// Package portregistry tracks which UDP ports are held by live sources so two
// sources in the same process never bind the same port.
//
// A reservation is a scoped guard: take it when a source is constructed and
// release it when the source shuts down.
//
//	res, err := ports.Reserve(14043)
//	if err != nil {
//	    return err // errors.Is(err, portregistry.ErrPortInUse)
//	}
//	defer res.Release()
package portregistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/poselink/errors"
)

// ErrPortInUse is returned when a port is already reserved.
var ErrPortInUse = errors.ErrResourceExhausted

// Registry is a set of reserved ports. The zero value is not usable; call New.
type Registry struct {
	mu    sync.Mutex
	ports map[int]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{ports: make(map[int]struct{})}
}

// TryReserve reserves port and reports whether it was free.
func (r *Registry) TryReserve(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.ports[port]; taken {
		return false
	}
	r.ports[port] = struct{}{}
	return true
}

// Release frees port. Releasing a port that is not reserved is a no-op.
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// InUse reports whether port is currently reserved.
func (r *Registry) InUse(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.ports[port]
	return taken
}

// Ports returns the reserved ports in ascending order.
func (r *Registry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.ports))
	for p := range r.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Reserve reserves port and returns a guard that releases it.
func (r *Registry) Reserve(port int) (*Reservation, error) {
	if port < 1 || port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("port %d out of range", port),
			"portregistry", "Reserve", "port validation")
	}
	if !r.TryReserve(port) {
		return nil, errors.WrapFatal(fmt.Errorf("port %d: %w", port, ErrPortInUse),
			"portregistry", "Reserve", "reserve port")
	}
	return &Reservation{registry: r, port: port}, nil
}

// Reservation holds one reserved port until Release is called.
type Reservation struct {
	registry *Registry
	port     int
	once     sync.Once
}

// Port returns the reserved port.
func (res *Reservation) Port() int {
	return res.port
}

// Release returns the port to the registry. Safe to call more than once.
func (res *Reservation) Release() {
	if res == nil {
		return
	}
	res.once.Do(func() {
		res.registry.Release(res.port)
	})
}
