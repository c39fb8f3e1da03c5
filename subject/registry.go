// Package subject maps subject names to their consumer-side key and rig
// translator.
//
// Lookups are safe from any goroutine. Mutations are serialized with each
// other; callers that must also serialize them with their own state (a
// source's enabled flag and consumer) hold their own lock around the calls.
package subject

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/rig"
)

// ErrConsumerRejected is returned when a consumer refuses to create a subject.
var ErrConsumerRejected = stderrors.New("consumer rejected subject")

// Entry is one registered subject. Entries are immutable; a replacement
// creates a new Entry.
type Entry struct {
	Key        consumer.SubjectKey
	Translator *rig.Translator

	owner consumer.Consumer
}

// Owner returns the consumer the subject was created on.
func (e *Entry) Owner() consumer.Consumer {
	return e.owner
}

// Registry is the name to Entry map of one source.
type Registry struct {
	source uuid.UUID
	rigCfg rig.Config
	static rig.SkeletonDefinition
	logger *slog.Logger

	writeMu sync.Mutex // serializes mutations, held across consumer calls
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry for the source with the given identity.
// Every entry gets a translator for rigCfg.
func New(source uuid.UUID, rigCfg rig.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source:  source,
		rigCfg:  rigCfg,
		static:  rig.MakeStaticDefinition(rigCfg),
		logger:  logger.With("component", "subject-registry"),
		entries: make(map[string]*Entry),
	}
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Len returns the number of registered subjects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Names returns a sorted snapshot of the registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// RegisterOrReplace creates name on c. An existing entry is removed from the
// consumer it was created on first; a failure there is logged and ignored.
// If c refuses the subject the error wraps ErrConsumerRejected and name is
// left unregistered. A failed static push is logged and the entry is kept,
// since the subject exists on the consumer side.
func (r *Registry) RegisterOrReplace(ctx context.Context, name string, c consumer.Consumer) (consumer.SubjectKey, error) {
	if c == nil {
		return consumer.SubjectKey{}, errors.WrapInvalid(
			fmt.Errorf("register %q: nil consumer", name),
			"subject", "RegisterOrReplace", "validate consumer")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if old, ok := r.Lookup(name); ok {
		r.logger.Info("Replacing subject with new connection", "subject", name)
		r.drop(name)
		if err := old.owner.RemoveSubject(ctx, old.Key); err != nil {
			r.logger.Warn("Failed to remove replaced subject", "subject", name, "error", err)
		}
	}

	key := consumer.SubjectKey{Source: r.source, Name: name}
	r.logger.Info("Adding subject", "subject", name, "key", key.String())

	if err := c.CreateSubject(ctx, key, consumer.RoleAnimation); err != nil {
		r.logger.Warn("Unable to create subject", "subject", name, "error", err)
		return consumer.SubjectKey{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s: %v", ErrConsumerRejected, name, err),
			"subject", "RegisterOrReplace", "create subject")
	}

	if err := c.PushStaticData(ctx, key, consumer.RoleAnimation, r.static); err != nil {
		r.logger.Warn("Failed to push static data", "subject", name, "error", err)
	}

	entry := &Entry{
		Key:        key,
		Translator: rig.NewTranslator(r.rigCfg),
		owner:      c,
	}
	r.mu.Lock()
	r.entries[name] = entry
	r.mu.Unlock()

	return key, nil
}

// Remove deletes name and removes it from the consumer it was created on.
// It reports whether name was registered.
func (r *Registry) Remove(ctx context.Context, name string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old, ok := r.Lookup(name)
	if !ok {
		return false
	}
	r.drop(name)
	if err := old.owner.RemoveSubject(ctx, old.Key); err != nil {
		r.logger.Warn("Failed to remove subject", "subject", name, "error", err)
	}
	return true
}

// RemoveAll clears the registry. When c is non-nil every subject is removed
// from c; a failure for one subject does not stop the others. It returns the
// number of entries cleared.
func (r *Registry) RemoveAll(ctx context.Context, c consumer.Consumer) int {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	if c != nil {
		for name, e := range entries {
			if err := c.RemoveSubject(ctx, e.Key); err != nil {
				r.logger.Warn("Failed to remove subject", "subject", name, "error", err)
				continue
			}
			r.logger.Info("Removed subject", "subject", name)
		}
	}
	return len(entries)
}

func (r *Registry) drop(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}
