// Package consumer defines the contract between a source and the system that
// owns subject bookkeeping and applies animation frames.
package consumer

import (
	"context"

	"github.com/google/uuid"

	"github.com/c360/poselink/rig"
)

// Role is the kind of data a subject carries.
type Role string

// RoleAnimation marks a skeletal animation subject.
const RoleAnimation Role = "animation"

// SubjectKey identifies one subject on the consumer side: the source that
// owns it plus the subject name.
type SubjectKey struct {
	Source uuid.UUID `json:"source"`
	Name   string    `json:"name"`
}

// String renders the key as "source/name".
func (k SubjectKey) String() string {
	return k.Source.String() + "/" + k.Name
}

// Consumer receives subjects and frames. Implementations must be safe for
// use from any goroutine and must not block for long.
type Consumer interface {
	// CreateSubject registers key. An error means the subject was refused and
	// no later call for key is expected until it is created again.
	CreateSubject(ctx context.Context, key SubjectKey, role Role) error

	// RemoveSubject drops key and any data pushed for it.
	RemoveSubject(ctx context.Context, key SubjectKey) error

	// PushStaticData publishes the skeleton definition for key.
	PushStaticData(ctx context.Context, key SubjectKey, role Role, def rig.SkeletonDefinition) error

	// PushFrameData publishes one animation frame for key.
	PushFrameData(ctx context.Context, key SubjectKey, frame rig.AnimationFrame) error
}
