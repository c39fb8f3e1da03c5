package testutil

import (
	"github.com/c360/poselink/rig"
)

// ValidBodyDoc returns a pose document with every body joint at identity
// and no hand data.
func ValidBodyDoc(name string) rig.Document {
	rot := make(map[string]any)
	for _, j := range rig.BodyJoints() {
		rot[j] = []any{0.0, 0.0, 0.0, 1.0}
	}
	doc := rig.Document{"Body": map[string]any{"Rotations": rot}}
	if name != "" {
		doc["userName"] = name
	}
	return doc
}

// ValidFullDoc returns ValidBodyDoc plus both hands at identity.
func ValidFullDoc(name string) rig.Document {
	doc := ValidBodyDoc(name)
	for _, hand := range []string{"LeftHand", "RightHand"} {
		rot := make(map[string]any)
		for _, j := range rig.FingerJoints() {
			rot[j] = []any{0.0, 0.0, 0.0, 1.0}
		}
		doc[hand] = map[string]any{"Rotations": rot}
	}
	return doc
}

// MalformedDoc returns a document whose Body.Rotations is missing.
func MalformedDoc(name string) rig.Document {
	return rig.Document{"userName": name, "Body": map[string]any{}}
}

// IncompatibleDoc returns an otherwise valid document declaring a skeleton
// other than skeletonID.
func IncompatibleDoc(name, skeletonID string) rig.Document {
	doc := ValidBodyDoc(name)
	doc["skeleton"] = skeletonID + "-other"
	return doc
}
