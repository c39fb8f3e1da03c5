package rig

import (
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/c360/poselink/errors"
)

// Frame rejection reasons. Both leave the translator state unchanged.
var (
	ErrMalformed    = stderrors.New("malformed pose document")
	ErrIncompatible = stderrors.New("incompatible skeleton")
)

// Document is a decoded pose payload: one JSON object.
//
//	{
//	  "skeleton":  "Default",
//	  "timestamp": 12.25,
//	  "Body":      {"Rotations": {"pelvis": [x, y, z, w], ...}},
//	  "LeftHand":  {"Rotations": {"index_01": [x, y, z, w], ...}},
//	  "RightHand": {"Rotations": {...}},
//	  "Root":      {"Location": [x, y, z]}
//	}
type Document map[string]any

// Transform is one bone's local transform.
type Transform struct {
	Rotation [4]float64 `json:"rotation"`
	Location [3]float64 `json:"location"`
	Scale    [3]float64 `json:"scale"`
}

var restTransform = Transform{
	Rotation: [4]float64{0, 0, 0, 1},
	Scale:    [3]float64{1, 1, 1},
}

// AnimationFrame is one translated pose. Transforms align with the
// BoneNames of the subject's SkeletonDefinition.
type AnimationFrame struct {
	WorldTime  time.Time   `json:"world_time"`
	SceneTime  float64     `json:"scene_time"`
	Transforms []Transform `json:"transforms"`
}

// Translator converts documents for one subject. It keeps the last seen
// hand rotations and root location so documents may omit them.
// Safe for concurrent use.
type Translator struct {
	cfg   Config
	index map[string]int
	body  []string
	upper []string
	hands map[string][]string // "LeftHand"/"RightHand" -> canonical finger joints

	mu    sync.Mutex
	state []Transform
	now   func() time.Time
}

// NewTranslator creates a translator at rest pose for cfg.
func NewTranslator(cfg Config) *Translator {
	joints := layout(cfg)
	t := &Translator{
		cfg:   cfg,
		index: make(map[string]int, len(joints)),
		state: make([]Transform, len(joints)),
		hands: make(map[string][]string, 2),
		now:   time.Now,
	}
	for i, j := range joints {
		t.index[j.name] = i
		t.state[i] = restTransform
	}
	for _, j := range bodyJoints {
		t.body = append(t.body, j.name)
		if j.upper {
			t.upper = append(t.upper, j.name)
		}
	}
	if cfg.IncludeHands {
		t.hands["LeftHand"] = jointNames(fingerJoints("l"))
		t.hands["RightHand"] = jointNames(fingerJoints("r"))
	}
	return t
}

func jointNames(js []joint) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.name
	}
	return out
}

// Config returns the translator's configuration.
func (t *Translator) Config() Config {
	return t.cfg
}

// ProcessFrame validates doc and returns the resulting frame. On error the
// frame is dropped and no state changes. doc is not retained.
func (t *Translator) ProcessFrame(doc Document) (AnimationFrame, error) {
	if doc == nil {
		return AnimationFrame{}, malformed("empty document")
	}
	if v, ok := doc["skeleton"]; ok {
		id, isString := v.(string)
		if !isString || id != t.cfg.SkeletonID {
			return AnimationFrame{}, errors.WrapInvalid(
				fmt.Errorf("%w: document skeleton %v, configured %q", ErrIncompatible, v, t.cfg.SkeletonID),
				"rig", "ProcessFrame", "check skeleton")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := make([]Transform, len(t.state))
	copy(next, t.state)

	bodyRot, err := section(doc, "Body", "Rotations", true)
	if err != nil {
		return AnimationFrame{}, err
	}
	required := t.body
	if t.cfg.IsDesktop {
		required = t.upper
	}
	for _, name := range required {
		q, err := quaternion(bodyRot, name)
		if err != nil {
			return AnimationFrame{}, err
		}
		t.apply(next, name, q)
	}

	for handKey, joints := range t.hands {
		rot, err := section(doc, handKey, "Rotations", false)
		if err != nil {
			return AnimationFrame{}, err
		}
		if rot == nil {
			continue
		}
		for _, name := range joints {
			base, _, _ := splitSide(name)
			if _, present := rot[base]; !present {
				continue
			}
			q, err := quaternion(rot, base)
			if err != nil {
				return AnimationFrame{}, err
			}
			t.apply(next, name, q)
		}
	}

	if t.cfg.UseRootMotion {
		if loc, ok, err := rootLocation(doc); err != nil {
			return AnimationFrame{}, err
		} else if ok {
			next[0].Location = loc
		}
	}

	var sceneTime float64
	if v, ok := doc["timestamp"]; ok {
		ts, isNum := number(v)
		if !isNum {
			return AnimationFrame{}, malformed("timestamp is not a number")
		}
		sceneTime = ts
	}

	t.state = next
	frame := AnimationFrame{
		WorldTime:  t.now(),
		SceneTime:  sceneTime,
		Transforms: make([]Transform, len(next)),
	}
	copy(frame.Transforms, next)
	return frame, nil
}

// apply writes q to the bone for canonical joint name, honouring mirroring.
func (t *Translator) apply(dst []Transform, name string, q [4]float64) {
	if t.cfg.IsMirrored {
		name = mirrorJoint(name)
		q = [4]float64{q[0], -q[1], -q[2], q[3]}
	}
	if i, ok := t.index[name]; ok {
		dst[i].Rotation = q
	}
}

func malformed(reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrMalformed, reason),
		"rig", "ProcessFrame", "validate document")
}

// section returns doc[outer][inner] as an object. A missing optional
// section returns nil without error.
func section(doc Document, outer, inner string, required bool) (map[string]any, error) {
	raw, ok := doc[outer]
	if !ok {
		if required {
			return nil, malformed(outer + " missing")
		}
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed(outer + " is not an object")
	}
	rawInner, ok := obj[inner]
	if !ok {
		if required {
			return nil, malformed(outer + "." + inner + " missing")
		}
		return nil, nil
	}
	innerObj, ok := rawInner.(map[string]any)
	if !ok {
		return nil, malformed(outer + "." + inner + " is not an object")
	}
	return innerObj, nil
}

// quaternion reads a normalised [x, y, z, w] rotation.
func quaternion(obj map[string]any, key string) ([4]float64, error) {
	var q [4]float64
	arr, ok := obj[key].([]any)
	if !ok || len(arr) != 4 {
		return q, malformed("rotation " + key + " is not a 4-element array")
	}
	var norm float64
	for i, v := range arr {
		f, ok := number(v)
		if !ok {
			return q, malformed("rotation " + key + " has a non-numeric component")
		}
		q[i] = f
		norm += f * f
	}
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return q, malformed("rotation " + key + " is degenerate")
	}
	norm = math.Sqrt(norm)
	for i := range q {
		q[i] /= norm
	}
	return q, nil
}

func rootLocation(doc Document) ([3]float64, bool, error) {
	var loc [3]float64
	raw, ok := doc["Root"]
	if !ok {
		return loc, false, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return loc, false, malformed("Root is not an object")
	}
	rawLoc, ok := obj["Location"]
	if !ok {
		return loc, false, nil
	}
	arr, ok := rawLoc.([]any)
	if !ok || len(arr) != 3 {
		return loc, false, malformed("Root.Location is not a 3-element array")
	}
	for i, v := range arr {
		f, ok := number(v)
		if !ok {
			return loc, false, malformed("Root.Location has a non-numeric component")
		}
		loc[i] = f
	}
	return loc, true, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
