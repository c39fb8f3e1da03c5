package rig

import "strings"

// joint is one canonical bone. Canonical names follow the UE mannequin
// convention; documents address joints by these names regardless of the
// configured skeleton.
type joint struct {
	name   string
	parent string
	upper  bool
}

var rootJoint = "root"

var bodyJoints = []joint{
	{name: "pelvis", parent: "root"},
	{name: "spine_01", parent: "pelvis", upper: true},
	{name: "spine_02", parent: "spine_01", upper: true},
	{name: "spine_03", parent: "spine_02", upper: true},
	{name: "neck_01", parent: "spine_03", upper: true},
	{name: "head", parent: "neck_01", upper: true},
	{name: "clavicle_l", parent: "spine_03", upper: true},
	{name: "upperarm_l", parent: "clavicle_l", upper: true},
	{name: "lowerarm_l", parent: "upperarm_l", upper: true},
	{name: "hand_l", parent: "lowerarm_l", upper: true},
	{name: "clavicle_r", parent: "spine_03", upper: true},
	{name: "upperarm_r", parent: "clavicle_r", upper: true},
	{name: "lowerarm_r", parent: "upperarm_r", upper: true},
	{name: "hand_r", parent: "lowerarm_r", upper: true},
	{name: "thigh_l", parent: "pelvis"},
	{name: "calf_l", parent: "thigh_l"},
	{name: "foot_l", parent: "calf_l"},
	{name: "ball_l", parent: "foot_l"},
	{name: "thigh_r", parent: "pelvis"},
	{name: "calf_r", parent: "thigh_r"},
	{name: "foot_r", parent: "calf_r"},
	{name: "ball_r", parent: "foot_r"},
}

var fingers = []string{"thumb", "index", "middle", "ring", "pinky"}

// fingerJoints returns the 15 finger joints of one hand ("l" or "r"), each
// finger a three-bone chain hanging off the hand bone.
func fingerJoints(side string) []joint {
	out := make([]joint, 0, len(fingers)*3)
	for _, f := range fingers {
		parent := "hand_" + side
		for seg := 1; seg <= 3; seg++ {
			name := fingerName(f, seg, side)
			out = append(out, joint{name: name, parent: parent, upper: true})
			parent = name
		}
	}
	return out
}

func fingerName(finger string, seg int, side string) string {
	return finger + "_0" + string(rune('0'+seg)) + "_" + side
}

// naming maps canonical joint names to the bone names of a skeleton.
type naming func(canonical string) string

var skeletons = map[string]naming{
	SkeletonDefault: func(c string) string { return c },
	SkeletonMixamo:  mixamoName,
}

var mixamoBody = map[string]string{
	"root":     "Root",
	"pelvis":   "Hips",
	"spine_01": "Spine",
	"spine_02": "Spine1",
	"spine_03": "Spine2",
	"neck_01":  "Neck",
	"head":     "Head",
	"clavicle": "Shoulder",
	"upperarm": "Arm",
	"lowerarm": "ForeArm",
	"hand":     "Hand",
	"thigh":    "UpLeg",
	"calf":     "Leg",
	"foot":     "Foot",
	"ball":     "ToeBase",
}

func mixamoName(c string) string {
	const prefix = "mixamorig:"
	if n, ok := mixamoBody[c]; ok {
		return prefix + n
	}

	base, side, ok := splitSide(c)
	if !ok {
		return prefix + c
	}
	sideName := "Left"
	if side == "r" {
		sideName = "Right"
	}
	if n, ok := mixamoBody[base]; ok {
		return prefix + sideName + n
	}

	// finger: "index_02" -> "LeftHandIndex2"
	parts := strings.SplitN(base, "_", 2)
	if len(parts) == 2 && len(parts[1]) == 2 {
		finger := strings.ToUpper(parts[0][:1]) + parts[0][1:]
		return prefix + sideName + "Hand" + finger + parts[1][1:]
	}
	return prefix + c
}

// splitSide splits "upperarm_l" into ("upperarm", "l").
func splitSide(c string) (string, string, bool) {
	i := strings.LastIndexByte(c, '_')
	if i < 0 || i == len(c)-1 {
		return "", "", false
	}
	side := c[i+1:]
	if side != "l" && side != "r" {
		return "", "", false
	}
	return c[:i], side, true
}

// mirrorJoint returns the joint on the opposite side, or c itself for
// centre-line joints.
func mirrorJoint(c string) string {
	base, side, ok := splitSide(c)
	if !ok {
		return c
	}
	if side == "l" {
		return base + "_r"
	}
	return base + "_l"
}

// SkeletonDefinition is the static bone hierarchy pushed to a consumer once
// per subject. BoneParents[i] is the index of bone i's parent, -1 for root.
type SkeletonDefinition struct {
	SkeletonID  string   `json:"skeleton_id"`
	BoneNames   []string `json:"bone_names"`
	BoneParents []int    `json:"bone_parents"`
}

// layout is the ordered canonical joint list for a Config.
func layout(cfg Config) []joint {
	joints := make([]joint, 0, 1+len(bodyJoints)+30)
	joints = append(joints, joint{name: rootJoint})
	joints = append(joints, bodyJoints...)
	if cfg.IncludeHands {
		joints = append(joints, fingerJoints("l")...)
		joints = append(joints, fingerJoints("r")...)
	}
	return joints
}

// MakeStaticDefinition builds the skeleton definition for cfg. It is a pure
// function of cfg. cfg must come from NewConfig.
func MakeStaticDefinition(cfg Config) SkeletonDefinition {
	name := skeletons[cfg.SkeletonID]
	if name == nil {
		name = skeletons[SkeletonDefault]
	}

	joints := layout(cfg)
	index := make(map[string]int, len(joints))
	def := SkeletonDefinition{
		SkeletonID:  cfg.SkeletonID,
		BoneNames:   make([]string, len(joints)),
		BoneParents: make([]int, len(joints)),
	}
	for i, j := range joints {
		index[j.name] = i
		def.BoneNames[i] = name(j.name)
		if j.parent == "" {
			def.BoneParents[i] = -1
			continue
		}
		def.BoneParents[i] = index[j.parent]
	}
	return def
}

// BodyJoints returns the canonical body joint names a document's
// Body.Rotations object is keyed by.
func BodyJoints() []string {
	return jointNames(bodyJoints)
}

// FingerJoints returns the canonical finger joint names a hand's Rotations
// object is keyed by, e.g. "index_02".
func FingerJoints() []string {
	out := make([]string, 0, len(fingers)*3)
	for _, f := range fingers {
		for seg := 1; seg <= 3; seg++ {
			base, _, _ := splitSide(fingerName(f, seg, "l"))
			out = append(out, base)
		}
	}
	return out
}
