package rig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/handshake"
)

func mustConfig(t *testing.T, rigName, mode string, mirrored, rootMotion bool) Config {
	t.Helper()
	h, err := handshake.Parse(rigName, mode, mirrored)
	require.NoError(t, err)
	cfg, err := NewConfig(h, rootMotion)
	require.NoError(t, err)
	return cfg
}

// bodyDoc returns a valid document with every body joint at identity.
func bodyDoc() Document {
	rot := map[string]any{}
	for _, j := range bodyJoints {
		rot[j.name] = []any{0.0, 0.0, 0.0, 1.0}
	}
	return Document{"Body": map[string]any{"Rotations": rot}}
}

func TestNewConfig(t *testing.T) {
	cfg := mustConfig(t, "Default", "DesktopBodyOnly", true, true)
	assert.Equal(t, Config{
		SkeletonID:    "Default",
		UseRootMotion: true,
		IncludeHands:  false,
		IsMirrored:    true,
		IsDesktop:     true,
	}, cfg)

	h, err := handshake.Parse("Robot", "", false)
	require.NoError(t, err)
	_, err = NewConfig(h, false)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMakeStaticDefinition(t *testing.T) {
	withHands := MakeStaticDefinition(mustConfig(t, "Default", "", false, false))
	bodyOnly := MakeStaticDefinition(mustConfig(t, "Default", "BodyOnly", false, false))

	assert.Len(t, bodyOnly.BoneNames, 1+len(bodyJoints))
	assert.Len(t, withHands.BoneNames, 1+len(bodyJoints)+30)
	assert.Equal(t, "root", withHands.BoneNames[0])
	assert.Equal(t, -1, withHands.BoneParents[0])

	for i, p := range withHands.BoneParents[1:] {
		assert.Less(t, p, i+1, "parent of %s must precede it", withHands.BoneNames[i+1])
		assert.GreaterOrEqual(t, p, 0)
	}

	again := MakeStaticDefinition(mustConfig(t, "Default", "", false, false))
	assert.Equal(t, withHands, again, "definition must be deterministic")
}

func TestMakeStaticDefinition_MixamoNames(t *testing.T) {
	def := MakeStaticDefinition(mustConfig(t, "Mixamo", "", false, false))

	assert.Contains(t, def.BoneNames, "mixamorig:Hips")
	assert.Contains(t, def.BoneNames, "mixamorig:LeftForeArm")
	assert.Contains(t, def.BoneNames, "mixamorig:RightToeBase")
	assert.Contains(t, def.BoneNames, "mixamorig:LeftHandIndex2")
	assert.Contains(t, def.BoneNames, "mixamorig:RightHandPinky3")
	assert.Equal(t, "Mixamo", def.SkeletonID)
}

func TestProcessFrame_Valid(t *testing.T) {
	cfg := mustConfig(t, "Default", "BodyOnly", false, false)
	tr := NewTranslator(cfg)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	doc := bodyDoc()
	doc["timestamp"] = 12.5
	doc["Body"].(map[string]any)["Rotations"].(map[string]any)["head"] = []any{0.0, 0.0, 2.0, 0.0}

	frame, err := tr.ProcessFrame(doc)
	require.NoError(t, err)
	assert.Equal(t, fixed, frame.WorldTime)
	assert.Equal(t, 12.5, frame.SceneTime)
	require.Len(t, frame.Transforms, len(MakeStaticDefinition(cfg).BoneNames))

	head := frame.Transforms[tr.index["head"]]
	assert.Equal(t, [4]float64{0, 0, 1, 0}, head.Rotation, "rotations are normalised")
	assert.Equal(t, [3]float64{1, 1, 1}, head.Scale)
}

func TestProcessFrame_Malformed(t *testing.T) {
	cfg := mustConfig(t, "Default", "", false, false)

	tests := []struct {
		name string
		doc  Document
	}{
		{name: "nil", doc: nil},
		{name: "no body", doc: Document{"userName": "Alice"}},
		{name: "body not object", doc: Document{"Body": "nope"}},
		{name: "missing rotations", doc: Document{"Body": map[string]any{}}},
		{name: "missing joint", doc: func() Document {
			d := bodyDoc()
			delete(d["Body"].(map[string]any)["Rotations"].(map[string]any), "calf_l")
			return d
		}()},
		{name: "short quaternion", doc: func() Document {
			d := bodyDoc()
			d["Body"].(map[string]any)["Rotations"].(map[string]any)["pelvis"] = []any{0.0, 1.0}
			return d
		}()},
		{name: "non numeric", doc: func() Document {
			d := bodyDoc()
			d["Body"].(map[string]any)["Rotations"].(map[string]any)["pelvis"] = []any{"a", 0.0, 0.0, 1.0}
			return d
		}()},
		{name: "zero quaternion", doc: func() Document {
			d := bodyDoc()
			d["Body"].(map[string]any)["Rotations"].(map[string]any)["pelvis"] = []any{0.0, 0.0, 0.0, 0.0}
			return d
		}()},
		{name: "bad hand", doc: func() Document {
			d := bodyDoc()
			d["LeftHand"] = map[string]any{"Rotations": map[string]any{"index_01": []any{1.0}}}
			return d
		}()},
		{name: "bad timestamp", doc: func() Document {
			d := bodyDoc()
			d["timestamp"] = "yesterday"
			return d
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranslator(cfg)
			_, err := tr.ProcessFrame(tt.doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestProcessFrame_Incompatible(t *testing.T) {
	tr := NewTranslator(mustConfig(t, "Default", "", false, false))

	doc := bodyDoc()
	doc["skeleton"] = "Mixamo"
	_, err := tr.ProcessFrame(doc)
	assert.ErrorIs(t, err, ErrIncompatible)

	doc["skeleton"] = "Default"
	_, err = tr.ProcessFrame(doc)
	assert.NoError(t, err)
}

func TestProcessFrame_ErrorLeavesStateUnchanged(t *testing.T) {
	tr := NewTranslator(mustConfig(t, "Default", "BodyOnly", false, false))

	good := bodyDoc()
	good["Body"].(map[string]any)["Rotations"].(map[string]any)["head"] = []any{1.0, 0.0, 0.0, 0.0}
	first, err := tr.ProcessFrame(good)
	require.NoError(t, err)

	bad := bodyDoc()
	bad["Body"].(map[string]any)["Rotations"].(map[string]any)["head"] = []any{0.0, 1.0, 0.0, 0.0}
	delete(bad["Body"].(map[string]any)["Rotations"].(map[string]any), "ball_r")
	_, err = tr.ProcessFrame(bad)
	require.Error(t, err)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, first.Transforms, tr.state)
}

func TestProcessFrame_DesktopRequiresUpperBodyOnly(t *testing.T) {
	tr := NewTranslator(mustConfig(t, "Default", "Desktop BodyOnly", false, false))

	rot := map[string]any{}
	for _, j := range bodyJoints {
		if j.upper {
			rot[j.name] = []any{0.0, 0.0, 0.0, 1.0}
		}
	}
	frame, err := tr.ProcessFrame(Document{"Body": map[string]any{"Rotations": rot}})
	require.NoError(t, err)
	assert.Equal(t, restTransform, frame.Transforms[tr.index["calf_l"]])
}

func TestProcessFrame_HandsKeepLastValue(t *testing.T) {
	tr := NewTranslator(mustConfig(t, "Default", "", false, false))

	doc := bodyDoc()
	doc["LeftHand"] = map[string]any{"Rotations": map[string]any{"index_02": []any{0.0, 1.0, 0.0, 0.0}}}
	_, err := tr.ProcessFrame(doc)
	require.NoError(t, err)

	frame, err := tr.ProcessFrame(bodyDoc())
	require.NoError(t, err)
	assert.Equal(t, [4]float64{0, 1, 0, 0}, frame.Transforms[tr.index["index_02_l"]].Rotation)
	assert.Equal(t, restTransform, frame.Transforms[tr.index["index_02_r"]])
}

func TestProcessFrame_Mirrored(t *testing.T) {
	tr := NewTranslator(mustConfig(t, "Default", "BodyOnly", true, false))

	doc := bodyDoc()
	doc["Body"].(map[string]any)["Rotations"].(map[string]any)["upperarm_l"] = []any{0.0, 0.6, 0.0, 0.8}

	frame, err := tr.ProcessFrame(doc)
	require.NoError(t, err)

	right := frame.Transforms[tr.index["upperarm_r"]].Rotation
	assert.InDelta(t, -0.6, right[1], 1e-9)
	assert.InDelta(t, 0.8, right[3], 1e-9)
	assert.Equal(t, [4]float64{0, 0, 0, 1}, frame.Transforms[tr.index["upperarm_l"]].Rotation)
}

func TestProcessFrame_RootMotion(t *testing.T) {
	withRoot := NewTranslator(mustConfig(t, "Default", "BodyOnly", false, true))
	noRoot := NewTranslator(mustConfig(t, "Default", "BodyOnly", false, false))

	doc := bodyDoc()
	doc["Root"] = map[string]any{"Location": []any{1.0, 2.0, 3.0}}

	frame, err := withRoot.ProcessFrame(doc)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1, 2, 3}, frame.Transforms[0].Location)

	frame, err = withRoot.ProcessFrame(bodyDoc())
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1, 2, 3}, frame.Transforms[0].Location, "absent root keeps last location")

	frame, err = noRoot.ProcessFrame(doc)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{}, frame.Transforms[0].Location)

	doc["Root"] = map[string]any{"Location": []any{1.0}}
	_, err = withRoot.ProcessFrame(doc)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestProcessFrame_DoesNotRetainDocument(t *testing.T) {
	tr := NewTranslator(mustConfig(t, "Default", "BodyOnly", false, false))

	doc := bodyDoc()
	frame, err := tr.ProcessFrame(doc)
	require.NoError(t, err)

	doc["Body"].(map[string]any)["Rotations"].(map[string]any)["head"] = []any{1.0, 0.0, 0.0, 0.0}
	frame.Transforms[0].Location = [3]float64{9, 9, 9}

	again, err := tr.ProcessFrame(bodyDoc())
	require.NoError(t, err)
	assert.Equal(t, [3]float64{}, again.Transforms[0].Location)
}
