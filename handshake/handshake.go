// Package handshake parses the connection configuration a streaming device
// negotiates with a source: the skeleton to drive, the capture mode and
// whether poses are mirrored.
//
// The mode string is tokenised once at construction into a ModeSet. Feature
// flags are then answered by set membership instead of substring tests, so a
// mode such as "NotDesktop" can never be mistaken for "Desktop".
package handshake

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/c360/poselink/errors"
)

// Mode is one recognised capture-mode token.
type Mode string

// Recognised mode tokens.
const (
	ModeRoom     Mode = "Room"
	ModeDesktop  Mode = "Desktop"
	ModePortrait Mode = "Portrait"
	ModeBodyOnly Mode = "BodyOnly"
)

var knownModes = map[string]Mode{
	"room":     ModeRoom,
	"desktop":  ModeDesktop,
	"portrait": ModePortrait,
	"bodyonly": ModeBodyOnly,
}

// Default values used when a handshake leaves them unset.
const (
	DefaultRig       = "Default"
	DefaultSyncFPS   = 60
	DefaultCameraFPS = 30
)

// ModeSet is an immutable set of mode tokens.
type ModeSet struct {
	modes map[Mode]struct{}
}

// NewModeSet builds a set from the given tokens.
func NewModeSet(modes ...Mode) ModeSet {
	set := ModeSet{modes: make(map[Mode]struct{}, len(modes))}
	for _, m := range modes {
		set.modes[m] = struct{}{}
	}
	return set
}

// Has reports whether m is in the set.
func (s ModeSet) Has(m Mode) bool {
	_, ok := s.modes[m]
	return ok
}

// Len returns the number of tokens in the set.
func (s ModeSet) Len() int {
	return len(s.modes)
}

// Slice returns the tokens in lexical order.
func (s ModeSet) Slice() []Mode {
	out := make([]Mode, 0, len(s.modes))
	for m := range s.modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set the way devices expect it, e.g. "DesktopBodyOnly".
func (s ModeSet) String() string {
	var b strings.Builder
	for _, m := range s.Slice() {
		b.WriteString(string(m))
	}
	return b.String()
}

// Handshake is the negotiated configuration of one connection.
// It is a value type and never mutated after Parse.
type Handshake struct {
	Rig       string
	Modes     ModeSet
	Mirrored  bool
	SyncFPS   int
	CameraFPS int
}

// Parse builds a Handshake from its raw fields. An empty rig falls back to
// DefaultRig. The mode string may separate tokens with commas, pipes, plus
// signs or whitespace, or concatenate them in CamelCase ("DesktopBodyOnly").
func Parse(rig, mode string, mirrored bool) (Handshake, error) {
	modes, err := ParseModes(mode)
	if err != nil {
		return Handshake{}, err
	}

	rig = strings.TrimSpace(rig)
	if rig == "" {
		rig = DefaultRig
	}

	return Handshake{
		Rig:       rig,
		Modes:     modes,
		Mirrored:  mirrored,
		SyncFPS:   DefaultSyncFPS,
		CameraFPS: DefaultCameraFPS,
	}, nil
}

// WithRates returns a copy of h with the given frame rates. Non-positive
// values keep the current rate.
func (h Handshake) WithRates(syncFPS, cameraFPS int) Handshake {
	if syncFPS > 0 {
		h.SyncFPS = syncFPS
	}
	if cameraFPS > 0 {
		h.CameraFPS = cameraFPS
	}
	return h
}

// IncludeHands reports whether finger bones are streamed.
func (h Handshake) IncludeHands() bool {
	return !h.Modes.Has(ModeBodyOnly)
}

// IsDesktop reports whether the device runs in upper-body desktop mode.
func (h Handshake) IsDesktop() bool {
	return h.Modes.Has(ModeDesktop)
}

// Document renders the handshake reply sent to a device after its hello.
func (h Handshake) Document() ([]byte, error) {
	doc := struct {
		Rig       string `json:"rig"`
		Mode      string `json:"mode"`
		Mirror    string `json:"mirror"`
		SyncFPS   int    `json:"syncFPS"`
		CameraFPS int    `json:"cameraFPS"`
	}{
		Rig:       h.Rig,
		Mode:      h.Modes.String(),
		Mirror:    yesNo(h.Mirrored),
		SyncFPS:   h.SyncFPS,
		CameraFPS: h.CameraFPS,
	}
	return json.Marshal(doc)
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

// ParseModes tokenises a raw mode string into a ModeSet.
func ParseModes(raw string) (ModeSet, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '|' || r == '+' || unicode.IsSpace(r)
	})

	var modes []Mode
	for _, field := range fields {
		for _, word := range splitCamel(field) {
			m, ok := knownModes[strings.ToLower(word)]
			if !ok {
				return ModeSet{}, errors.WrapInvalid(
					fmt.Errorf("unknown mode token %q in %q", word, raw),
					"handshake", "ParseModes", "tokenise mode")
			}
			modes = append(modes, m)
		}
	}
	return NewModeSet(modes...), nil
}

// splitCamel splits a field into known tokens. A field that is itself a
// token (any case) is returned whole; otherwise it is split on upper-case
// boundaries and adjacent words are re-joined greedily so "BodyOnly"
// survives inside "DesktopBodyOnly".
func splitCamel(field string) []string {
	if _, ok := knownModes[strings.ToLower(field)]; ok {
		return []string{field}
	}

	var words []string
	start := 0
	runes := []rune(field)
	for i := 1; i < len(runes); i++ {
		if unicode.IsUpper(runes[i]) && !unicode.IsUpper(runes[i-1]) {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	words = append(words, string(runes[start:]))

	var out []string
	for i := 0; i < len(words); {
		j := len(words)
		for ; j > i+1; j-- {
			if _, ok := knownModes[strings.ToLower(strings.Join(words[i:j], ""))]; ok {
				break
			}
		}
		out = append(out, strings.Join(words[i:j], ""))
		i = j
	}
	return out
}
