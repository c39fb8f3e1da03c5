// Package rig turns loosely structured pose documents into validated
// animation frames for one configured skeleton.
//
// A Config is derived once from a connection handshake. MakeStaticDefinition
// produces the bone hierarchy a consumer needs before any frame arrives, and a
// Translator converts each incoming Document into an AnimationFrame whose
// transforms line up index for index with that hierarchy.
package rig

import (
	"fmt"

	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/handshake"
)

// Supported skeleton identifiers.
const (
	SkeletonDefault = "Default"
	SkeletonMixamo  = "Mixamo"
)

// Config describes how pose documents map onto a skeleton. Immutable.
type Config struct {
	SkeletonID    string
	UseRootMotion bool
	IncludeHands  bool
	IsMirrored    bool
	IsDesktop     bool
}

// NewConfig derives a Config from a handshake and the source-level
// root-motion flag.
func NewConfig(h handshake.Handshake, useRootMotion bool) (Config, error) {
	if _, ok := skeletons[h.Rig]; !ok {
		return Config{}, errors.WrapInvalid(
			fmt.Errorf("unsupported skeleton %q", h.Rig),
			"rig", "NewConfig", "resolve skeleton")
	}
	return Config{
		SkeletonID:    h.Rig,
		UseRootMotion: useRootMotion,
		IncludeHands:  h.IncludeHands(),
		IsMirrored:    h.Mirrored,
		IsDesktop:     h.IsDesktop(),
	}, nil
}

// SupportedSkeletons lists the skeleton identifiers NewConfig accepts.
func SupportedSkeletons() []string {
	return []string{SkeletonDefault, SkeletonMixamo}
}
