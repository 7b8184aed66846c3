package vibe

import (
	"context"
	"errors"
)

// TrackKind names one media track of a local stream.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Valid reports whether k is a known track kind.
func (k TrackKind) Valid() bool {
	return k == TrackVideo || k == TrackAudio
}

// Range is an ideal value hint for a media constraint.
type Range struct {
	Ideal int `json:"ideal"`
}

// VideoConstraints mirror the getUserMedia video constraint set.
type VideoConstraints struct {
	Width      *Range `json:"width,omitempty"`
	Height     *Range `json:"height,omitempty"`
	FrameRate  *Range `json:"frameRate,omitempty"`
	FacingMode string `json:"facingMode,omitempty"`
}

// AudioConstraints mirror the getUserMedia audio constraint set.
type AudioConstraints struct {
	EchoCancellation bool `json:"echoCancellation,omitempty"`
	NoiseSuppression bool `json:"noiseSuppression,omitempty"`
	AutoGainControl  bool `json:"autoGainControl,omitempty"`
}

// Constraints select the quality of the acquired stream.
type Constraints struct {
	Video VideoConstraints `json:"video"`
	Audio AudioConstraints `json:"audio"`
}

// DefaultConstraints asks for a 640x480 front camera at 30fps with voice
// processing enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		Video: VideoConstraints{
			Width:      &Range{Ideal: 640},
			Height:     &Range{Ideal: 480},
			FrameRate:  &Range{Ideal: 30},
			FacingMode: "user",
		},
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

// BasicConstraints accept any camera and microphone.
func BasicConstraints() Constraints {
	return Constraints{}
}

// Track describes one track of an acquired stream.
type Track struct {
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// MediaDevice acquires the local camera and microphone.
type MediaDevice interface {
	Acquire(ctx context.Context, constraints Constraints) (MediaStream, error)
}

// MediaStream is an acquired local stream. Stop releases every track and
// must be safe to call more than once.
type MediaStream interface {
	Tracks() []Track
	SetTrackEnabled(kind TrackKind, enabled bool) error
	Stop()
}

// acquireMedia requests the default constraints and falls back to basic
// constraints once when the device cannot satisfy them.
func acquireMedia(ctx context.Context, device MediaDevice) (MediaStream, error) {
	if device == nil {
		return nil, NewMediaError(ErrDeviceUnavailable)
	}
	stream, err := device.Acquire(ctx, DefaultConstraints())
	if errors.Is(err, ErrOverconstrained) {
		stream, err = device.Acquire(ctx, BasicConstraints())
	}
	if err != nil {
		return nil, NewMediaError(err)
	}
	return stream, nil
}

// trackEnabled reports the enabled flag of the first track of kind.
func trackEnabled(stream MediaStream, kind TrackKind) bool {
	if stream == nil {
		return false
	}
	for _, t := range stream.Tracks() {
		if t.Kind == kind {
			return t.Enabled
		}
	}
	return false
}
