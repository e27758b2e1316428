// Package media acquires local capture tracks through pion/mediadevices.
package media

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	// Register the capture drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/domain"
)

// Provider implements call.MediaProvider on the local capture devices.
type Provider struct {
	selector *mediadevices.CodecSelector
	hasVideo bool
}

// NewProvider builds the codec selector once; opus for audio, VP8 for video.
// hasVideo is the per-target capability switch: audio-only builds keep the
// same engine and just never offer video.
func NewProvider(hasVideo bool) (*Provider, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(&vpxParams),
	)
	return &Provider{selector: selector, hasVideo: hasVideo}, nil
}

func (p *Provider) Capability() call.Capability {
	return call.Capability{HasVideo: p.hasVideo}
}

// GetLocalMedia opens microphone (and camera for video calls) and hands the
// session exclusive ownership of the tracks.
func (p *Provider) GetLocalMedia(_ context.Context, kind domain.CallKind) (call.LocalTracks, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: p.selector,
	}
	if kind.HasVideo() && p.hasVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(1280)
			c.Height = prop.Int(720)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, Classify(err)
	}
	log.Info().Str("module", "media").Str("kind", string(kind)).Int("tracks", len(stream.GetTracks())).Msg("local media acquired")
	return newTracks(stream), nil
}

// Classify maps driver errors onto the session's failure taxonomy so the
// engine can surface a user-facing reason.
func Classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", call.ErrMediaDeviceAbsent, err)
	default:
		return fmt.Errorf("%w: %v", call.ErrMediaDeviceUnavailable, err)
	}
}

// Tracks owns one call's capture tracks. The enabled gates sit inside the
// sample pipeline of each track, so toggling never renegotiates: a muted
// audio track keeps encoding silence, a disabled video track black frames.
type Tracks struct {
	stream mediadevices.MediaStream

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu     sync.Mutex
	closed bool
}

func newTracks(stream mediadevices.MediaStream) *Tracks {
	t := &Tracks{stream: stream}
	t.audioOn.Store(true)
	t.videoOn.Store(true)
	for _, tr := range stream.GetTracks() {
		switch tr := tr.(type) {
		case *mediadevices.AudioTrack:
			tr.Transform(silenceWhenOff(&t.audioOn))
		case *mediadevices.VideoTrack:
			tr.Transform(blankWhenOff(&t.videoOn))
		}
	}
	return t
}

// silenceWhenOff substitutes zeroed chunks of the captured shape while the
// gate is off, keeping the encoder fed at the capture cadence.
func silenceWhenOff(on *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || on.Load() {
				return chunk, release, err
			}
			return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
		})
	}
}

// blankWhenOff substitutes black frames while the gate is off.
func blankWhenOff(on *atomic.Bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		var blank *image.RGBA
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || on.Load() {
				return img, release, err
			}
			if blank == nil || !blank.Bounds().Eq(img.Bounds()) {
				blank = image.NewRGBA(img.Bounds())
			}
			return blank, release, nil
		})
	}
}

func (t *Tracks) TrackLocals() []webrtc.TrackLocal {
	tracks := t.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, tr := range tracks {
		out = append(out, tr)
	}
	return out
}

func (t *Tracks) SetAudioEnabled(enabled bool) {
	t.audioOn.Store(enabled)
	log.Info().Str("module", "media").Bool("enabled", enabled).Msg("audio toggle")
}

func (t *Tracks) SetVideoEnabled(enabled bool) {
	t.videoOn.Store(enabled)
	log.Info().Str("module", "media").Bool("enabled", enabled).Msg("video toggle")
}

// Close stops every capture track. Safe to call more than once; the session's
// cleanup runs from several trigger points.
func (t *Tracks) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	for _, tr := range t.stream.GetTracks() {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("track_id", tr.ID()).Msg("track close")
		}
	}
}
