//go:build linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the camera and microphone via pion/mediadevices
// (V4L2 + malgo).
type DeviceSource struct {
	opts MediaOptions
}

func newDeviceSource(opts MediaOptions) MediaSource {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 640
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 480
	}
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = 1_500_000
	}
	return &DeviceSource{opts: opts}
}

// Acquire tries video+audio, then video-only, then audio-only. If every
// attempt fails it returns ErrMediaUnavailable; there is no receive-only call.
func (d *DeviceSource) Acquire(ctx context.Context) (LocalStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = d.opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn("no media devices found")
		return nil, ErrMediaUnavailable
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some MJPEG nodes emit frames that break VP8.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
				c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		devTracks := stream.GetTracks()
		if broken := probeVideo(devTracks); broken != nil {
			log.Warnf("video track broken, skipping %s: %v", a.label, broken)
			for _, t := range devTracks {
				t.Close()
			}
			lastErr = broken
			continue
		}

		tracks := make([]webrtc.TrackLocal, 0, len(devTracks))
		for _, t := range devTracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			tracks = append(tracks, t)
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return newTrackStream(tracks, func() {
			for _, t := range devTracks {
				t.Close()
			}
		}), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}

// probeVideo opens and closes a VP8 reader on each video track to catch a
// poisoned encoder before it reaches SDP negotiation.
func probeVideo(tracks []mediadevices.Track) error {
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			return err
		}
		_ = r.Close()
	}
	return nil
}
