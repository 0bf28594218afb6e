package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaOptions selects and tunes local capture.
type MediaOptions struct {
	// Source is "devices" (camera and microphone) or "synthetic".
	Source       string
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// NewMediaSource returns the capture backend named by opts.Source.
func NewMediaSource(opts MediaOptions) (MediaSource, error) {
	switch opts.Source {
	case "", "devices":
		return newDeviceSource(opts), nil
	case "synthetic":
		return SyntheticSource{}, nil
	default:
		return nil, fmt.Errorf("unknown media source %q", opts.Source)
	}
}

// trackStream is a LocalStream over a fixed set of tracks.
type trackStream struct {
	id     string
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
	live   atomic.Bool
}

func newTrackStream(tracks []webrtc.TrackLocal, stop func()) *trackStream {
	s := &trackStream{id: uuid.NewString(), tracks: tracks, stop: stop}
	s.live.Store(true)
	return s
}

func (s *trackStream) ID() string                  { return s.id }
func (s *trackStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *trackStream) Live() bool                  { return s.live.Load() }

func (s *trackStream) Stop() {
	s.once.Do(func() {
		s.live.Store(false)
		if s.stop != nil {
			s.stop()
		}
		log.Debugf("local stream %s stopped", s.id)
	})
}

// opusSilence is one 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces a VP8 video track and an Opus audio track that
// carries silence. It needs no devices, which suits headless nodes.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "synthetic-" + uuid.NewString()[:8]
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = audio.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()

	return newTrackStream([]webrtc.TrackLocal{video, audio}, func() { close(done) }), nil
}
