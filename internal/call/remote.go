package call

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// rtpStats accumulates what arrived on one remote track.
type rtpStats struct {
	packets uint64
	bytes   uint64
	lost    uint64
	started bool
	lastSeq uint16
}

// observe counts pkt and any sequence gap since the previous packet.
// Reordered or duplicate packets are not counted as loss.
func (s *rtpStats) observe(pkt *rtp.Packet) {
	s.packets++
	s.bytes += uint64(len(pkt.Payload))
	seq := pkt.SequenceNumber
	if !s.started {
		s.started = true
		s.lastSeq = seq
		return
	}
	diff := seq - s.lastSeq
	if diff == 0 || diff > 0x8000 {
		return
	}
	s.lost += uint64(diff - 1)
	s.lastSeq = seq
}

// readRemote consumes a remote track until the connection closes. For video
// it also requests a keyframe periodically so a late decoder can start.
func (p *pionPeer) readRemote(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo && p.opts.PLIInterval > 0 {
		go p.requestKeyframes(uint32(track.SSRC()))
	}

	var st rtpStats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		st.observe(pkt)
	}
	log.Debugf("[%s] remote %s track %s done: %d packets, %d bytes, %d lost",
		p.label, track.Kind(), track.ID(), st.packets, st.bytes, st.lost)
}

func (p *pionPeer) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(p.opts.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}
