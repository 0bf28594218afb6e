package call

import (
	"testing"

	"github.com/pion/rtp"
)

func TestRTPStatsCountsGaps(t *testing.T) {
	seqs := []uint16{65533, 65534, 1, 2, 2, 0, 5}
	var st rtpStats
	for _, s := range seqs {
		st.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: s}, Payload: []byte{1, 2, 3}})
	}
	if st.packets != uint64(len(seqs)) {
		t.Errorf("packets = %d, want %d", st.packets, len(seqs))
	}
	if st.bytes != uint64(3*len(seqs)) {
		t.Errorf("bytes = %d", st.bytes)
	}
	// 65535 and 0 lost across the wrap, 3 and 4 lost before 5.
	if st.lost != 4 {
		t.Errorf("lost = %d, want 4", st.lost)
	}
}
