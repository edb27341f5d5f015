package audio

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// OggSink writes the remote opus track to an ogg file for playback or
// later review. Sink failures never disturb the session; callers log and
// move on.
type OggSink struct {
	writer *oggwriter.OggWriter
}

func NewOggSink(path string, sampleRate uint32, channels uint16) (*OggSink, error) {
	writer, err := oggwriter.New(path, sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("open ogg sink %q: %w", path, err)
	}
	return &OggSink{writer: writer}, nil
}

func (s *OggSink) WriteRTP(packet *rtp.Packet) error {
	return s.writer.WriteRTP(packet)
}

func (s *OggSink) Close() error {
	return s.writer.Close()
}

// DiscardSink drops remote audio, used when speech playback is disabled.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }
func (DiscardSink) Close() error               { return nil }
