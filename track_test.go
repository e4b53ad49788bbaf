package mirror

import (
	"strings"
	"testing"
)

func TestTrackSink(t *testing.T) {
	sink, err := NewTrackSink(TrackSinkConfig{Audio: true})
	if err != nil {
		t.Fatalf("NewTrackSink failed: %v", err)
	}

	video := sink.VideoTrack()
	if video.Codec().MimeType != "video/H264" || video.Kind().String() != "video" {
		t.Errorf("Video track = %v %v", video.Codec().MimeType, video.Kind())
	}
	if !strings.HasPrefix(video.StreamID(), "mirror-") {
		t.Errorf("StreamID = %q", video.StreamID())
	}
	if sink.AudioTrack() == nil || sink.AudioTrack().StreamID() != video.StreamID() {
		t.Error("Audio track missing or on another stream")
	}
	if len(sink.Tracks()) != 2 {
		t.Errorf("Tracks() = %d, want 2", len(sink.Tracks()))
	}

	// Writes to tracks not yet bound to a peer connection are dropped.
	if err := sink.WriteVideoPacket(&Packet{Data: concat(testSPS, testPPS), Flags: PacketFlagConfig}); err != nil {
		t.Errorf("Config packet failed: %v", err)
	}
	if !bytesEqual(sink.config, concat(testSPS, testPPS)) {
		t.Error("Config packet not held")
	}
	if err := sink.WriteVideoPacket(&Packet{Data: testIDR, Flags: PacketFlagKey}); err != nil {
		t.Errorf("Keyframe failed: %v", err)
	}
	if err := sink.WriteAudioPacket(&Packet{Data: []byte{0xfc}, Flags: PacketFlagKey}); err != nil {
		t.Errorf("Audio packet failed: %v", err)
	}
}

func TestTrackSink_VideoOnly(t *testing.T) {
	sink, err := NewTrackSink(TrackSinkConfig{StreamID: "desk", FPS: 60})
	if err != nil {
		t.Fatalf("NewTrackSink failed: %v", err)
	}
	if sink.AudioTrack() != nil || len(sink.Tracks()) != 1 {
		t.Error("Audio track created without audio")
	}
	if sink.VideoTrack().StreamID() != "desk" {
		t.Errorf("StreamID = %q", sink.VideoTrack().StreamID())
	}
	if sink.videoDuration.Milliseconds() != 16 {
		t.Errorf("Video sample duration = %v", sink.videoDuration)
	}
	if err := sink.WriteAudioPacket(&Packet{Data: []byte{1}}); err != nil {
		t.Errorf("Audio write without a track failed: %v", err)
	}
}

func bytesEqual(a, b []byte) bool { return string(a) == string(b) }
