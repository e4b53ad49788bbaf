package mirror

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/pion/rtp"
)

// rtpCollector is an io.Writer that keeps every datagram.
type rtpCollector struct {
	mu      sync.Mutex
	packets [][]byte
	err     error
}

func (c *rtpCollector) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.packets = append(c.packets, append([]byte(nil), b...))
	return len(b), nil
}

func (c *rtpCollector) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.packets
	c.packets = nil
	return out
}

func unmarshalAll(t *testing.T, bufs [][]byte) []*rtp.Packet {
	t.Helper()
	out := make([]*rtp.Packet, 0, len(bufs))
	for i, b := range bufs {
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(b); err != nil {
			t.Fatalf("Packet %d does not parse: %v", i, err)
		}
		out = append(out, pkt)
	}
	return out
}

func TestRTPSink_Video(t *testing.T) {
	out := &rtpCollector{}
	cfg := DefaultRTPSinkConfig()
	sink := NewRTPSink(out, cfg)

	if err := sink.WriteVideoPacket(&Packet{Data: concat(testSPS, testPPS), Flags: PacketFlagConfig}); err != nil {
		t.Fatalf("Config packet failed: %v", err)
	}
	if len(out.take()) != 0 {
		t.Fatal("Config packet was sent on its own")
	}

	if err := sink.WriteVideoPacket(&Packet{Data: testIDR, Flags: PacketFlagKey}); err != nil {
		t.Fatalf("Keyframe failed: %v", err)
	}
	key := unmarshalAll(t, out.take())
	if len(key) == 0 {
		t.Fatal("No RTP packets for the keyframe")
	}
	var payload []byte
	for i, p := range key {
		if p.PayloadType != cfg.VideoPayloadType || p.SSRC != cfg.VideoSSRC {
			t.Errorf("Packet %d pt=%d ssrc=%x", i, p.PayloadType, p.SSRC)
		}
		if p.Timestamp != key[0].Timestamp {
			t.Errorf("Packet %d timestamp %d differs within one frame", i, p.Timestamp)
		}
		if p.Marker != (i == len(key)-1) {
			t.Errorf("Packet %d marker = %v", i, p.Marker)
		}
		payload = append(payload, p.Payload...)
	}
	// SPS (0x67) and PPS (0x68) travel with the keyframe.
	if !bytes.Contains(payload, testSPS[4:]) || !bytes.Contains(payload, testPPS[4:]) {
		t.Errorf("Parameter sets not sent with the keyframe: %x", payload)
	}

	if err := sink.WriteVideoPacket(&Packet{Data: testSlice1}); err != nil {
		t.Fatalf("Delta frame failed: %v", err)
	}
	delta := unmarshalAll(t, out.take())
	if len(delta) != 1 || delta[0].Timestamp != key[0].Timestamp+3000 {
		t.Errorf("Delta frame packets = %d, timestamp step = %d", len(delta), delta[0].Timestamp-key[0].Timestamp)
	}
	if delta[0].SequenceNumber != key[len(key)-1].SequenceNumber+1 {
		t.Error("Sequence numbers not contiguous")
	}

	st := sink.Stats()
	if st.VideoPackets != uint64(len(key)+1) || st.Bytes == 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRTPSink_Audio(t *testing.T) {
	out := &rtpCollector{}
	cfg := DefaultRTPSinkConfig()
	sink := NewRTPSink(out, cfg)

	sink.WriteAudioPacket(&Packet{Data: []byte("OpusHead"), Flags: PacketFlagConfig})
	sink.WriteAudioPacket(&Packet{})
	if len(out.take()) != 0 {
		t.Fatal("Config or empty audio packet was sent")
	}

	opus := []byte{0xfc, 0x01, 0x02}
	if err := sink.WriteAudioPacket(&Packet{Data: opus, Flags: PacketFlagKey}); err != nil {
		t.Fatalf("WriteAudioPacket failed: %v", err)
	}
	pkts := unmarshalAll(t, out.take())
	if len(pkts) != 1 || pkts[0].PayloadType != cfg.AudioPayloadType || !bytes.Equal(pkts[0].Payload, opus) {
		t.Errorf("Audio RTP = %+v", pkts)
	}
	if sink.Stats().AudioPackets != 1 {
		t.Errorf("AudioPackets = %d", sink.Stats().AudioPackets)
	}
}

func TestRTPSink_WriteError(t *testing.T) {
	out := &rtpCollector{err: errors.New("network unreachable")}
	sink := NewRTPSink(out, DefaultRTPSinkConfig())
	if err := sink.WriteVideoPacket(&Packet{Data: testSlice1}); !errors.Is(err, out.err) {
		t.Errorf("Expected write error, got %v", err)
	}
	if sink.Stats().VideoPackets != 0 {
		t.Error("Failed packet was counted")
	}
}

func TestRTPDepacketizer_RoundTrip(t *testing.T) {
	out := &rtpCollector{}
	cfg := DefaultRTPSinkConfig()
	sink := NewRTPSink(out, cfg)

	engine := newFakeCodecEngine(nil)
	frames := &recordingSink{}
	receiver, err := NewReceiver(ReceiverConfig{
		Engine:      engine,
		AudioEngine: &fakeAudioEngine{},
		Video:       VideoDecoderSettings{Provider: ProviderH264},
		Sink:        frames,
	})
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	depay := NewRTPDepacketizer(receiver, cfg)

	sink.WriteVideoPacket(&Packet{Data: concat(testSPS, testPPS), Flags: PacketFlagConfig})
	sink.WriteVideoPacket(&Packet{Data: testIDR, Flags: PacketFlagKey})
	sink.WriteVideoPacket(&Packet{Data: testSlice1})
	sink.WriteVideoPacket(&Packet{Data: testSlice2})
	sink.WriteAudioPacket(&Packet{Data: []byte{0x10}, Flags: PacketFlagKey})

	for i, buf := range out.take() {
		if err := depay.HandleRTP(buf); err != nil {
			t.Fatalf("HandleRTP %d failed: %v", i, err)
		}
	}
	if err := receiver.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if frames.video.Load() != 3 || frames.audio.Load() != 1 {
		t.Errorf("Decoded video=%d audio=%d, want 3 and 1", frames.video.Load(), frames.audio.Load())
	}
	units := engine.decoder(0).received()
	if len(units) != 3 || !isKeyframeAU(units[0]) || !bytes.Contains(units[0], testSPS[4:]) {
		t.Errorf("Decoder units = %x", units)
	}
}

func TestRTPDepacketizer_Ignores(t *testing.T) {
	frames := &recordingSink{}
	receiver, err := NewReceiver(ReceiverConfig{Engine: newFakeCodecEngine(nil), Sink: frames})
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	defer receiver.Close()
	depay := NewRTPDepacketizer(receiver, DefaultRTPSinkConfig())

	other := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 50, SSRC: 1}, Payload: []byte{1, 2, 3}}
	buf, err := other.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := depay.HandleRTP(buf); err != nil {
		t.Errorf("Unknown payload type not ignored: %v", err)
	}
	if err := depay.HandleRTP([]byte{0x80}); err == nil {
		t.Error("Expected truncated packet to fail")
	}
	if frames.video.Load() != 0 {
		t.Error("Ignored packet produced a frame")
	}
}
