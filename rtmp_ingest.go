package mirror

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV video tag fields.
const (
	flvCodecAVC       = 7
	flvFrameKey       = 1
	flvAVCSequenceHdr = 0
	flvAVCNALU        = 1
)

var errShortFLVTag = errors.New("flv video tag too short")

// RTMPIngest accepts RTMP publishers (ffmpeg, OBS) and feeds their H.264
// video into a Receiver. One publisher is live at a time; a new publish
// replaces the previous one.
type RTMPIngest struct {
	receiver *Receiver
	log      *logrus.Entry

	mu   sync.Mutex
	live *rtmpPublisher
}

// NewRTMPIngest creates an ingest delivering into r.
func NewRTMPIngest(r *Receiver) *RTMPIngest {
	return &RTMPIngest{receiver: r, log: componentLog("rtmp")}
}

// Serve accepts RTMP connections on ln. It returns when ln is closed.
func (in *RTMPIngest) Serve(ln net.Listener) error {
	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: in.newPublisher(conn.RemoteAddr().String()),
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
				Logger: in.log,
			}
		},
	})
	in.log.WithField("addr", ln.Addr().String()).Info("rtmp ingest listening")
	return srv.Serve(ln)
}

// Publishing returns the name of the live stream, if any.
func (in *RTMPIngest) Publishing() (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.live == nil {
		return "", false
	}
	return in.live.name, true
}

func (in *RTMPIngest) newPublisher(remote string) *rtmpPublisher {
	return &rtmpPublisher{ingest: in, log: in.log.WithField("remote", remote)}
}

func (in *RTMPIngest) isLive(p *rtmpPublisher) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.live == p
}

// rtmpPublisher handles one RTMP connection.
type rtmpPublisher struct {
	rtmp.DefaultHandler
	ingest *RTMPIngest
	log    *logrus.Entry
	name   string
	video  flvVideoReader
}

func (p *rtmpPublisher) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	p.name = cmd.PublishingName
	p.log = p.log.WithField("stream", p.name)

	p.ingest.mu.Lock()
	prev := p.ingest.live
	p.ingest.live = p
	p.ingest.mu.Unlock()

	if prev != nil {
		p.log.WithField("replaced", prev.name).Warn("publisher replaced")
	}
	p.log.Info("publishing")
	return nil
}

func (p *rtmpPublisher) OnVideo(timestamp uint32, payload io.Reader) error {
	if !p.ingest.isLive(p) {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	pkt, err := p.video.packet(buf.Bytes(), timestamp)
	if err != nil {
		p.log.WithError(err).Debug("dropping video tag")
		return nil
	}
	if pkt == nil {
		return nil
	}
	return p.ingest.receiver.HandleVideoPacket(pkt)
}

func (p *rtmpPublisher) OnClose() {
	p.ingest.mu.Lock()
	if p.ingest.live == p {
		p.ingest.live = nil
	}
	p.ingest.mu.Unlock()
	p.log.Info("disconnected")
}

// flvVideoReader converts FLV video tag bodies of one stream into Annex-B
// packets. NAL units are split with the length size announced by the last
// sequence header, 4 bytes until one arrives.
type flvVideoReader struct {
	lengthSize int
}

// packet converts one tag. Sequence headers become configuration packets.
// Tags of other codecs and end-of-sequence markers yield nil. Timestamps are
// converted from milliseconds to the 90 kHz clock and include the
// composition offset.
func (r *flvVideoReader) packet(tag []byte, timestamp uint32) (*Packet, error) {
	if len(tag) < 5 {
		return nil, errShortFLVTag
	}
	frameType := tag[0] >> 4
	if tag[0]&0x0F != flvCodecAVC {
		return nil, nil
	}
	cts := int32(uint32(tag[2])<<16|uint32(tag[3])<<8|uint32(tag[4])) << 8 >> 8
	body := tag[5:]

	switch tag[1] {
	case flvAVCSequenceHdr:
		sets, lengthSize, err := avcConfigParameterSets(body)
		if err != nil {
			return nil, err
		}
		r.lengthSize = lengthSize
		return &Packet{Data: annexB(sets), Flags: PacketFlagConfig}, nil
	case flvAVCNALU:
		lengthSize := r.lengthSize
		if lengthSize == 0 {
			lengthSize = 4
		}
		nalus, err := avccNALUnits(body, lengthSize)
		if err != nil {
			return nil, err
		}
		if len(nalus) == 0 {
			return nil, nil
		}
		pkt := &Packet{Data: annexB(nalus), Timestamp: (int64(timestamp) + int64(cts)) * 90}
		if frameType == flvFrameKey {
			pkt.Flags |= PacketFlagKey
		}
		return pkt, nil
	default:
		return nil, nil
	}
}

// avcConfigParameterSets returns the SPS and PPS NAL units of an
// AVCDecoderConfigurationRecord and the size of the NAL length prefixes that
// follow it.
func avcConfigParameterSets(rec []byte) ([][]byte, int, error) {
	if len(rec) < 5 {
		return nil, 0, fmt.Errorf("avc config record: truncated")
	}
	lengthSize := int(rec[4]&3) + 1
	if lengthSize == 3 {
		return nil, 0, fmt.Errorf("avc config record: unsupported nal length size %d", lengthSize)
	}
	var sets [][]byte
	off := 5
	// SPS count (low 5 bits), then PPS count.
	for _, mask := range []byte{0x1F, 0xFF} {
		if off >= len(rec) {
			return nil, 0, fmt.Errorf("avc config record: truncated")
		}
		count := int(rec[off] & mask)
		off++
		for n := 0; n < count; n++ {
			if off+2 > len(rec) {
				return nil, 0, fmt.Errorf("avc config record: truncated")
			}
			size := int(binary.BigEndian.Uint16(rec[off:]))
			off += 2
			if off+size > len(rec) {
				return nil, 0, fmt.Errorf("avc config record: truncated")
			}
			sets = append(sets, rec[off:off+size])
			off += size
		}
	}
	if len(sets) == 0 {
		return nil, 0, fmt.Errorf("avc config record: no parameter sets")
	}
	return sets, lengthSize, nil
}

// avccNALUnits splits a buffer of NAL units prefixed with big-endian lengths
// of lengthSize (1, 2 or 4) bytes.
func avccNALUnits(data []byte, lengthSize int) ([][]byte, error) {
	var nalus [][]byte
	for off := 0; off < len(data); {
		if off+lengthSize > len(data) {
			return nil, fmt.Errorf("avcc: truncated length at %d", off)
		}
		var size int
		switch lengthSize {
		case 1:
			size = int(data[off])
		case 2:
			size = int(binary.BigEndian.Uint16(data[off:]))
		default:
			size = int(binary.BigEndian.Uint32(data[off:]))
		}
		off += lengthSize
		if size == 0 || off+size > len(data) {
			return nil, fmt.Errorf("avcc: bad nal size %d at %d", size, off)
		}
		nalus = append(nalus, data[off:off+size])
		off += size
	}
	return nalus, nil
}

func annexB(nalus [][]byte) []byte {
	n := 0
	for _, nal := range nalus {
		n += 4 + len(nal)
	}
	out := make([]byte, 0, n)
	for _, nal := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nal...)
	}
	return out
}
