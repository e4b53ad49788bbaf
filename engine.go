package mirror

import "errors"

// Engine status errors. Implementations of the engine interfaces return these
// (possibly wrapped) so sessions can classify failures.
var (
	ErrEngineAgain         = errors.New("engine: output not ready")
	ErrEngineEOF           = errors.New("engine: end of stream")
	ErrEngineInvalidData   = errors.New("engine: invalid data")
	ErrEngineInvalidConfig = errors.New("engine: invalid configuration")
)

// HWDeviceType identifies a hardware acceleration device.
type HWDeviceType int

const (
	HWDeviceNone HWDeviceType = iota
	HWDeviceD3D11VA
	HWDeviceQSV
	HWDeviceCUDA
	HWDeviceVideoToolbox
)

func (t HWDeviceType) String() string {
	switch t {
	case HWDeviceNone:
		return "none"
	case HWDeviceD3D11VA:
		return "d3d11va"
	case HWDeviceQSV:
		return "qsv"
	case HWDeviceCUDA:
		return "cuda"
	case HWDeviceVideoToolbox:
		return "videotoolbox"
	default:
		return "unknown"
	}
}

// CodecEngine is the video codec library behind encoder and decoder sessions.
type CodecEngine interface {
	// ProbeDevice reports whether a device of type t can be created.
	ProbeDevice(t HWDeviceType) bool
	NewDevice(t HWDeviceType) (DeviceContext, error)
	OpenEncoder(codec string, params EncoderParams) (EngineEncoder, error)
	OpenDecoder(codec string, params DecoderParams) (EngineDecoder, error)
}

// DeviceContext is an open hardware device.
type DeviceContext interface {
	Type() HWDeviceType
	// NewFramePool allocates a pool of size surfaces of format.
	NewFramePool(width, height int, format PixelFormat, size int) (FramePool, error)
	Release() error
}

// FramePool hands out hardware surfaces for encoder input.
type FramePool interface {
	Get() (*HardwareSurface, error)
	// Upload copies a software frame into surface.
	Upload(surface *HardwareSurface, src *VideoFrame) error
	Release() error
}

// EncoderParams are the fully resolved parameters for an engine encoder.
type EncoderParams struct {
	Width, Height int
	FPS           int
	PixelFormat   PixelFormat
	Profile       string

	Bitrate            int // bits per second
	RCMaxRate          int
	RCBufferSize       int
	RCInitialOccupancy int
	BitrateTolerance   int

	GOPSize      int
	MaxBFrames   int
	LowDelay     bool
	GlobalHeader bool

	Device DeviceContext // nil for software encoders
	Frames FramePool     // nil for software encoders

	Options map[string]string // engine private options
}

// EngineEncoder is an open engine encoder. Frames passed to SendFrame are
// borrowed for the call only.
type EngineEncoder interface {
	Extradata() []byte
	// SendFrame submits a frame; nil enters drain mode.
	SendFrame(f *VideoFrame) error
	// ReceivePacket fills p. It returns ErrEngineAgain when no output is
	// ready and ErrEngineEOF once drained. p.Data is valid until the next call.
	ReceivePacket(p *Packet) error
	Close() error
}

// DecoderParams are the parameters for an engine decoder.
type DecoderParams struct {
	Device  DeviceContext // nil for software decoding
	Threads int
	Options map[string]string
}

// EngineDecoder is an open engine decoder.
type EngineDecoder interface {
	// SendPacket submits one access unit; nil enters drain mode.
	SendPacket(data []byte, pts int64) error
	// ReceiveFrame returns the next frame, ErrEngineAgain when none is ready,
	// or ErrEngineEOF once drained. The frame is valid until the next call.
	ReceiveFrame() (*VideoFrame, error)
	Close() error
}

// AudioEngine is the audio codec library behind audio sessions.
type AudioEngine interface {
	OpenAudioEncoder(codec string, params AudioParams) (EngineAudioEncoder, error)
	OpenAudioDecoder(codec string, params AudioParams) (EngineAudioDecoder, error)
}

// AudioParams configure an engine audio codec.
type AudioParams struct {
	SampleRate int
	Channels   int
	Bitrate    int
	FrameSize  int // samples per channel per packet
	Options    map[string]string
}

// EngineAudioEncoder is an open engine audio encoder. SendFrame always
// receives exactly FrameSize samples per channel.
type EngineAudioEncoder interface {
	Extradata() []byte
	SendFrame(f *AudioFrame) error
	ReceivePacket(p *Packet) error
	Close() error
}

// EngineAudioDecoder is an open engine audio decoder.
type EngineAudioDecoder interface {
	SendPacket(data []byte, pts int64) error
	ReceiveFrame() (*AudioFrame, error)
	Close() error
}
