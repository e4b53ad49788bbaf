package mirror

import (
	"errors"
	"fmt"
	"strconv"
)

// CodecErrorKind classifies codec session failures.
type CodecErrorKind int

const (
	CodecHardwareUnavailable CodecErrorKind = iota + 1 // Device or frame pool could not be created
	CodecOpenFailed                                    // Engine failed to open the codec
	CodecConfigRejected                                // Engine rejected the parameters
	CodecSendFailed                                    // Submitting input failed; the session is unusable
	CodecReceiveFailed                                 // Reading output failed
	CodecReceiveEmpty                                  // Session drained, no more output
)

// Kind sentinels, matched with errors.Is against a *CodecError.
var (
	ErrHardwareUnavailable = errors.New("hardware unavailable")
	ErrOpenFailed          = errors.New("open failed")
	ErrConfigRejected      = errors.New("configuration rejected")
	ErrSendFailed          = errors.New("send failed")
	ErrReceiveFailed       = errors.New("receive failed")
	ErrReceiveEmpty        = errors.New("no more output")
)

func (k CodecErrorKind) sentinel() error {
	switch k {
	case CodecHardwareUnavailable:
		return ErrHardwareUnavailable
	case CodecOpenFailed:
		return ErrOpenFailed
	case CodecConfigRejected:
		return ErrConfigRejected
	case CodecSendFailed:
		return ErrSendFailed
	case CodecReceiveFailed:
		return ErrReceiveFailed
	case CodecReceiveEmpty:
		return ErrReceiveEmpty
	default:
		return nil
	}
}

func (k CodecErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown codec error"
}

// CodecError reports a codec session failure.
type CodecError struct {
	Op    string
	Kind  CodecErrorKind
	Codec string
	Err   error
}

func (e *CodecError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Codec, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Codec, e.Kind, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind.
func (e *CodecError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// IsCodecKind reports whether err is a *CodecError of kind.
func IsCodecKind(err error, kind CodecErrorKind) bool {
	var ce *CodecError
	return errors.As(err, &ce) && ce.Kind == kind
}

func codecErr(op string, kind CodecErrorKind, p Provider, err error) *CodecError {
	return &CodecError{Op: op, Kind: kind, Codec: p.String(), Err: err}
}

// openErrorKind maps an engine open failure to its kind.
func openErrorKind(err error) CodecErrorKind {
	if errors.Is(err, ErrEngineInvalidConfig) {
		return CodecConfigRejected
	}
	return CodecOpenFailed
}

// VideoEncoderSettings configure a video encoder session.
type VideoEncoderSettings struct {
	Provider         Provider `mapstructure:"provider"`
	Width            int      `mapstructure:"width"`
	Height           int      `mapstructure:"height"`
	FPS              int      `mapstructure:"fps"`
	Bitrate          int      `mapstructure:"bitrate"`            // bits per second
	KeyFrameInterval int      `mapstructure:"key_frame_interval"` // frames
	PoolSize         int      `mapstructure:"pool_size"`          // hardware surfaces

	// Device is an optional shared hardware device. The session does not
	// release a device it did not create.
	Device DeviceContext `mapstructure:"-"`
}

// DefaultVideoEncoderSettings returns low-latency settings for width x height.
func DefaultVideoEncoderSettings(width, height int) VideoEncoderSettings {
	return VideoEncoderSettings{
		Provider:         ProviderAuto,
		Width:            width,
		Height:           height,
		FPS:              30,
		Bitrate:          4_000_000,
		KeyFrameInterval: 120,
		PoolSize:         4,
	}
}

// VideoDecoderSettings configure a video decoder session.
type VideoDecoderSettings struct {
	Provider Provider      `mapstructure:"provider"`
	Threads  int           `mapstructure:"threads"`
	Device   DeviceContext `mapstructure:"-"`
}

// DefaultVideoDecoderSettings probes hardware decoders first.
func DefaultVideoDecoderSettings() VideoDecoderSettings {
	return VideoDecoderSettings{Provider: ProviderAuto, Threads: 1}
}

// encoderParams applies the low-latency tuning shared by every encoder and
// the provider specific options on top.
func encoderParams(p Provider, s VideoEncoderSettings) EncoderParams {
	bitrate := s.Bitrate
	if p == ProviderQSV {
		bitrate /= 2
	}
	gop := s.KeyFrameInterval / 2
	if gop < 1 {
		gop = 1
	}

	params := EncoderParams{
		Width:              s.Width,
		Height:             s.Height,
		FPS:                s.FPS,
		PixelFormat:        PixelFormatNV12,
		Profile:            "baseline",
		Bitrate:            bitrate,
		RCMaxRate:          bitrate,
		RCBufferSize:       bitrate,
		RCInitialOccupancy: bitrate * 3 / 4,
		BitrateTolerance:   bitrate,
		GOPSize:            gop,
		MaxBFrames:         0,
		LowDelay:           true,
		GlobalHeader:       true,
		Options:            make(map[string]string),
	}

	switch p {
	case ProviderQSV:
		params.Options["async_depth"] = "1"
		params.Options["low_power"] = "1"
		params.Options["vcm"] = "1"
	case ProviderNVENC:
		params.Options["zerolatency"] = "1"
		params.Options["b_adapt"] = "0"
		params.Options["rc"] = "cbr"
		params.Options["preset"] = "7"
		params.Options["tune"] = "3"
	case ProviderX264:
		params.Options["preset"] = "superfast"
		params.Options["tune"] = "zerolatency"
		params.Options["nal-hrd"] = "cbr"
		params.Options["sc_threshold"] = strconv.Itoa(s.KeyFrameInterval)
	}
	return params
}
