//go:build !(darwin || linux) || nonative

package mirror

import (
	"context"
	"errors"
)

var errNativeDisabled = errors.New("native libraries disabled in this build")

// IsNativeCodecAvailable reports whether libmirror_codec can be loaded.
func IsNativeCodecAvailable() bool { return false }

// NativeCodecEngine is unavailable in this build.
type NativeCodecEngine struct{}

// NewNativeCodecEngine always fails in this build.
func NewNativeCodecEngine() (*NativeCodecEngine, error) {
	return nil, errors.Join(ErrBackendUnavailable, errNativeDisabled)
}

func (*NativeCodecEngine) ProbeDevice(HWDeviceType) bool { return false }

func (*NativeCodecEngine) NewDevice(HWDeviceType) (DeviceContext, error) {
	return nil, errNativeDisabled
}

func (*NativeCodecEngine) OpenEncoder(string, EncoderParams) (EngineEncoder, error) {
	return nil, errNativeDisabled
}

func (*NativeCodecEngine) OpenDecoder(string, DecoderParams) (EngineDecoder, error) {
	return nil, errNativeDisabled
}

func (*NativeCodecEngine) OpenAudioEncoder(string, AudioParams) (EngineAudioEncoder, error) {
	return nil, errNativeDisabled
}

func (*NativeCodecEngine) OpenAudioDecoder(string, AudioParams) (EngineAudioDecoder, error) {
	return nil, errNativeDisabled
}

// NativeCameraEngine is unavailable in this build.
type NativeCameraEngine struct{}

// NewNativeCameraEngine always fails in this build.
func NewNativeCameraEngine() (*NativeCameraEngine, error) {
	return nil, errors.Join(ErrBackendUnavailable, errNativeDisabled)
}

func (*NativeCameraEngine) Devices(context.Context) ([]SourceInfo, error) {
	return nil, errNativeDisabled
}

func (*NativeCameraEngine) Open(context.Context, string, CameraOpenConfig) (CameraSession, error) {
	return nil, errNativeDisabled
}
