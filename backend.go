package mirror

import (
	"context"
	"fmt"
)

// BackendKind identifies one of the capture backend variants.
type BackendKind int32

const (
	BackendNone       BackendKind = iota
	BackendCamera                 // Camera engine, one sample loop goroutine
	BackendLegacyBlit             // Screen grabber, one worker goroutine at the target rate
	BackendCompositor             // Scene compositor, engine-owned callbacks
)

func (k BackendKind) String() string {
	switch k {
	case BackendNone:
		return "none"
	case BackendCamera:
		return "camera"
	case BackendLegacyBlit:
		return "legacy-blit"
	case BackendCompositor:
		return "compositor"
	default:
		return "unknown"
	}
}

// FrameWriter is the producer side of the dispatcher. Backends tag every
// frame with their own kind so frames from a backend being replaced are
// rejected.
type FrameWriter interface {
	WriteVideo(origin BackendKind, f *VideoFrame) bool
	WriteAudio(origin BackendKind, f *AudioFrame) bool
	// Close reports that the backend stopped producing because of err
	// (nil for end of stream). It must not be called after Stop returns.
	Close(origin BackendKind, err error)
}

// Backend is one capture variant. Start returns once the backend is
// producing or has failed; Stop returns only after every goroutine the
// backend started has exited. Stop is safe after a failed Start and safe to
// call twice.
type Backend interface {
	Kind() BackendKind
	Start(ctx context.Context, src SourceDescriptor, settings CaptureSettings, out FrameWriter) error
	Stop() error
}

// Retargeter is implemented by backends that can switch to another source
// of a compatible kind without being restarted.
type Retargeter interface {
	Retarget(ctx context.Context, src SourceDescriptor, settings CaptureSettings) error
}

// Engines are the platform engines a Capture and Registry drive. Any of them
// may be nil, in which case the sources it serves are unavailable.
type Engines struct {
	Scene   SceneEngine
	Camera  CameraEngine
	Grabber ScreenGrabber
}

// SelectBackend maps a source kind and capture method to the backend that
// serves it. Method only matters for screens.
func SelectBackend(kind SourceKind, method CaptureMethod) BackendKind {
	switch {
	case kind == SourceKindCamera:
		return BackendCamera
	case kind == SourceKindScreen && method == CaptureMethodLegacyBlit:
		return BackendLegacyBlit
	default:
		return BackendCompositor
	}
}

// newBackend creates an idle backend of the requested kind.
func (e Engines) newBackend(kind BackendKind) (Backend, error) {
	switch kind {
	case BackendCamera:
		if e.Camera == nil {
			return nil, fmt.Errorf("%w: no camera engine", ErrBackendUnavailable)
		}
		return newCameraBackend(e.Camera), nil
	case BackendLegacyBlit:
		if e.Grabber == nil {
			return nil, fmt.Errorf("%w: no screen grabber", ErrBackendUnavailable)
		}
		return newBlitBackend(e.Grabber), nil
	case BackendCompositor:
		if e.Scene == nil {
			return nil, fmt.Errorf("%w: no scene engine", ErrBackendUnavailable)
		}
		return newCompositorBackend(e.Scene), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, kind)
	}
}
