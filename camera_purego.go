//go:build (darwin || linux) && !nonative

package mirror

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	cameraLibOnce    sync.Once
	cameraLibHandle  uintptr
	cameraLibInitErr error
)

// libmirror_camera function pointers
var (
	mirrorCameraCount         func() int32
	mirrorCameraInfo          func(index int32, result uintptr) int32
	mirrorCameraOpen          func(id string, width, height, fps, format int32) uint64
	mirrorCameraNext          func(session uint64, timeoutMs int32, sample uintptr) int32
	mirrorCameraSampleLock    func(sample uint64, frame uintptr) int32
	mirrorCameraSampleUnlock  func(sample uint64)
	mirrorCameraSampleRelease func(sample uint64)
	mirrorCameraClose         func(session uint64)
	mirrorCameraGetError      func() uintptr
)

// cameraPollMs bounds each blocking read so cancellation is noticed.
const cameraPollMs = 100

// nativeCameraInfo mirrors mirror_camera_info.
type nativeCameraInfo struct {
	ID      [256]byte
	Name    [256]byte
	Default int32
}

func loadCameraLib() error {
	cameraLibOnce.Do(func() {
		cameraLibHandle, cameraLibInitErr = dlopenFirst("mirror_camera", nativeLibPaths("mirror_camera"))
		if cameraLibInitErr != nil {
			return
		}
		h := cameraLibHandle
		purego.RegisterLibFunc(&mirrorCameraCount, h, "mirror_camera_count")
		purego.RegisterLibFunc(&mirrorCameraInfo, h, "mirror_camera_info")
		purego.RegisterLibFunc(&mirrorCameraOpen, h, "mirror_camera_open")
		purego.RegisterLibFunc(&mirrorCameraNext, h, "mirror_camera_next")
		purego.RegisterLibFunc(&mirrorCameraSampleLock, h, "mirror_camera_sample_lock")
		purego.RegisterLibFunc(&mirrorCameraSampleUnlock, h, "mirror_camera_sample_unlock")
		purego.RegisterLibFunc(&mirrorCameraSampleRelease, h, "mirror_camera_sample_release")
		purego.RegisterLibFunc(&mirrorCameraClose, h, "mirror_camera_close")
		purego.RegisterLibFunc(&mirrorCameraGetError, h, "mirror_camera_get_error")
	})
	return cameraLibInitErr
}

func cameraLastError() string {
	if ptr := mirrorCameraGetError(); ptr != 0 {
		return goStringFromPtr(ptr)
	}
	return "unknown error"
}

// NativeCameraEngine implements CameraEngine on top of libmirror_camera.
type NativeCameraEngine struct{}

// NewNativeCameraEngine loads libmirror_camera.
func NewNativeCameraEngine() (*NativeCameraEngine, error) {
	if err := loadCameraLib(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &NativeCameraEngine{}, nil
}

// Devices implements CameraEngine.
func (*NativeCameraEngine) Devices(ctx context.Context) ([]SourceInfo, error) {
	n := mirrorCameraCount()
	if n < 0 {
		return nil, fmt.Errorf("count cameras: %s", cameraLastError())
	}
	info := new(nativeCameraInfo)
	devices := make([]SourceInfo, 0, n)
	for i := int32(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if code := mirrorCameraInfo(i, uintptr(unsafe.Pointer(info))); code != nativeOK {
			return nil, nativeStatus("camera info", code, cameraLastError)
		}
		devices = append(devices, SourceInfo{
			ID:      cString(info.ID[:]),
			Name:    cString(info.Name[:]),
			Default: info.Default != 0,
		})
	}
	return devices, nil
}

// Open implements CameraEngine.
func (*NativeCameraEngine) Open(ctx context.Context, id string, cfg CameraOpenConfig) (CameraSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := mirrorCameraOpen(id, int32(cfg.Width), int32(cfg.Height), int32(cfg.FPS), int32(cfg.Format))
	if h == 0 {
		return nil, fmt.Errorf("open camera: %s", cameraLastError())
	}
	return &nativeCameraSession{handle: h, sample: new(uint64)}, nil
}

type nativeCameraSession struct {
	handle uint64
	sample *uint64
	once   sync.Once
}

func (s *nativeCameraSession) NextSample(ctx context.Context) (CameraSample, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code := mirrorCameraNext(s.handle, cameraPollMs, uintptr(unsafe.Pointer(s.sample)))
		if code == nativeAgain {
			continue
		}
		if err := nativeStatus("camera read", code, cameraLastError); err != nil {
			return nil, err
		}
		return &nativeCameraSample{handle: *s.sample, frame: new(nativeFrame)}, nil
	}
}

func (s *nativeCameraSession) Close() error {
	s.once.Do(func() { mirrorCameraClose(s.handle) })
	return nil
}

type nativeCameraSample struct {
	handle uint64
	frame  *nativeFrame
	sw     SoftwareBuffer
	out    VideoFrame
}

// Lock maps the sample's NV12 planes without copying.
func (s *nativeCameraSample) Lock() (*VideoFrame, error) {
	code := mirrorCameraSampleLock(s.handle, uintptr(unsafe.Pointer(s.frame)))
	runtime.KeepAlive(s.frame)
	if err := nativeStatus("lock sample", code, cameraLastError); err != nil {
		return nil, err
	}
	nf := s.frame
	h := int(nf.Height)
	s.sw = SoftwareBuffer{}
	s.sw.Data[0] = unsafe.Slice((*byte)(unsafe.Pointer(nf.Planes[0])), int(nf.Strides[0])*h)
	s.sw.Data[1] = unsafe.Slice((*byte)(unsafe.Pointer(nf.Planes[1])), int(nf.Strides[1])*((h+1)/2))
	s.sw.Stride[0] = int(nf.Strides[0])
	s.sw.Stride[1] = int(nf.Strides[1])
	s.out = VideoFrame{
		Format:    PixelFormatNV12,
		Width:     int(nf.Width),
		Height:    h,
		Payload:   &s.sw,
		Timestamp: nf.PTS,
	}
	return &s.out, nil
}

func (s *nativeCameraSample) Unlock() {
	mirrorCameraSampleUnlock(s.handle)
	s.sw = SoftwareBuffer{}
}

func (s *nativeCameraSample) Release() {
	if s.handle != 0 {
		mirrorCameraSampleRelease(s.handle)
		s.handle = 0
	}
}
