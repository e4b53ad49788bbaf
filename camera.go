package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Camera capture format: the codec sessions consume NV12 directly.
const (
	cameraDefaultWidth  = 1280
	cameraDefaultHeight = 720
)

// CameraEngine opens camera devices.
type CameraEngine interface {
	Devices(ctx context.Context) ([]SourceInfo, error)
	Open(ctx context.Context, id string, cfg CameraOpenConfig) (CameraSession, error)
}

// CameraOpenConfig is the format requested from a camera.
type CameraOpenConfig struct {
	Width, Height int
	FPS           int
	Format        PixelFormat
}

// CameraSession is an open camera.
type CameraSession interface {
	// NextSample blocks until a sample arrives, ctx is done, or the device fails.
	NextSample(ctx context.Context) (CameraSample, error)
	Close() error
}

// CameraSample is one captured buffer. Lock maps it for reading; the frame
// is valid until Unlock. Release returns the buffer to the device.
type CameraSample interface {
	Lock() (*VideoFrame, error)
	Unlock()
	Release()
}

// cameraBackend pulls samples on one goroutine and hands each locked buffer
// to the dispatcher.
type cameraBackend struct {
	engine CameraEngine
	log    *logrus.Entry

	mu       sync.Mutex
	session  CameraSession
	cancel   context.CancelFunc
	doneCh   chan struct{}
	stopped  bool
	frames   uint64
	lockErrs uint64
}

func newCameraBackend(engine CameraEngine) *cameraBackend {
	return &cameraBackend{engine: engine, log: componentLog("camera")}
}

func (b *cameraBackend) Kind() BackendKind { return BackendCamera }

func (b *cameraBackend) Start(ctx context.Context, src SourceDescriptor, settings CaptureSettings, out FrameWriter) error {
	cfg := CameraOpenConfig{
		Width:  settings.Width,
		Height: settings.Height,
		FPS:    settings.FPS,
		Format: PixelFormatNV12,
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = cameraDefaultWidth, cameraDefaultHeight
	}

	session, err := b.engine.Open(ctx, src.ID, cfg)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", src.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.session = session
	b.cancel = cancel
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	b.log = b.log.WithField("device", src.ID)
	go b.captureLoop(runCtx, session, out, b.doneCh)
	b.log.WithFields(logrus.Fields{"width": cfg.Width, "height": cfg.Height, "fps": cfg.FPS}).Info("camera started")
	return nil
}

func (b *cameraBackend) captureLoop(ctx context.Context, session CameraSession, out FrameWriter, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		sample, err := session.NextSample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.WithError(err).Error("camera read failed")
			out.Close(BackendCamera, fmt.Errorf("camera read: %w", err))
			return
		}
		b.deliver(sample, out)
	}
}

func (b *cameraBackend) deliver(sample CameraSample, out FrameWriter) {
	defer sample.Release()
	frame, err := sample.Lock()
	if err != nil {
		b.lockErrs++
		b.log.WithError(err).Debug("sample lock failed")
		return
	}
	out.WriteVideo(BackendCamera, frame)
	sample.Unlock()
	b.frames++
}

func (b *cameraBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.session == nil {
		b.stopped = true
		return nil
	}
	b.stopped = true
	b.cancel()
	<-b.doneCh
	err := b.session.Close()
	b.log.WithField("frames", b.frames).Info("camera stopped")
	return err
}
