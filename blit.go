package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxGrabFailures is the number of consecutive failed grabs after which the
// blit backend reports the source as lost.
const maxGrabFailures = 30

// ScreenGrabber copies monitor contents into system memory.
type ScreenGrabber interface {
	Monitors(ctx context.Context) ([]SourceInfo, error)
	// Grab returns the current contents of monitor id as a packed BGRA or
	// RGBA frame, valid until the next Grab.
	Grab(ctx context.Context, id string) (*VideoFrame, error)
}

// blitBackend grabs a monitor at the target rate on one worker goroutine and
// converts each grab to NV12 at the output size.
type blitBackend struct {
	grabber ScreenGrabber
	log     *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopped bool
}

func newBlitBackend(grabber ScreenGrabber) *blitBackend {
	return &blitBackend{grabber: grabber, log: componentLog("blit")}
}

func (b *blitBackend) Kind() BackendKind { return BackendLegacyBlit }

func (b *blitBackend) Start(ctx context.Context, src SourceDescriptor, settings CaptureSettings, out FrameWriter) error {
	// The first grab validates the monitor and fixes the source size.
	first, err := b.grabber.Grab(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("grab monitor %s: %w", src.ID, err)
	}
	w, h := CalculateScaledSize(first.Width, first.Height, settings.Width, settings.Height, settings.ScaleMode)
	bridge := NewFormatBridge(PixelFormatNV12, w, h)
	bridge.Mode = settings.ScaleMode
	if _, err := bridge.Convert(first); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	b.log = b.log.WithField("monitor", src.ID)
	go b.worker(runCtx, src.ID, settings.FPS, bridge, out, b.doneCh)
	b.log.WithFields(logrus.Fields{"width": w, "height": h, "fps": settings.FPS}).Info("blit capture started")
	return nil
}

func (b *blitBackend) worker(ctx context.Context, id string, fps int, bridge *FormatBridge, out FrameWriter, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		grab, err := b.grabber.Grab(ctx, id)
		if err == nil {
			var frame *VideoFrame
			frame, err = bridge.Convert(grab)
			if err == nil {
				failures = 0
				frame.Timestamp = time.Now().UnixNano()
				out.WriteVideo(BackendLegacyBlit, frame)
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		b.log.WithError(err).Debug("grab failed")
		if failures >= maxGrabFailures {
			out.Close(BackendLegacyBlit, fmt.Errorf("monitor %s lost: %w", id, err))
			return
		}
	}
}

func (b *blitBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.cancel == nil {
		b.stopped = true
		return nil
	}
	b.stopped = true
	b.cancel()
	<-b.doneCh
	b.log.Info("blit capture stopped")
	return nil
}
