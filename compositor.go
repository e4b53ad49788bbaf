package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Output channels of the scene engine.
const (
	sceneVideoChannel = 0
	sceneAudioChannel = 1
)

// Compositor capture method codes understood by monitor and window sources.
const (
	compositorMethodDuplication = 1
	compositorMethodGraphics    = 2
)

// SceneEngine is the scene-graph compositor that serves screen, window and
// system audio capture. Raw output callbacks run on engine threads.
type SceneEngine interface {
	// ListOptions returns the selectable values of a list property of a
	// source type.
	ListOptions(ctx context.Context, sourceType, property string) (OptionList, error)
	// ResetVideo configures the base canvas and raw output.
	ResetVideo(cfg SceneVideoConfig) error
	// AddSource creates a source and adds it to the scene.
	AddSource(sourceType, name string, settings map[string]interface{}) (SceneSource, error)
	// SetOutputSource binds src to an output channel; nil clears it.
	SetOutputSource(channel int, src SceneSource) error
	// ConnectRaw installs the raw NV12 video and s16 audio callbacks.
	ConnectRaw(video func(*VideoFrame), audio func(*AudioFrame)) error
	// DisconnectRaw removes the raw callbacks. No callback runs after it returns.
	DisconnectRaw() error
}

// OptionList is an engine-owned property list.
type OptionList interface {
	Options() []SourceInfo
	Release()
}

// SceneSource is one source in the scene.
type SceneSource interface {
	Name() string
	Update(settings map[string]interface{}) error
	SetVisible(visible bool)
	// FitBounds scales the item into width x height, keeping aspect ratio.
	FitBounds(width, height int)
	Remove() error
}

// SceneVideoConfig configures the compositor canvas.
type SceneVideoConfig struct {
	BaseWidth, BaseHeight     int
	OutputWidth, OutputHeight int
	FPS                       int
	Format                    PixelFormat
}

type compositorType struct {
	sourceType string
	name       string
	property   string
}

var compositorTypes = map[SourceKind]compositorType{
	SourceKindScreen: {sourceType: "monitor_capture", name: "MonitorCapture", property: "monitor_id"},
	SourceKindWindow: {sourceType: "window_capture", name: "WindowCapture", property: "window"},
	SourceKindAudio:  {sourceType: "wasapi_output_capture", name: "AudioDevice", property: "device_id"},
}

type monitorSettings struct {
	MonitorID     string `mapstructure:"monitor_id"`
	Method        int    `mapstructure:"method"`
	ForceSDR      bool   `mapstructure:"force_sdr"`
	Compatibility bool   `mapstructure:"compatibility"`
	CaptureCursor bool   `mapstructure:"capture_cursor"`
}

type windowSettings struct {
	Window        string `mapstructure:"window"`
	Method        int    `mapstructure:"method"`
	ForceSDR      bool   `mapstructure:"force_sdr"`
	Compatibility bool   `mapstructure:"compatibility"`
	CaptureCursor bool   `mapstructure:"capture_cursor"`
}

type audioDeviceSettings struct {
	DeviceID string `mapstructure:"device_id"`
}

func compositorMethod(m CaptureMethod) int {
	if m == CaptureMethodDesktopDuplication {
		return compositorMethodDuplication
	}
	return compositorMethodGraphics
}

// sceneSettingsFor builds the settings dictionary for a source of kind.
func sceneSettingsFor(src SourceDescriptor, settings CaptureSettings) (map[string]interface{}, error) {
	switch src.Kind {
	case SourceKindScreen:
		return encodeSettings(monitorSettings{
			MonitorID:     src.ID,
			Method:        compositorMethod(settings.Method),
			ForceSDR:      true,
			Compatibility: true,
		})
	case SourceKindWindow:
		return encodeSettings(windowSettings{
			Window:        src.ID,
			Method:        compositorMethod(settings.Method),
			ForceSDR:      true,
			Compatibility: true,
		})
	case SourceKindAudio:
		return encodeSettings(audioDeviceSettings{DeviceID: src.ID})
	default:
		return nil, fmt.Errorf("%w: %s sources are not served by the compositor", ErrBackendUnavailable, src.Kind)
	}
}

// compositorBackend captures screens, windows and system audio through a
// SceneEngine. Screen and window sources share the scene; the selected one is
// visible and its sibling hidden. Switching between them retargets in place.
type compositorBackend struct {
	engine SceneEngine
	log    *logrus.Entry

	mu        sync.Mutex
	out       FrameWriter
	sources   map[SourceKind]SceneSource
	connected bool
	settings  CaptureSettings
}

func newCompositorBackend(engine SceneEngine) *compositorBackend {
	return &compositorBackend{
		engine:  engine,
		sources: make(map[SourceKind]SceneSource),
		log:     componentLog("compositor"),
	}
}

func (b *compositorBackend) Kind() BackendKind { return BackendCompositor }

func (b *compositorBackend) Start(ctx context.Context, src SourceDescriptor, settings CaptureSettings, out FrameWriter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.out = out
	if err := b.resetVideoLocked(settings); err != nil {
		return err
	}
	if err := b.applyLocked(src, settings); err != nil {
		return err
	}
	if err := b.engine.ConnectRaw(b.onVideo, b.onAudio); err != nil {
		return fmt.Errorf("connect raw output: %w", err)
	}
	b.connected = true
	return nil
}

func (b *compositorBackend) Retarget(ctx context.Context, src SourceDescriptor, settings CaptureSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if settings.Width != b.settings.Width || settings.Height != b.settings.Height || settings.FPS != b.settings.FPS {
		if err := b.resetVideoLocked(settings); err != nil {
			return err
		}
	}
	b.settings = settings
	return b.applyLocked(src, settings)
}

// resetVideoLocked sizes the scene output to settings.
func (b *compositorBackend) resetVideoLocked(settings CaptureSettings) error {
	err := b.engine.ResetVideo(SceneVideoConfig{
		BaseWidth:    settings.Width,
		BaseHeight:   settings.Height,
		OutputWidth:  settings.Width,
		OutputHeight: settings.Height,
		FPS:          settings.FPS,
		Format:       PixelFormatNV12,
	})
	if err != nil {
		return fmt.Errorf("reset video: %w", err)
	}
	b.settings = settings
	return nil
}

func (b *compositorBackend) applyLocked(src SourceDescriptor, settings CaptureSettings) error {
	typ, ok := compositorTypes[src.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, src.Kind)
	}
	dict, err := sceneSettingsFor(src, settings)
	if err != nil {
		return err
	}

	s, ok := b.sources[src.Kind]
	if ok {
		err = s.Update(dict)
	} else {
		s, err = b.engine.AddSource(typ.sourceType, typ.name, dict)
		if err == nil {
			b.sources[src.Kind] = s
		}
	}
	if err != nil {
		return fmt.Errorf("apply %s settings: %w", typ.sourceType, err)
	}

	if src.Kind == SourceKindAudio {
		if err := b.engine.SetOutputSource(sceneAudioChannel, s); err != nil {
			return fmt.Errorf("bind audio output: %w", err)
		}
		b.log.WithField("device", src.ID).Info("audio source selected")
		return nil
	}

	s.FitBounds(settings.Width, settings.Height)
	s.SetVisible(true)
	sibling := SourceKindWindow
	if src.Kind == SourceKindWindow {
		sibling = SourceKindScreen
	}
	if other, ok := b.sources[sibling]; ok {
		other.SetVisible(false)
	}
	b.log.WithFields(logrus.Fields{"kind": src.Kind, "source": src.ID}).Info("video source selected")
	return nil
}

func (b *compositorBackend) onVideo(f *VideoFrame) {
	b.out.WriteVideo(BackendCompositor, f)
}

func (b *compositorBackend) onAudio(f *AudioFrame) {
	b.out.WriteAudio(BackendCompositor, f)
}

func (b *compositorBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.connected {
		errs = append(errs, b.engine.DisconnectRaw())
		b.connected = false
	}
	if _, ok := b.sources[SourceKindAudio]; ok {
		errs = append(errs, b.engine.SetOutputSource(sceneAudioChannel, nil))
	}
	for kind, s := range b.sources {
		errs = append(errs, s.Remove())
		delete(b.sources, kind)
	}
	return combineErrors(errs...)
}
