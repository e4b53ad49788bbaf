package mirror

import (
	"fmt"
	"strings"
)

// SourceKind identifies a class of capture source.
type SourceKind int

const (
	SourceKindCamera SourceKind = iota
	SourceKindScreen
	SourceKindWindow
	SourceKindAudio
)

func (k SourceKind) String() string {
	switch k {
	case SourceKindCamera:
		return "camera"
	case SourceKindScreen:
		return "screen"
	case SourceKindWindow:
		return "window"
	case SourceKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Video returns true for kinds that produce video frames.
func (k SourceKind) Video() bool { return k != SourceKindAudio }

// SourceDescriptor identifies one enumerable capture source.
// ID is opaque outside the backend that produced it. Index is only meaningful
// within the list it was returned in.
type SourceDescriptor struct {
	Index     int
	Kind      SourceKind
	ID        string
	Name      string
	IsDefault bool
}

func (d SourceDescriptor) String() string {
	return fmt.Sprintf("%s[%d] %q (%s)", d.Kind, d.Index, d.Name, d.ID)
}

// SourceInfo is one raw entry reported by a platform engine before
// normalization into a SourceDescriptor.
type SourceInfo struct {
	ID      string
	Name    string
	Default bool
}

// CaptureMethod selects the screen capture technique.
type CaptureMethod int

const (
	CaptureMethodLegacyBlit         CaptureMethod = iota // GDI-style blit, CPU colour conversion
	CaptureMethodDesktopDuplication                      // Duplication API through the compositor
	CaptureMethodWindowsCompositor                       // Graphics capture through the compositor
)

func (m CaptureMethod) String() string {
	switch m {
	case CaptureMethodLegacyBlit:
		return "legacy_blit"
	case CaptureMethodDesktopDuplication:
		return "desktop_duplication"
	case CaptureMethodWindowsCompositor:
		return "windows_compositor"
	default:
		return "unknown"
	}
}

// ParseCaptureMethod parses the names returned by CaptureMethod.String.
func ParseCaptureMethod(s string) (CaptureMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy_blit", "blit", "gdi":
		return CaptureMethodLegacyBlit, nil
	case "desktop_duplication", "dxgi":
		return CaptureMethodDesktopDuplication, nil
	case "windows_compositor", "wgc":
		return CaptureMethodWindowsCompositor, nil
	default:
		return 0, fmt.Errorf("unknown capture method %q", s)
	}
}

// CaptureSettings are the parameters applied when a source is activated.
// Method only affects screen sources.
type CaptureSettings struct {
	Method     CaptureMethod `mapstructure:"method"`
	Width      int           `mapstructure:"width"`
	Height     int           `mapstructure:"height"`
	FPS        int           `mapstructure:"fps"`
	SampleRate int           `mapstructure:"sample_rate"`
	ScaleMode  ScaleMode     `mapstructure:"scale_mode"`
}

// DefaultCaptureSettings returns 1280x720 at 30 fps through the compositor.
func DefaultCaptureSettings() CaptureSettings {
	return CaptureSettings{
		Method:     CaptureMethodWindowsCompositor,
		Width:      1280,
		Height:     720,
		FPS:        30,
		SampleRate: 48000,
		ScaleMode:  ScaleModeFit,
	}
}

func (s CaptureSettings) withDefaults() CaptureSettings {
	d := DefaultCaptureSettings()
	if s.Width <= 0 || s.Height <= 0 {
		s.Width, s.Height = d.Width, d.Height
	}
	if s.FPS <= 0 {
		s.FPS = d.FPS
	}
	if s.SampleRate <= 0 {
		s.SampleRate = d.SampleRate
	}
	return s
}
