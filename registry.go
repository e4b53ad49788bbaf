package mirror

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// defaultAudioDeviceID is the implicit default output device. It is never
// listed as a selectable source.
const defaultAudioDeviceID = "default"

// SourceList is the result of one enumeration. Release frees the engine-side
// memory backing it; the descriptors themselves stay usable.
type SourceList struct {
	Kind    SourceKind
	Sources []SourceDescriptor

	release func()
	once    sync.Once
}

// Len returns the number of sources.
func (l *SourceList) Len() int { return len(l.Sources) }

// Lookup returns the source at index.
func (l *SourceList) Lookup(index int) (SourceDescriptor, bool) {
	if index < 0 || index >= len(l.Sources) {
		return SourceDescriptor{}, false
	}
	return l.Sources[index], true
}

// Default returns the source marked as default.
func (l *SourceList) Default() (SourceDescriptor, bool) {
	for _, s := range l.Sources {
		if s.IsDefault {
			return s, true
		}
	}
	return SourceDescriptor{}, false
}

// Release frees the list. Calling it more than once is a no-op.
func (l *SourceList) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Registry enumerates capture sources through the platform engines.
type Registry struct {
	engines Engines
	log     *logrus.Entry
}

// NewRegistry creates a registry over the given engines.
func NewRegistry(engines Engines) *Registry {
	return &Registry{engines: engines, log: componentLog("registry")}
}

// Enumerate lists the sources of kind available for settings. Screens
// captured with CaptureMethodLegacyBlit come from the screen grabber, all
// other screen, window and audio sources from the scene engine. An empty list
// is not an error.
func (r *Registry) Enumerate(ctx context.Context, kind SourceKind, settings CaptureSettings) (*SourceList, error) {
	var (
		infos   []SourceInfo
		release func()
		err     error
	)

	switch kind {
	case SourceKindCamera:
		if r.engines.Camera == nil {
			return nil, &EnumerationError{Kind: kind, Err: fmt.Errorf("%w: no camera engine", ErrBackendUnavailable)}
		}
		infos, err = r.engines.Camera.Devices(ctx)
	case SourceKindScreen, SourceKindWindow, SourceKindAudio:
		if kind == SourceKindScreen && settings.Method == CaptureMethodLegacyBlit {
			if r.engines.Grabber == nil {
				return nil, &EnumerationError{Kind: kind, Err: fmt.Errorf("%w: no screen grabber", ErrBackendUnavailable)}
			}
			infos, err = r.engines.Grabber.Monitors(ctx)
			break
		}
		if r.engines.Scene == nil {
			return nil, &EnumerationError{Kind: kind, Err: fmt.Errorf("%w: no scene engine", ErrBackendUnavailable)}
		}
		infos, release, err = r.sceneOptions(ctx, kind)
	default:
		return nil, &EnumerationError{Kind: kind, Err: fmt.Errorf("unknown source kind %d", kind)}
	}
	if err != nil {
		return nil, &EnumerationError{Kind: kind, Err: err}
	}

	list := &SourceList{
		Kind:    kind,
		Sources: normalizeSources(kind, infos),
		release: release,
	}
	r.log.WithFields(logrus.Fields{"kind": kind, "count": list.Len()}).Debug("sources enumerated")
	return list, nil
}

func (r *Registry) sceneOptions(ctx context.Context, kind SourceKind) ([]SourceInfo, func(), error) {
	typ := compositorTypes[kind]
	opts, err := r.engines.Scene.ListOptions(ctx, typ.sourceType, typ.property)
	if err != nil {
		return nil, nil, err
	}
	return opts.Options(), opts.Release, nil
}

// normalizeSources assigns contiguous indices, trims names, and settles the
// default flag. When the engine marks no default, the first screen, camera
// or audio device is the default; windows have none.
func normalizeSources(kind SourceKind, infos []SourceInfo) []SourceDescriptor {
	out := make([]SourceDescriptor, 0, len(infos))
	hasDefault := false
	for _, info := range infos {
		if info.ID == "" {
			continue
		}
		if kind == SourceKindAudio && info.ID == defaultAudioDeviceID {
			continue
		}
		name := strings.TrimSpace(info.Name)
		if name == "" {
			name = info.ID
		}
		out = append(out, SourceDescriptor{
			Index:     len(out),
			Kind:      kind,
			ID:        info.ID,
			Name:      name,
			IsDefault: info.Default && !hasDefault,
		})
		hasDefault = hasDefault || info.Default
	}
	if !hasDefault && len(out) > 0 && kind != SourceKindWindow {
		out[0].IsDefault = true
	}
	return out
}
