package mirror

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_SingleMonitor(t *testing.T) {
	scene := newFakeScene(nil)
	scene.options["monitor_capture"] = []SourceInfo{{ID: `\\.\DISPLAY1`, Name: "Generic PnP Monitor"}}

	list, err := NewRegistry(Engines{Scene: scene}).Enumerate(context.Background(), SourceKindScreen, DefaultCaptureSettings())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("Expected 1 source, got %d", list.Len())
	}
	src, ok := list.Lookup(0)
	if !ok || !src.IsDefault || src.Index != 0 || src.Kind != SourceKindScreen {
		t.Errorf("Lookup(0) = %+v, %v", src, ok)
	}
	if _, ok := list.Lookup(1); ok {
		t.Error("Lookup past the end succeeded")
	}
	if def, ok := list.Default(); !ok || def.ID != src.ID {
		t.Errorf("Default() = %+v, %v", def, ok)
	}

	list.Release()
	list.Release()
	if got := scene.released.Load(); got != 1 {
		t.Errorf("Option list released %d times, want 1", got)
	}
}

func TestRegistry_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		kind     SourceKind
		infos    []SourceInfo
		wantIDs  []string
		wantDef  int // index of the default, -1 for none
		wantName string
	}{
		{
			name:    "audio skips implicit default",
			kind:    SourceKindAudio,
			infos:   []SourceInfo{{ID: "default", Name: "Default"}, {ID: "spk", Name: "Speakers"}, {ID: "hdmi", Name: "HDMI", Default: true}},
			wantIDs: []string{"spk", "hdmi"},
			wantDef: 1,
		},
		{
			name:    "windows have no default",
			kind:    SourceKindWindow,
			infos:   []SourceInfo{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
			wantIDs: []string{"a", "b"},
			wantDef: -1,
		},
		{
			name:    "first screen becomes default",
			kind:    SourceKindScreen,
			infos:   []SourceInfo{{ID: "m1"}, {ID: ""}, {ID: "m2"}},
			wantIDs: []string{"m1", "m2"},
			wantDef: 0,
		},
		{
			name:    "only the first marked default wins",
			kind:    SourceKindCamera,
			infos:   []SourceInfo{{ID: "c1", Default: true}, {ID: "c2", Default: true}},
			wantIDs: []string{"c1", "c2"},
			wantDef: 0,
		},
		{
			name:     "blank name falls back to id",
			kind:     SourceKindCamera,
			infos:    []SourceInfo{{ID: "usb-1", Name: "  "}},
			wantIDs:  []string{"usb-1"},
			wantDef:  0,
			wantName: "usb-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeSources(tt.kind, tt.infos)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Expected %d sources, got %+v", len(tt.wantIDs), got)
			}
			for i, s := range got {
				if s.ID != tt.wantIDs[i] || s.Index != i {
					t.Errorf("source %d = %+v", i, s)
				}
				if s.IsDefault != (i == tt.wantDef) {
					t.Errorf("source %d default = %v", i, s.IsDefault)
				}
			}
			if tt.wantName != "" && got[0].Name != tt.wantName {
				t.Errorf("Name = %q, want %q", got[0].Name, tt.wantName)
			}
		})
	}
}

func TestRegistry_EngineRouting(t *testing.T) {
	camera := &fakeCamera{devices: []SourceInfo{{ID: "cam0", Name: "FaceTime HD"}}}
	grabber := &fakeGrabber{monitors: []SourceInfo{{ID: "gdi0", Name: "Primary"}, {ID: "gdi1", Name: "Secondary"}}}
	scene := newFakeScene(nil)
	scene.options["window_capture"] = []SourceInfo{{ID: "Code:main.go", Name: "main.go"}}
	r := NewRegistry(Engines{Scene: scene, Camera: camera, Grabber: grabber})

	blit := DefaultCaptureSettings()
	blit.Method = CaptureMethodLegacyBlit

	tests := []struct {
		kind     SourceKind
		settings CaptureSettings
		want     int
	}{
		{SourceKindCamera, DefaultCaptureSettings(), 1},
		{SourceKindScreen, blit, 2},
		{SourceKindScreen, DefaultCaptureSettings(), 0},
		{SourceKindWindow, DefaultCaptureSettings(), 1},
		{SourceKindAudio, DefaultCaptureSettings(), 0},
	}
	for _, tt := range tests {
		list, err := r.Enumerate(context.Background(), tt.kind, tt.settings)
		if err != nil {
			t.Fatalf("Enumerate(%s, %s) failed: %v", tt.kind, tt.settings.Method, err)
		}
		if list.Len() != tt.want {
			t.Errorf("Enumerate(%s, %s) = %d sources, want %d", tt.kind, tt.settings.Method, list.Len(), tt.want)
		}
		list.Release()
	}
}

func TestRegistry_Errors(t *testing.T) {
	listErr := errors.New("property missing")
	scene := newFakeScene(nil)
	scene.listErr = listErr

	_, err := NewRegistry(Engines{Scene: scene}).Enumerate(context.Background(), SourceKindWindow, DefaultCaptureSettings())
	var ee *EnumerationError
	if !errors.As(err, &ee) || ee.Kind != SourceKindWindow || !errors.Is(err, listErr) {
		t.Errorf("Expected EnumerationError wrapping the engine error, got %v", err)
	}

	_, err = NewRegistry(Engines{}).Enumerate(context.Background(), SourceKindCamera, DefaultCaptureSettings())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}

	_, err = NewRegistry(Engines{Scene: newFakeScene(nil)}).Enumerate(context.Background(), SourceKind(42), DefaultCaptureSettings())
	if !errors.As(err, &ee) {
		t.Errorf("Expected EnumerationError for an unknown kind, got %v", err)
	}
}
