package bridge

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		srcW, srcH int
		mode       string
		wantW      int
		wantH      int
	}{
		{"source passthrough", 1234, 777, ResolutionSource, 1234, 777},
		{"downscale to 720p", 1920, 1080, "720p", 1280, 720},
		{"exact catalog size", 1280, 720, "720p", 1280, 720},
		{"never upscale small source", 640, 360, "1080p", 640, 360},
		{"narrow source stays", 800, 2000, "1080p", 800, 2000},
		{"unknown mode falls back to source", 1920, 1080, "4000p", 1920, 1080},
		{"unknown source size uses target", 0, 0, "720p", 1280, 720},
		{"2160p target", 4096, 2304, "2160p", 3840, 2160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := Resolve(tt.srcW, tt.srcH, tt.mode)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("Resolve(%d, %d, %q) = (%d, %d), want (%d, %d)",
					tt.srcW, tt.srcH, tt.mode, w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestValidResolutionMode(t *testing.T) {
	for _, mode := range ResolutionModes() {
		if !ValidResolutionMode(mode) {
			t.Errorf("ValidResolutionMode(%q) = false for a listed mode", mode)
		}
	}
	for _, mode := range []string{"", "4000p", "480", "SOURCE"} {
		if ValidResolutionMode(mode) {
			t.Errorf("ValidResolutionMode(%q) = true", mode)
		}
	}
}
