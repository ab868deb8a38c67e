package commands

import (
	"path/filepath"
	"testing"

	"github.com/tatsu020/AvatarWebcam/internal/config"
)

func baseSettings() *config.Settings {
	return &config.Settings{
		Resolution:  "source",
		FPS:         30,
		PreviewOn:   true,
		SinkBackend: "auto",
		SinkDevice:  "/dev/video0",
	}
}

func resetRunFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		runSource = ""
		runResolution = ""
		runFPS = 0
		runNoPreview = false
		runBackend = ""
		runDevice = ""
	})
}

func TestApplyRunFlagsOverridesSettings(t *testing.T) {
	resetRunFlags(t)
	runSource = "VRC Avatar Feed"
	runResolution = "720p"
	runFPS = 60
	runNoPreview = true
	runBackend = "v4l2"
	runDevice = "/dev/video2"

	cfg := baseSettings()
	applyRunFlags(cfg)

	if cfg.TargetSource != "VRC Avatar Feed" || cfg.Resolution != "720p" || cfg.FPS != 60 {
		t.Errorf("flags not applied: source=%q resolution=%q fps=%d",
			cfg.TargetSource, cfg.Resolution, cfg.FPS)
	}
	if cfg.PreviewOn {
		t.Error("preview still enabled after --no-preview")
	}
	if cfg.SinkBackend != "v4l2" || cfg.SinkDevice != "/dev/video2" {
		t.Errorf("sink flags not applied: backend=%q device=%q", cfg.SinkBackend, cfg.SinkDevice)
	}
}

func TestApplyRunFlagsIgnoresUnknownResolution(t *testing.T) {
	resetRunFlags(t)
	runResolution = "4000p"

	cfg := baseSettings()
	applyRunFlags(cfg)

	if cfg.Resolution != "source" {
		t.Errorf("resolution = %q, want the saved value", cfg.Resolution)
	}
}

func TestRunFlagsDoNotTouchSavedConfig(t *testing.T) {
	resetRunFlags(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	configMgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	runResolution = "1080p"
	runFPS = 60
	runDevice = "/dev/video9"

	// One-off flags layer over the in-process copy only
	cfg := configMgr.Get()
	applyRunFlags(cfg)
	if cfg.Resolution != "1080p" || cfg.FPS != 60 || cfg.SinkDevice != "/dev/video9" {
		t.Fatalf("flags not applied to the runtime settings: %+v", cfg)
	}

	reloaded, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("NewManager(reload) error = %v", err)
	}
	saved := reloaded.Get()
	if saved.Resolution != "source" || saved.FPS != 30 || saved.SinkDevice != "/dev/video0" {
		t.Errorf("saved config rewritten by run flags: resolution=%q fps=%d device=%q",
			saved.Resolution, saved.FPS, saved.SinkDevice)
	}
}
