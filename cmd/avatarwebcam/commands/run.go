package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tatsu020/AvatarWebcam/internal/api"
	"github.com/tatsu020/AvatarWebcam/internal/bridge"
	"github.com/tatsu020/AvatarWebcam/internal/config"
	"github.com/tatsu020/AvatarWebcam/internal/logger"
	"github.com/tatsu020/AvatarWebcam/internal/sink"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bridge and the API server",
	Long: `Start the frame bridge and the HTTP API server.

The bridge waits for a matching sender, attaches to it and pumps frames
into the virtual camera device until stopped. The API server exposes
status, configuration and a WebSocket state stream with live preview.`,
	Example: `  # Start with the saved configuration
  avatarwebcam run

  # Pin the bridge to one sender
  avatarwebcam run --source "VRC Avatar Feed"

  # Fixed 720p output at 60 fps
  avatarwebcam run --resolution 720p --fps 60

  # Use a different loopback device
  avatarwebcam run --device /dev/video2`,
	RunE: runRun,
}

var (
	runSource     string
	runResolution string
	runFPS        int
	runNoPreview  bool
	runBackend    string
	runDevice     string
	runNoStart    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runSource, "source", "s", "", "sender name to bridge (default: auto discovery)")
	runCmd.Flags().StringVarP(&runResolution, "resolution", "r", "", "output resolution mode (480p, 720p, 1080p, 1440p, 2160p, source)")
	runCmd.Flags().IntVar(&runFPS, "fps", 0, "output frame rate")
	runCmd.Flags().BoolVar(&runNoPreview, "no-preview", false, "disable preview frames in the state stream")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "virtual camera backend (auto, v4l2, gst)")
	runCmd.Flags().StringVar(&runDevice, "device", "", "virtual camera device path")
	runCmd.Flags().BoolVar(&runNoStart, "no-start", false, "start the API server only, without starting the bridge")
}

func runRun(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Flag overrides apply to this process only; the saved file is not
	// rewritten
	cfg := configMgr.Get()
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	applyRunFlags(cfg)

	logger.Init(cfg.LogLevel, true, cfg.LogFile)
	log := logger.WithComponent("main")
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	engine := bridge.New(
		bridge.WithSinkOpener(sink.Open(cfg.SinkBackend, cfg.SinkDevice)),
		bridge.WithSourceMarker(cfg.SourceMarker),
	)
	engine.SetTargetSource(cfg.TargetSource)
	engine.SetResolutionMode(cfg.Resolution)
	engine.SetTargetFPS(cfg.FPS)
	engine.SetPreviewEnabled(cfg.PreviewOn)

	// Mirror bridge state transitions into the log
	states := make(chan bridge.State, 8)
	if err := engine.Subscribe("cli", states); err == nil {
		go func() {
			last := bridge.StatusStopped
			for st := range states {
				if st.Status == last {
					continue
				}
				last = st.Status
				log.Info().
					Str("status", string(st.Status)).
					Str("source", st.SourceName).
					Str("message", st.Message).
					Msg("Bridge state changed")
			}
		}()
	}

	server := api.NewServer(engine, configMgr)
	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	if !runNoStart {
		engine.Start()
	}

	log.Info().
		Int("port", cfg.ServerPort).
		Str("device", cfg.SinkDevice).
		Msg("AvatarWebcam is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down")
	engine.Stop()
	return nil
}

// applyRunFlags layers explicit run flags over the loaded settings.
func applyRunFlags(cfg *config.Settings) {
	if runSource != "" {
		cfg.TargetSource = runSource
	}
	if runResolution != "" && bridge.ValidResolutionMode(runResolution) {
		cfg.Resolution = runResolution
	}
	if runFPS > 0 {
		cfg.FPS = runFPS
	}
	if runNoPreview {
		cfg.PreviewOn = false
	}
	if runBackend != "" {
		cfg.SinkBackend = runBackend
	}
	if runDevice != "" {
		cfg.SinkDevice = runDevice
	}
}
