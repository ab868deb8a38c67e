package sink

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"

	"github.com/tatsu020/AvatarWebcam/internal/logger"
)

// gstSink feeds raw RGBA frames to a gst-launch-1.0 subprocess that converts
// and writes them to the v4l2 device. Running GStreamer out of process avoids
// linking the unstable CGO bindings while keeping the toolchain available as
// a fallback where direct v4l2 writes are not possible.
type gstSink struct {
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser
	clock  *frameClock
}

func openGst(cfg Config) (Sink, error) {
	log := logger.WithComponent("gst-sink")

	pipelineStr := fmt.Sprintf(
		"fdsrc fd=0 ! "+
			"rawvideoparse use-sink-caps=false format=rgba width=%d height=%d framerate=%d/1 ! "+
			"videoconvert ! "+
			"v4l2sink device=%s sync=false",
		cfg.Width, cfg.Height, cfg.FPS, cfg.Device,
	)

	log.Debug().Str("pipeline", pipelineStr).Msg("Starting GStreamer subprocess")

	// Use sh -c to properly parse the pipeline string with ! separators
	cmd := exec.Command("sh", "-c", "gst-launch-1.0 -q "+pipelineStr)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &InitError{Backend: "gst", Err: fmt.Errorf("failed to get stdin pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &InitError{Backend: "gst", Err: fmt.Errorf("failed to get stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &InitError{Backend: "gst", Err: fmt.Errorf("failed to start gst-launch: %w", err)}
	}

	s := &gstSink{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		clock:  newFrameClock(cfg.FPS),
	}
	go s.logStderr()

	log.Info().
		Str("device", cfg.Device).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("fps", cfg.FPS).
		Int("pid", cmd.Process.Pid).
		Msg("GStreamer sink started")

	return s, nil
}

func (s *gstSink) Send(frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != s.cfg.Width || b.Dy() != s.cfg.Height {
		return fmt.Errorf("frame size mismatch: got %dx%d, device is %dx%d",
			b.Dx(), b.Dy(), s.cfg.Width, s.cfg.Height)
	}

	if frame.Stride == s.cfg.Width*4 {
		if _, err := s.stdin.Write(frame.Pix); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		return nil
	}

	for y := 0; y < s.cfg.Height; y++ {
		row := frame.Pix[y*frame.Stride : y*frame.Stride+s.cfg.Width*4]
		if _, err := s.stdin.Write(row); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}
	return nil
}

func (s *gstSink) SleepUntilNextFrame() {
	s.clock.SleepUntilNextFrame()
}

func (s *gstSink) Close() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	logger.WithComponent("gst-sink").Info().Str("device", s.cfg.Device).Msg("GStreamer sink stopped")
	return nil
}

// logStderr logs any errors from the GStreamer subprocess
func (s *gstSink) logStderr() {
	log := logger.WithComponent("gst-sink")
	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}
