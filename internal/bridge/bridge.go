// Package bridge implements the frame-bridge engine: a single worker
// goroutine that attaches to a named shared-texture sender, pumps its frames
// into a virtual camera device at a target rate, recovers from disconnects,
// and reports status and preview frames through a drop-tolerant publisher.
package bridge

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tatsu020/AvatarWebcam/internal/logger"
	"github.com/tatsu020/AvatarWebcam/internal/sink"
	"github.com/tatsu020/AvatarWebcam/internal/source"
)

// settings is the engine configuration snapshot read by the worker once per
// loop iteration. Setters swap the whole snapshot atomically (copy-on-write),
// so individual fields are never observed torn.
type settings struct {
	targetSource string // "" selects auto discovery by marker
	resolution   string
	targetFPS    int
	preview      bool
}

// Engine composes source discovery, the frame pump, sink lifecycle and state
// publication into one controllable unit. Multiple engines can coexist; all
// state is per instance.
type Engine struct {
	openSource source.Opener
	openSink   sink.Opener

	marker             string
	pollBase           time.Duration
	pollMax            time.Duration
	warmupAttempts     int
	warmupDelay        time.Duration
	emptyCheckInterval int
	emptyStreakLimit   int
	sendFailLimit      int
	fpsLogInterval     time.Duration
	idleSleep          time.Duration
	stopTimeout        time.Duration

	cfg   atomic.Pointer[settings]
	setMu sync.Mutex

	mu      sync.Mutex
	running atomic.Bool
	done    chan struct{}

	pub *publisher
}

// Option configures an Engine.
type Option func(*Engine)

// WithSourceOpener replaces the shared-texture provider backend.
func WithSourceOpener(open source.Opener) Option {
	return func(e *Engine) { e.openSource = open }
}

// WithSinkOpener replaces the virtual camera backend.
func WithSinkOpener(open sink.Opener) Option {
	return func(e *Engine) { e.openSink = open }
}

// WithSourceMarker sets the substring used to pick a sender in auto mode.
func WithSourceMarker(marker string) Option {
	return func(e *Engine) { e.marker = marker }
}

// WithPollBackoff sets the discovery backoff bounds.
func WithPollBackoff(base, max time.Duration) Option {
	return func(e *Engine) { e.pollBase, e.pollMax = base, max }
}

// WithStopTimeout bounds how long Stop waits for the worker to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stopTimeout = d }
}

// New creates an engine with the default X11 source and auto-selected sink
// backend on /dev/video0.
func New(opts ...Option) *Engine {
	e := &Engine{
		openSource:         source.OpenX11,
		openSink:           sink.Open("auto", "/dev/video0"),
		marker:             "VRC",
		pollBase:           500 * time.Millisecond,
		pollMax:            5 * time.Second,
		warmupAttempts:     5,
		warmupDelay:        10 * time.Millisecond,
		emptyCheckInterval: 10,
		emptyStreakLimit:   10,
		sendFailLimit:      3,
		fpsLogInterval:     30 * time.Second,
		idleSleep:          500 * time.Millisecond,
		stopTimeout:        2 * time.Second,
		pub:                newPublisher(),
	}
	e.cfg.Store(&settings{
		resolution: ResolutionSource,
		targetFPS:  30,
		preview:    true,
	})

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListAvailableSources enumerates sender names on the caller's goroutine
// using a short-lived provider, independent of any running worker.
func (e *Engine) ListAvailableSources() ([]string, error) {
	prov, err := e.openSource()
	if err != nil {
		return nil, err
	}
	defer prov.Close()
	return prov.List()
}

// SetTargetSource selects the sender to attach to; "" enables auto discovery.
// Effective on the worker's next loop iteration.
func (e *Engine) SetTargetSource(name string) {
	e.update(func(s *settings) { s.targetSource = name })
}

// SetResolutionMode selects the output resolution mode. Unknown modes are
// ignored.
func (e *Engine) SetResolutionMode(mode string) {
	if !ValidResolutionMode(mode) {
		return
	}
	e.update(func(s *settings) { s.resolution = mode })
}

// SetTargetFPS sets the output frame rate. Non-positive values are ignored.
func (e *Engine) SetTargetFPS(fps int) {
	if fps <= 0 {
		return
	}
	e.update(func(s *settings) { s.targetFPS = fps })
}

// SetPreviewEnabled toggles preview frames in published states.
func (e *Engine) SetPreviewEnabled(enabled bool) {
	e.update(func(s *settings) { s.preview = enabled })
}

func (e *Engine) update(mutate func(*settings)) {
	e.setMu.Lock()
	defer e.setMu.Unlock()

	next := *e.cfg.Load()
	mutate(&next)
	e.cfg.Store(&next)
}

// Subscribe registers a channel to receive published states. Delivery is
// non-blocking: states are dropped for subscribers whose channel is full.
func (e *Engine) Subscribe(id string, ch chan<- State) error {
	return e.pub.subscribe(id, ch)
}

// Unsubscribe removes a subscriber by id.
func (e *Engine) Unsubscribe(id string) error {
	return e.pub.unsubscribe(id)
}

// Stats returns publication/delivery counters.
func (e *Engine) Stats() PublisherStats {
	return e.pub.statsSnapshot()
}

// Start spawns the worker goroutine and returns immediately. No-op when the
// engine is already running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return
	}

	// Let a previous worker finish its cleanup before spawning a new one
	if e.done != nil {
		<-e.done
	}

	e.running.Store(true)
	e.done = make(chan struct{})
	go e.run(e.done)
}

// Stop requests cooperative termination and waits, bounded by the stop
// timeout, for the worker to exit. No-op when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.running.Store(false)
	if e.done == nil {
		return
	}

	select {
	case <-e.done:
		e.done = nil
	case <-time.After(e.stopTimeout):
		// Best-effort join: give up and let the worker finish on its own
	}
}

// IsRunning reports whether the worker is active.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// run is the worker loop. It owns the provider and sink for its entire
// lifetime and releases both on every exit path.
func (e *Engine) run(done chan struct{}) {
	log := logger.WithComponent("bridge")

	var (
		prov source.Provider
		cam  sink.Sink
	)

	defer func() {
		if cam != nil {
			cam.Close()
		}
		if prov != nil {
			prov.Close()
		}
		e.running.Store(false)
		e.pub.publish(State{Status: StatusStopped, Message: "stopped"})
		log.Info().Msg("Bridge worker stopped")
		close(done)
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Bridge worker panicked")
			e.pub.publish(State{Status: StatusError, Message: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	var err error
	prov, err = e.openSource()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open source context")
		e.pub.publish(State{Status: StatusError, Message: fmt.Sprintf("failed to open source context: %v", err)})
		return
	}

	conn := newConnManager(e.marker, e.pollBase, e.pollMax)

	initial := e.cfg.Load()
	currentTargetFPS := initial.targetFPS
	previewEvery := max(1, initial.targetFPS/5)

	var buffer *image.RGBA
	var srcWidth, srcHeight int
	var outWidth, outHeight int
	var currentOutW, currentOutH int
	var connectedSource string
	var emptyStreak, frameCount int
	var sendFailures int
	var currentFPS float64
	var fpsFrames int
	fpsWindowStart := time.Now()
	lastFPSLog := time.Now()

	log.Info().Str("marker", e.marker).Msg("Waiting for source")
	e.pub.publish(State{Status: StatusWaiting, Message: "waiting for source"})

	for e.running.Load() {
		cfg := e.cfg.Load()
		now := time.Now()

		target, _, derr := conn.resolve(prov, cfg.targetSource, connectedSource)
		if derr != nil {
			log.Debug().Err(derr).Msg("Sender enumeration failed")
		}

		if target == "" {
			if connectedSource != "" {
				log.Warn().Str("source", connectedSource).Msg("Source lost")
				connectedSource = ""
				e.pub.publish(State{Status: StatusWaiting, Message: "waiting for source"})
				log.Info().Msg("Auto-stop: source disconnected")
				e.running.Store(false)
				break
			}
			time.Sleep(e.idleSleep)
			continue
		}

		// Attach to a new sender, or rebuild the output state when the
		// desired geometry or frame rate diverges from the open sink
		desiredW, desiredH := 0, 0
		if connectedSource != "" {
			sw, sh := prov.Size()
			desiredW, desiredH = Resolve(sw, sh, cfg.resolution)
		}
		fpsChanged := currentTargetFPS != cfg.targetFPS

		if target != connectedSource ||
			(connectedSource != "" && (desiredW != currentOutW || desiredH != currentOutH || fpsChanged)) {

			if target != connectedSource {
				log.Info().Str("source", target).Msg("Connecting to source")
				if err := prov.Attach(target); err != nil {
					log.Warn().Err(err).Str("source", target).Msg("Failed to attach to source")
					connectedSource = ""
					time.Sleep(e.idleSleep)
					continue
				}
				connectedSource = target
			}

			emptyStreak = 0

			// Warm up the handshake before trusting reported geometry;
			// fresh attachments may report stale or zero sizes at first
			for i := 0; i < e.warmupAttempts; i++ {
				if w, h := prov.Size(); w > 0 && h > 0 {
					probe := image.NewRGBA(image.Rect(0, 0, w, h))
					prov.Receive(probe)
				}
				time.Sleep(e.warmupDelay)
			}

			srcWidth, srcHeight = prov.Size()

			if srcWidth > 0 && srcHeight > 0 {
				if buffer == nil || buffer.Bounds().Dx() != srcWidth || buffer.Bounds().Dy() != srcHeight {
					buffer = image.NewRGBA(image.Rect(0, 0, srcWidth, srcHeight))
					log.Info().Int("width", srcWidth).Int("height", srcHeight).Msg("Frame buffer allocated")
				}

				outWidth, outHeight = Resolve(srcWidth, srcHeight, cfg.resolution)

				if cam == nil || outWidth != currentOutW || outHeight != currentOutH || fpsChanged {
					if cam != nil {
						cam.Close()
						cam = nil
					}

					currentTargetFPS = cfg.targetFPS
					// Update preview at the output rate while connected
					previewEvery = 1

					newCam, err := e.openSink(sink.Config{Width: outWidth, Height: outHeight, FPS: currentTargetFPS})
					if err != nil {
						log.Error().Err(err).Msg("Virtual camera init failed")
						e.pub.publish(State{Status: StatusError, Message: fmt.Sprintf("virtual camera init failed: %v", err)})
						e.running.Store(false)
						break
					}
					cam = newCam
					sendFailures = 0
					currentOutW, currentOutH = outWidth, outHeight
					log.Info().
						Int("width", outWidth).
						Int("height", outHeight).
						Int("fps", currentTargetFPS).
						Msg("Virtual camera opened")
				}

				e.pub.publish(State{
					Status:     StatusRunning,
					Message:    fmt.Sprintf("connected: %s (%dx%d)", target, srcWidth, srcHeight),
					SourceName: target,
				})
			} else {
				connectedSource = ""
				time.Sleep(e.idleSleep)
				continue
			}
		}

		if buffer == nil || cam == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if prov.Receive(buffer) {
			frameCount++

			if frameCount%e.emptyCheckInterval == 0 {
				if isEmptyFrame(buffer) {
					emptyStreak++
					if emptyStreak > e.emptyStreakLimit {
						log.Warn().Str("source", connectedSource).Msg("Sustained empty frames, dropping connection")
						connectedSource = ""
						emptyStreak = 0
						e.pub.publish(State{Status: StatusWaiting, Message: "waiting for source"})
						continue
					}
				} else {
					emptyStreak = 0
				}
			}

			frame := buffer
			if srcWidth != outWidth || srcHeight != outHeight {
				frame = scaleRGBA(buffer, outWidth, outHeight)
			}

			if err := cam.Send(frame); err != nil {
				log.Warn().Err(err).Msg("Failed to deliver frame")
				// A dead device fails every write; stop instead of
				// publishing Running while delivering nothing
				sendFailures++
				if sendFailures >= e.sendFailLimit {
					log.Error().Err(err).Int("failures", sendFailures).Msg("Virtual camera stopped accepting frames")
					e.pub.publish(State{Status: StatusError, Message: fmt.Sprintf("virtual camera write failed: %v", err)})
					e.running.Store(false)
					break
				}
			} else {
				sendFailures = 0
			}

			// Rolling one-second measurement window; log on a coarser cadence
			fpsFrames++
			if now.Sub(fpsWindowStart) >= time.Second {
				currentFPS = float64(fpsFrames) / now.Sub(fpsWindowStart).Seconds()
				if now.Sub(lastFPSLog) >= e.fpsLogInterval {
					log.Info().Float64("fps", currentFPS).Msg("Output frame rate")
					lastFPSLog = now
				}
				fpsWindowStart = now
				fpsFrames = 0
			}

			if frameCount%previewEvery == 0 {
				var preview *image.RGBA
				if cfg.preview {
					preview = scaleRGBA(buffer, previewWidth, previewHeight)
				}
				e.pub.publish(State{
					Status:     StatusRunning,
					Message:    fmt.Sprintf("streaming: %s", target),
					SourceName: target,
					FPS:        currentFPS,
					Frame:      preview,
				})
			}
		} else if connectedSource != "" {
			// Mid-stream disconnect, distinct from discovery-time loss
			log.Warn().Str("source", connectedSource).Msg("Frame receive failed, dropping connection")
			connectedSource = ""
			buffer = nil
			e.pub.publish(State{Status: StatusWaiting, Message: "waiting for source"})
		}

		cam.SleepUntilNextFrame()
	}
}
