package bridge

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/tatsu020/AvatarWebcam/internal/sink"
	"github.com/tatsu020/AvatarWebcam/internal/source"
)

// fakeProvider is an in-memory shared-texture provider. The sender list and
// frame content can be changed mid-test to simulate senders appearing,
// disappearing or going black.
type fakeProvider struct {
	mu       sync.Mutex
	names    []string
	width    int
	height   int
	attached string
	black    bool
	flicker  bool
	recvs    int
	recvFail bool
	closed   bool
}

func (p *fakeProvider) List() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out, nil
}

func (p *fakeProvider) Attach(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.names {
		if n == name {
			p.attached = name
			return nil
		}
	}
	return source.ErrSenderNotFound
}

func (p *fakeProvider) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

func (p *fakeProvider) Receive(buf *image.RGBA) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recvFail {
		return false
	}
	p.recvs++
	fill := byte(0xff)
	if p.black || (p.flicker && p.recvs%2 == 0) {
		fill = 0
	}
	for i := 0; i < len(buf.Pix); i += 4 {
		buf.Pix[i] = fill
		buf.Pix[i+1] = fill
		buf.Pix[i+2] = fill
		buf.Pix[i+3] = 0xff
	}
	return true
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProvider) setNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = names
}

func (p *fakeProvider) setBlack(black bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.black = black
}

func (p *fakeProvider) attachedName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// fakeSink counts delivered frames without pacing.
type fakeSink struct {
	factory *fakeSinkFactory
	cfg     sink.Config
}

func (s *fakeSink) Send(frame *image.RGBA) error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if s.factory.failNext > 0 {
		s.factory.failNext--
		return errors.New("short write")
	}
	if s.factory.sendErr != nil {
		return s.factory.sendErr
	}
	s.factory.frames++
	return nil
}

func (s *fakeSink) SleepUntilNextFrame() { time.Sleep(time.Millisecond) }

func (s *fakeSink) Close() error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.factory.closes++
	return nil
}

type fakeSinkFactory struct {
	mu       sync.Mutex
	configs  []sink.Config
	frames   int
	closes   int
	openErr  error
	sendErr  error
	failNext int
}

func (f *fakeSinkFactory) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeSinkFactory) setFailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeSinkFactory) open(cfg sink.Config) (sink.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.configs = append(f.configs, cfg)
	return &fakeSink{factory: f, cfg: cfg}, nil
}

func (f *fakeSinkFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configs)
}

func (f *fakeSinkFactory) lastConfig() sink.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		return sink.Config{}
	}
	return f.configs[len(f.configs)-1]
}

func (f *fakeSinkFactory) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func newTestEngine(prov *fakeProvider, sf *fakeSinkFactory, opts ...Option) *Engine {
	base := []Option{
		WithSourceOpener(func() (source.Provider, error) { return prov, nil }),
		WithSinkOpener(sf.open),
		WithPollBackoff(time.Millisecond, 4*time.Millisecond),
		WithStopTimeout(2 * time.Second),
	}
	e := New(append(base, opts...)...)

	// Collapse the timing constants so tests run in milliseconds
	e.idleSleep = time.Millisecond
	e.warmupAttempts = 1
	e.warmupDelay = 0
	return e
}

// stateRecorder drains a subscription into a slice for later inspection.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func recordStates(t *testing.T, e *Engine) *stateRecorder {
	t.Helper()

	rec := &stateRecorder{}
	ch := make(chan State, 1024)
	if err := e.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	go func() {
		for st := range ch {
			rec.mu.Lock()
			rec.states = append(rec.states, st)
			rec.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		e.Unsubscribe("test")
		close(ch)
	})
	return rec
}

func (r *stateRecorder) sawStatus(status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st.Status == status {
			return true
		}
	}
	return false
}

// sawTransition reports whether to was observed at least once after from.
func (r *stateRecorder) sawTransition(from, to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seenFrom := false
	for _, st := range r.states {
		if st.Status == from {
			seenFrom = true
		} else if seenFrom && st.Status == to {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineWaitsThenConnects(t *testing.T) {
	prov := &fakeProvider{width: 640, height: 360}
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.Start()
	defer e.Stop()

	waitFor(t, "waiting state", func() bool { return rec.sawStatus(StatusWaiting) })
	if n := sf.openCount(); n != 0 {
		t.Fatalf("sink opened %d times before any sender existed", n)
	}

	prov.setNames([]string{"VRC Avatar Feed"})

	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })
	waitFor(t, "frames delivered", func() bool { return sf.frameCount() >= 5 })

	if got := prov.attachedName(); got != "VRC Avatar Feed" {
		t.Errorf("attached to %q, want %q", got, "VRC Avatar Feed")
	}
	cfg := sf.lastConfig()
	if cfg.Width != 640 || cfg.Height != 360 {
		t.Errorf("sink opened with %dx%d, want 640x360", cfg.Width, cfg.Height)
	}
}

func TestEngineExplicitTargetOverridesMarker(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	prov.setNames([]string{"VRC Avatar Feed", "Plain Window"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.SetTargetSource("Plain Window")
	e.Start()
	defer e.Stop()

	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })

	if got := prov.attachedName(); got != "Plain Window" {
		t.Errorf("attached to %q, want the explicitly pinned sender", got)
	}
}

func TestEngineAutoStopsOnSourceLoss(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.Start()
	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })

	prov.setNames(nil)

	waitFor(t, "engine stop", func() bool { return !e.IsRunning() })
	waitFor(t, "stopped state", func() bool { return rec.sawStatus(StatusStopped) })

	if !rec.sawTransition(StatusRunning, StatusWaiting) {
		t.Error("expected a waiting state between running and stopped")
	}
}

func TestEngineReopensSinkOnResolutionChange(t *testing.T) {
	prov := &fakeProvider{width: 1920, height: 1080}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.Start()
	defer e.Stop()
	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })

	cfg := sf.lastConfig()
	if cfg.Width != 1920 || cfg.Height != 1080 {
		t.Fatalf("initial sink %dx%d, want 1920x1080", cfg.Width, cfg.Height)
	}

	e.SetResolutionMode("480p")
	waitFor(t, "sink reopen at 480p", func() bool {
		c := sf.lastConfig()
		return c.Width == 854 && c.Height == 480
	})

	e.SetTargetFPS(60)
	waitFor(t, "sink reopen at 60 fps", func() bool { return sf.lastConfig().FPS == 60 })
}

func TestEngineStopsOnSinkInitFailure(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{openErr: &sink.InitError{Backend: "v4l2", Err: errors.New("no such device")}}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.Start()

	waitFor(t, "error state", func() bool { return rec.sawStatus(StatusError) })
	waitFor(t, "engine stop", func() bool { return !e.IsRunning() })
}

func TestEngineDropsConnectionOnEmptyStreak(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	e.emptyCheckInterval = 1
	e.emptyStreakLimit = 2
	rec := recordStates(t, e)

	e.Start()
	defer e.Stop()
	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })

	prov.setBlack(true)

	waitFor(t, "waiting after empty streak", func() bool {
		return rec.sawTransition(StatusRunning, StatusWaiting)
	})
	// The sender is still listed, so the engine keeps running and is free
	// to reattach once frames come back
	if !e.IsRunning() {
		t.Error("engine stopped on empty streak, want reconnect loop")
	}
}

func TestEngineFixedResolutionModes(t *testing.T) {
	t.Run("exact catalog match needs no resize", func(t *testing.T) {
		prov := &fakeProvider{width: 1280, height: 720}
		prov.setNames([]string{"VRC Avatar Feed"})
		sf := &fakeSinkFactory{}
		e := newTestEngine(prov, sf)
		rec := recordStates(t, e)

		e.SetResolutionMode("720p")
		e.Start()
		defer e.Stop()

		waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })
		waitFor(t, "frames delivered", func() bool { return sf.frameCount() >= 3 })

		cfg := sf.lastConfig()
		if cfg.Width != 1280 || cfg.Height != 720 {
			t.Errorf("sink = %dx%d, want 1280x720", cfg.Width, cfg.Height)
		}
		if n := sf.openCount(); n != 1 {
			t.Errorf("sink opened %d times, want once", n)
		}
	})

	t.Run("small source never upscaled", func(t *testing.T) {
		prov := &fakeProvider{width: 640, height: 360}
		prov.setNames([]string{"VRC Avatar Feed"})
		sf := &fakeSinkFactory{}
		e := newTestEngine(prov, sf)
		rec := recordStates(t, e)

		e.SetResolutionMode("1080p")
		e.Start()
		defer e.Stop()

		waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })

		cfg := sf.lastConfig()
		if cfg.Width != 640 || cfg.Height != 360 {
			t.Errorf("sink = %dx%d, want the unscaled 640x360", cfg.Width, cfg.Height)
		}
	})
}

func TestEngineEmptyChecksResetOnContent(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240, flicker: true}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	e.emptyCheckInterval = 1
	e.emptyStreakLimit = 2
	rec := recordStates(t, e)

	e.Start()
	defer e.Stop()
	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })

	// Alternating black/lit frames keep resetting the streak, so the
	// connection must survive well past the streak limit
	waitFor(t, "sustained streaming", func() bool { return sf.frameCount() >= 100 })

	if rec.sawTransition(StatusRunning, StatusWaiting) {
		t.Error("connection dropped despite streak resets")
	}
	if !e.IsRunning() {
		t.Error("engine stopped during flickering stream")
	}
}

func TestEngineStopsWhenSinkDies(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.Start()
	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })
	waitFor(t, "frames delivered", func() bool { return sf.frameCount() >= 3 })

	// Every write to a dead device fails; the engine must not keep
	// publishing Running while delivering nothing
	sf.setSendErr(errors.New("broken pipe"))

	waitFor(t, "error state", func() bool { return rec.sawStatus(StatusError) })
	waitFor(t, "engine stop", func() bool { return !e.IsRunning() })
}

func TestEngineToleratesTransientSendFailures(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	prov.setNames([]string{"VRC Avatar Feed"})
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)
	rec := recordStates(t, e)

	e.Start()
	defer e.Stop()
	waitFor(t, "running state", func() bool { return rec.sawStatus(StatusRunning) })
	waitFor(t, "frames delivered", func() bool { return sf.frameCount() >= 3 })

	// Fewer consecutive failures than the limit; delivery resumes and the
	// failure counter resets
	sf.setFailNext(e.sendFailLimit - 1)

	before := sf.frameCount()
	waitFor(t, "delivery resumed", func() bool { return sf.frameCount() >= before+10 })

	if rec.sawStatus(StatusError) {
		t.Error("engine errored on a transient send failure")
	}
	if !e.IsRunning() {
		t.Error("engine stopped on a transient send failure")
	}
}

func TestEngineStopsOnSourceContextFailure(t *testing.T) {
	sf := &fakeSinkFactory{}
	e := New(
		WithSourceOpener(func() (source.Provider, error) {
			return nil, errors.New("display unavailable")
		}),
		WithSinkOpener(sf.open),
	)
	rec := recordStates(t, e)

	e.Start()

	waitFor(t, "error state", func() bool { return rec.sawStatus(StatusError) })
	waitFor(t, "engine stop", func() bool { return !e.IsRunning() })
}

func TestEngineStartStopIdempotent(t *testing.T) {
	prov := &fakeProvider{width: 320, height: 240}
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)

	// Stop before any start is a no-op
	e.Stop()

	e.Start()
	e.Start()
	if !e.IsRunning() {
		t.Fatal("engine not running after Start")
	}

	e.Stop()
	e.Stop()
	if e.IsRunning() {
		t.Fatal("engine still running after Stop")
	}

	// Restart works after a clean stop
	e.Start()
	if !e.IsRunning() {
		t.Fatal("engine not running after restart")
	}
	e.Stop()
}

func TestEngineRejectsInvalidSettings(t *testing.T) {
	prov := &fakeProvider{}
	sf := &fakeSinkFactory{}
	e := newTestEngine(prov, sf)

	e.SetResolutionMode("4000p")
	if got := e.cfg.Load().resolution; got != ResolutionSource {
		t.Errorf("resolution = %q after invalid mode, want %q", got, ResolutionSource)
	}

	e.SetTargetFPS(0)
	e.SetTargetFPS(-5)
	if got := e.cfg.Load().targetFPS; got != 30 {
		t.Errorf("fps = %d after invalid values, want 30", got)
	}
}
