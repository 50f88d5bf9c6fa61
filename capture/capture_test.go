package capture

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
)

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	try.To(cfg.Validate())
	assert.Equal(cfg.FrameSize(), 1280*720*3/2)

	w, h := 640, 480
	next := cfg.Apply(Patch{Width: &w, Height: &h})
	assert.Equal(next.Width, 640)
	assert.Equal(next.Framerate, cfg.Framerate)
	assert.That(NeedsRestart(cfg, next), "resize needs restart")
	assert.That(Resized(cfg, next), "resize changes frame size")

	skip := 2
	skipped := cfg.Apply(Patch{FrameSkip: &skip})
	assert.That(!NeedsRestart(cfg, skipped), "frameSkip applies without restart")
	assert.That(!NeedsRestart(cfg, cfg.Apply(Patch{Width: &cfg.Width})), "same value needs no restart")

	odd := 641
	assert.That(errors.Is(cfg.Apply(Patch{Width: &odd}).Validate(), ErrInvalidConfig), "odd width rejected")
	bad := Quality("ultra")
	assert.That(errors.Is(cfg.Apply(Patch{Quality: &bad}).Validate(), ErrInvalidConfig), "unknown quality rejected")

	assert.Equal(QualityLow.Preset().BitRate, 500_000)
	assert.Equal(QualityMedium.Preset().BitRate, 1_500_000)
	assert.Equal(Quality("").Preset().BitRate, 3_000_000)
	assert.Equal(Resolutions[3].Label, "720p")
}

func TestFFmpegArgs(t *testing.T) {
	cfg := Config{WebcamDevice: "/dev/video2", Width: 640, Height: 480, Framerate: 15, Quality: QualityLow}
	got := Args(cfg)
	want := []string{
		"-f", "v4l2", "-framerate", "15", "-video_size", "640x480",
		"-input_format", "mjpeg", "-i", "/dev/video2",
		"-pix_fmt", "yuv420p", "-f", "rawvideo", "pipe:1",
	}
	assert.Equal(len(got), len(want))
	for i := range want {
		assert.Equal(got[i], want[i])
	}
}

func TestPoolOwnership(t *testing.T) {
	p := NewPool(3, 8)
	seen := map[*Block]bool{}
	var blocks []*Block
	for range 3 {
		b, ok := p.Get()
		assert.That(ok, "block expected")
		assert.That(!seen[b], "block handed out twice")
		seen[b] = true
		blocks = append(blocks, b)
	}
	_, ok := p.Get()
	assert.That(!ok, "pool should be exhausted")
	assert.Equal(p.Outstanding(), 3)

	blocks[0].Release()
	blocks[0].Release()
	assert.Equal(p.Free(), 1)
	b, _ := p.Get()
	assert.That(b == blocks[0], "released block is reused")

	// blocks owned during a resize are retired, not returned
	p.Resize(16)
	assert.Equal(p.Free(), 3)
	blocks[1].Release()
	assert.Equal(p.Free(), 3)
	nb, _ := p.Get()
	assert.Equal(nb.Len(), 16)

	p.Drain()
	assert.Equal(p.Free(), 0)
	assert.Equal(p.BlockSize(), 0)
}

func TestReassemblerFrameCount(t *testing.T) {
	cfg := Config{WebcamDevice: "x", Width: 4, Height: 2, Framerate: 1, Quality: QualityLow}
	frameSize := cfg.FrameSize()
	rng := rand.New(rand.NewSource(7))
	for _, total := range []int{0, 11, 12, 13, 1000, 4096} {
		pool := NewPool(2, frameSize)
		r := NewReassembler(pool, cfg)
		data := make([]byte, total)
		forwarded := 0
		for len(data) > 0 {
			n := min(1+rng.Intn(3*frameSize), len(data))
			r.Write(data[:n], func(b *Block) {
				forwarded++
				b.Release()
			})
			data = data[n:]
		}
		assert.Equal(int(r.Extracted), total/frameSize)
		assert.Equal(forwarded, total/frameSize)
		assert.Equal(pool.Outstanding(), 1-boolInt(total%frameSize == 0))
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestReassemblerSkip(t *testing.T) {
	cfg := Config{WebcamDevice: "x", Width: 2, Height: 2, Framerate: 1, FrameSkip: 2, Quality: QualityLow}
	frameSize := cfg.FrameSize()
	var stream []byte
	for i := 1; i <= 9; i++ {
		stream = append(stream, bytes.Repeat([]byte{byte(i)}, frameSize)...)
	}
	r := NewReassembler(NewPool(2, frameSize), cfg)
	var got []byte
	var seqs []uint64
	for len(stream) > 0 {
		n := min(5, len(stream))
		r.Write(stream[:n], func(b *Block) {
			assert.That(bytes.Equal(b.Bytes(), bytes.Repeat(b.Bytes()[:1], frameSize)), "frame bytes mixed")
			got = append(got, b.Bytes()[0])
			seqs = append(seqs, b.Seq)
			b.Release()
		})
		stream = stream[n:]
	}
	assert.Equal(string(got), string([]byte{3, 6, 9}))
	assert.Equal(len(seqs), 3)
	assert.Equal(seqs[2], uint64(9))
	assert.Equal(r.Skipped, uint64(6))
}

func TestReassemblerPoolExhausted(t *testing.T) {
	cfg := Config{WebcamDevice: "x", Width: 2, Height: 2, Framerate: 1, Quality: QualityLow}
	r := NewReassembler(NewPool(1, cfg.FrameSize()), cfg)
	var held []*Block
	r.Write(make([]byte, 3*cfg.FrameSize()), func(b *Block) { held = append(held, b) })
	assert.Equal(len(held), 1)
	assert.Equal(r.Dropped, uint64(2))
	assert.Equal(r.Extracted, uint64(3))
}

type fakeProc struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	pid  int
	once sync.Once
	gone chan struct{}
}

func (p *fakeProc) Stdout() io.Reader { return p.r }
func (p *fakeProc) PID() int          { return p.pid }
func (p *fakeProc) Wait() error {
	<-p.gone
	return nil
}
func (p *fakeProc) Stop() error {
	p.exit()
	return nil
}
func (p *fakeProc) exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.gone)
	})
}
func (p *fakeProc) stopped() bool {
	select {
	case <-p.gone:
		return true
	default:
		return false
	}
}

type fakeSpawner struct {
	mu      sync.Mutex
	configs []Config
	procs   chan *fakeProc
	fail    error
}

func newFakeSpawner() *fakeSpawner { return &fakeSpawner{procs: make(chan *fakeProc, 4)} }

func (s *fakeSpawner) Spawn(cfg Config) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.configs = append(s.configs, cfg)
	r, w := io.Pipe()
	p := &fakeProc{r: r, w: w, pid: 100 + len(s.configs), gone: make(chan struct{})}
	s.procs <- p
	return p, nil
}

func (s *fakeSpawner) spawned() []Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Config(nil), s.configs...)
}

func nextProc(t *testing.T, s *fakeSpawner) *fakeProc {
	t.Helper()
	select {
	case p := <-s.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process spawned")
	}
	return nil
}

func nextFrame(t *testing.T, p *Pipeline) *Block {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == MsgFrame {
				return ev.Frame
			}
		case <-timeout:
			t.Fatal("no frame")
		}
	}
}

func nextStatus(t *testing.T, p *Pipeline, state State) Status {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == MsgFrame {
				ev.Frame.Release()
				continue
			}
			if ev.Status.State == state {
				return ev.Status
			}
		case <-timeout:
			t.Fatalf("no %s status", state)
		}
	}
}

// writeChunks feeds data to the process in uneven pieces.
func writeChunks(proc *fakeProc, data []byte) {
	go func() {
		for i := 0; len(data) > 0; i++ {
			n := min(1000+i*777, len(data))
			if _, err := proc.w.Write(data[:n]); err != nil {
				return
			}
			data = data[n:]
		}
	}()
}

func vga() Config {
	return Config{WebcamDevice: "/dev/video0", Width: 640, Height: 480, Framerate: 30, Quality: QualityMedium}
}

func TestResolutionChangeRestarts(t *testing.T) {
	spawner := newFakeSpawner()
	p := try.To1(New(Options{Config: vga(), Spawner: spawner, EventBuffer: 8}))
	defer p.Close()

	started, st, err := p.Start()
	try.To(err)
	assert.That(started, "process should start")
	assert.That(st.Running(), "status should be running")
	first := nextProc(t, spawner)

	small := vga().FrameSize()
	writeChunks(first, make([]byte, 2*small+small/2))
	for range 2 {
		f := nextFrame(t, p)
		assert.Equal(f.Len(), small)
		assert.Equal(f.Width, 640)
		f.Release()
	}

	w, h := 1280, 720
	st, err = p.Reconfigure(Patch{Width: &w, Height: &h})
	try.To(err)
	assert.That(first.stopped(), "old process should be stopped")
	second := nextProc(t, spawner)
	assert.Equal(len(spawner.spawned()), 2)
	assert.Equal(spawner.spawned()[1].Width, 1280)
	assert.Equal(st.FrameSize, 1280*720*3/2)
	assert.Equal(p.pool.BlockSize(), 1280*720*3/2)
	assert.Equal(p.pool.Free(), DefaultPoolSize)

	writeChunks(second, make([]byte, st.FrameSize))
	f := nextFrame(t, p)
	assert.Equal(f.Len(), 1280*720*3/2)
	assert.Equal(f.Width, 1280)
	assert.Equal(f.Seq, uint64(1))
	f.Release()
}

func TestFrameSkipWithoutRestart(t *testing.T) {
	spawner := newFakeSpawner()
	p := try.To1(New(Options{Config: vga(), Spawner: spawner}))
	defer p.Close()
	_, _, err := p.Start()
	try.To(err)
	nextProc(t, spawner)

	skip := 3
	st := try.To1(p.Reconfigure(Patch{FrameSkip: &skip}))
	assert.Equal(st.Config.FrameSkip, 3)
	assert.Equal(len(spawner.spawned()), 1)

	bad := -1
	_, err = p.Reconfigure(Patch{FrameSkip: &bad})
	assert.That(errors.Is(err, ErrInvalidConfig), "negative frameSkip rejected")
	assert.Equal(p.Status().Config.FrameSkip, 3)
}

func TestStartTwiceAndStopIdempotent(t *testing.T) {
	spawner := newFakeSpawner()
	p := try.To1(New(Options{Config: vga(), Spawner: spawner}))
	defer p.Close()

	started, _, _ := p.Start()
	assert.That(started, "first start spawns")
	proc := nextProc(t, spawner)
	started, _, _ = p.Start()
	assert.That(!started, "second start reports already running")

	stopped, st := p.Stop()
	assert.That(stopped, "stop should report running process")
	assert.Equal(st.State, StateStopped)
	assert.That(proc.stopped(), "process should be stopped")
	assert.Equal(p.pool.BlockSize(), 0)

	stopped, _ = p.Stop()
	assert.That(!stopped, "second stop is a no-op")

	try.To(p.Close())
	try.To(p.Close())
	_, _, err := p.Start()
	assert.That(errors.Is(err, ErrClosed), "want ErrClosed")
}

func TestSpawnFailure(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.fail = errors.New("no such device")
	p := try.To1(New(Options{Config: vga(), Spawner: spawner}))
	defer p.Close()

	started, st, err := p.Start()
	assert.That(err != nil, "spawn error expected")
	assert.That(!started, "nothing started")
	assert.Equal(st.State, StateFailed)
	assert.Equal(st.Err, "no such device")

	spawner.mu.Lock()
	spawner.fail = nil
	spawner.mu.Unlock()
	started, _, err = p.Start()
	try.To(err)
	assert.That(started, "pipeline restartable after failure")
}

func TestProcessExit(t *testing.T) {
	spawner := newFakeSpawner()
	p := try.To1(New(Options{Config: vga(), Spawner: spawner, EventBuffer: 8}))
	defer p.Close()
	_, _, err := p.Start()
	try.To(err)
	proc := nextProc(t, spawner)
	proc.exit()
	nextStatus(t, p, StateStopped)
	assert.That(!p.Status().Running(), "pipeline should report stopped")
}

func TestInvalidInitialConfig(t *testing.T) {
	_, err := New(Options{Config: Config{Width: 3}, Spawner: newFakeSpawner()})
	assert.That(errors.Is(err, ErrInvalidConfig), "invalid config rejected")
	_, err = New(Options{})
	assert.That(errors.Is(err, ErrNoSpawner), "want ErrNoSpawner")
}
