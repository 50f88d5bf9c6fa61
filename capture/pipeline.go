// Package capture supervises an external capture process and turns its raw
// 4:2:0 output into pooled frames.
//
// A single worker goroutine owns the process, the block pool and the
// reassembler. The control plane talks to it only through typed messages
// (see MsgKind); frames and status changes come back on Events.
package capture

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/logging"
)

var (
	ErrClosed    = errors.New("capture pipeline is closed")
	ErrNoSpawner = errors.New("capture: spawner is required")
)

type Options struct {
	Config  Config
	Spawner Spawner

	PoolSize int
	// ChunkSize and Chunks size the read buffers between the process pipe
	// and the worker.
	ChunkSize int
	Chunks    int
	// EventBuffer is the capacity of the Events channel. Frames that do not
	// fit are released and counted as overflow.
	EventBuffer int

	LoggerFactory logging.LoggerFactory
}

type Pipeline struct {
	cmds   chan Command
	procs  chan procEvent
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	log    logging.LeveledLogger

	// owned by the worker
	spawner   Spawner
	chunkSize int
	chunks    int
	cfg       Config
	pool      *Pool
	reasm     *Reassembler
	run       *run
	state     State
	lastErr   string
	overflow  uint64
}

// run is one capture process and the read buffers lent to its reader.
type run struct {
	proc Process
	done chan struct{}
	free chan []byte
}

type procEvent struct {
	run  *run
	data []byte
	exit bool
	err  error
}

func New(opts Options) (p *Pipeline, err error) {
	if opts.Spawner == nil {
		return nil, ErrNoSpawner
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.Chunks <= 0 {
		opts.Chunks = 4
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 2
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	p = &Pipeline{
		cmds:      make(chan Command),
		procs:     make(chan procEvent),
		events:    make(chan Event, opts.EventBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       opts.LoggerFactory.NewLogger("capture"),
		spawner:   opts.Spawner,
		chunkSize: opts.ChunkSize,
		chunks:    opts.Chunks,
		pool:      NewPool(opts.PoolSize, 0),
		state:     StateStopped,
	}
	go p.work()
	if reply := p.do(Command{Kind: MsgInit, Config: opts.Config}); reply.Err != nil {
		p.Close()
		return nil, reply.Err
	}
	return p, nil
}

// Events streams frames and status changes. It is closed by Close.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Start spawns the capture process. started is false when it was already
// running.
func (p *Pipeline) Start() (started bool, st Status, err error) {
	r := p.do(Command{Kind: MsgStart})
	return r.Changed, r.Status, r.Err
}

// Stop terminates the capture process and releases every pooled buffer.
// It is idempotent; wasRunning tells whether a process was stopped.
func (p *Pipeline) Stop() (wasRunning bool, st Status) {
	r := p.do(Command{Kind: MsgStop})
	return r.Changed, r.Status
}

// Reconfigure applies patch atomically. Device, size, framerate and
// quality changes restart a running process; frameSkip applies in place.
func (p *Pipeline) Reconfigure(patch Patch) (Status, error) {
	r := p.do(Command{Kind: MsgReconfigure, Patch: patch})
	return r.Status, r.Err
}

func (p *Pipeline) Status() Status {
	return p.do(Command{Kind: MsgStatus}).Status
}

// Close stops the process and the worker. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.once.Do(func() { close(p.quit) })
	<-p.done
	return nil
}

func (p *Pipeline) do(cmd Command) Reply {
	cmd.reply = make(chan Reply, 1)
	select {
	case p.cmds <- cmd:
	case <-p.done:
		return Reply{Status: Status{State: StateStopped}, Err: ErrClosed}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-p.done:
		return Reply{Status: Status{State: StateStopped}, Err: ErrClosed}
	}
}

func (p *Pipeline) work() {
	defer close(p.done)
	defer close(p.events)
	for {
		select {
		case <-p.quit:
			p.stopProcess()
			if p.reasm != nil {
				p.reasm.Reset()
			}
			p.pool.Drain()
			return
		case cmd := <-p.cmds:
			cmd.reply <- p.handle(cmd)
		case ev := <-p.procs:
			p.handleProc(ev)
		}
	}
}

func (p *Pipeline) handle(cmd Command) Reply {
	switch cmd.Kind {
	case MsgInit:
		if err := cmd.Config.Validate(); err != nil {
			return Reply{Status: p.status(), Err: err}
		}
		p.cfg = cmd.Config
		p.pool.Resize(p.cfg.FrameSize())
		p.reasm = NewReassembler(p.pool, p.cfg)
		p.log.Infof("initialized %dx%d, frame size %d", p.cfg.Width, p.cfg.Height, p.cfg.FrameSize())
		return Reply{Status: p.status()}
	case MsgStart:
		if p.run != nil {
			return Reply{Status: p.status()}
		}
		err := p.startProcess()
		p.emitStatus()
		return Reply{Status: p.status(), Changed: err == nil, Err: err}
	case MsgStop:
		running := p.run != nil
		p.stopProcess()
		p.reasm.Reset()
		p.pool.Drain()
		p.state = StateStopped
		p.emitStatus()
		return Reply{Status: p.status(), Changed: running}
	case MsgReconfigure:
		return p.reconfigure(cmd.Patch)
	case MsgStatus:
		return Reply{Status: p.status()}
	}
	return Reply{Status: p.status(), Err: errors.New("capture: unexpected command " + cmd.Kind.String())}
}

func (p *Pipeline) reconfigure(patch Patch) Reply {
	next := p.cfg.Apply(patch)
	if err := next.Validate(); err != nil {
		return Reply{Status: p.status(), Err: err}
	}
	old := p.cfg
	restart := p.run != nil && NeedsRestart(old, next)
	if restart {
		p.stopProcess()
	}
	if Resized(old, next) {
		p.reasm.Resize(next)
		if p.pool.BlockSize() > 0 || restart {
			p.pool.Resize(next.FrameSize())
		}
	} else {
		p.reasm.SetSkip(next.FrameSkip)
	}
	p.cfg = next
	p.log.Infof("config updated: %+v (restart: %v)", next, restart)
	var err error
	if restart {
		err = p.startProcess()
	}
	p.emitStatus()
	return Reply{Status: p.status(), Changed: restart, Err: err}
}

func (p *Pipeline) startProcess() error {
	if p.pool.BlockSize() != p.cfg.FrameSize() {
		p.pool.Resize(p.cfg.FrameSize())
	}
	p.reasm.Resize(p.cfg)
	proc, err := p.spawner.Spawn(p.cfg)
	if err != nil {
		p.state = StateFailed
		p.lastErr = err.Error()
		p.log.Errorf("spawn capture process: %v", err)
		return err
	}
	r := &run{
		proc: proc,
		done: make(chan struct{}),
		free: make(chan []byte, p.chunks),
	}
	for range p.chunks {
		r.free <- make([]byte, p.chunkSize)
	}
	p.run = r
	p.state = StateRunning
	p.lastErr = ""
	p.overflow = 0
	go p.read(r)
	p.log.Infof("capture process %d started", proc.PID())
	return nil
}

func (p *Pipeline) stopProcess() {
	r := p.run
	if r == nil {
		return
	}
	p.run = nil
	close(r.done)
	if err := r.proc.Stop(); err != nil {
		p.log.Warnf("stop capture process: %v", err)
	}
}

// read pumps the process output to the worker until EOF or stop, then
// reaps the process.
func (p *Pipeline) read(r *run) {
	stdout := r.proc.Stdout()
	var err error
	defer func() {
		werr := r.proc.Wait()
		if err == nil || errors.Is(err, io.EOF) {
			err = werr
		}
		select {
		case p.procs <- procEvent{run: r, exit: true, err: err}:
		case <-r.done:
		case <-p.done:
		}
	}()
	discard := func() { io.Copy(io.Discard, stdout) }
	for {
		var buf []byte
		select {
		case buf = <-r.free:
		case <-r.done:
			discard()
			return
		}
		n, rerr := stdout.Read(buf)
		if n > 0 {
			select {
			case p.procs <- procEvent{run: r, data: buf[:n]}:
			case <-r.done:
				discard()
				return
			case <-p.done:
				return
			}
		} else {
			r.free <- buf
		}
		if rerr != nil {
			err = rerr
			return
		}
	}
}

func (p *Pipeline) handleProc(ev procEvent) {
	if ev.data != nil {
		if ev.run == p.run {
			p.reasm.Write(ev.data, p.emitFrame)
		}
		ev.run.free <- ev.data[:cap(ev.data)]
		return
	}
	if !ev.exit || ev.run != p.run {
		return
	}
	p.run = nil
	if ev.err != nil {
		p.state = StateFailed
		p.lastErr = ev.err.Error()
		p.log.Errorf("capture process exited: %v", ev.err)
	} else {
		p.state = StateStopped
		p.log.Infof("capture process exited")
	}
	p.emitStatus()
}

func (p *Pipeline) emitFrame(b *Block) {
	select {
	case p.events <- Event{Kind: MsgFrame, Frame: b}:
	default:
		b.Release()
		p.overflow++
	}
}

func (p *Pipeline) emitStatus() {
	select {
	case p.events <- Event{Kind: MsgStatus, Status: p.status()}:
	default:
		p.log.Debugf("status event dropped, sink is busy")
	}
}

func (p *Pipeline) status() Status {
	st := Status{
		State:     p.state,
		Config:    p.cfg,
		FrameSize: p.cfg.FrameSize(),
		Overflow:  p.overflow,
		Err:       p.lastErr,
	}
	if p.run != nil {
		st.PID = p.run.proc.PID()
	}
	if p.reasm != nil {
		st.Extracted = p.reasm.Extracted
		st.Forwarded = p.reasm.Forwarded
		st.Skipped = p.reasm.Skipped
		st.Dropped = p.reasm.Dropped
	}
	return st
}
