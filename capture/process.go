package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
)

// Process is a running capture process streaming raw frames on Stdout.
type Process interface {
	Stdout() io.Reader
	// Wait blocks until the process exited. Call it once, after Stdout
	// reached EOF.
	Wait() error
	// Stop asks the process to terminate. Safe to call more than once.
	Stop() error
	PID() int
}

type Spawner interface {
	Spawn(cfg Config) (Process, error)
}

// FFmpeg spawns ffmpeg reading a V4L2 device and writing yuv420p frames to
// its stdout.
type FFmpeg struct {
	// Path of the ffmpeg binary, "ffmpeg" when empty.
	Path string
	// StopTimeout is how long a process gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

var _ Spawner = (*FFmpeg)(nil)

func Args(cfg Config) []string {
	return []string{
		"-f", "v4l2",
		"-framerate", strconv.Itoa(cfg.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-input_format", "mjpeg",
		"-i", cfg.WebcamDevice,
		"-pix_fmt", "yuv420p",
		"-f", "rawvideo",
		"pipe:1",
	}
}

func (f *FFmpeg) Spawn(cfg Config) (Process, error) {
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	factory := f.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	log := factory.NewLogger("ffmpeg")
	args := Args(cfg)
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	log.Infof("starting %s %s", path, strings.Join(args, " "))
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	go logStderr(stderr, log)
	timeout := f.StopTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ffmpegProcess{cmd: cmd, stdout: stdout, timeout: timeout, exited: make(chan struct{})}, nil
}

func logStderr(r io.Reader, log logging.LeveledLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fatal") {
			log.Errorf("%s", line)
		} else {
			log.Debugf("%s", line)
		}
	}
}

type ffmpegProcess struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	timeout time.Duration

	stopOnce sync.Once
	exited   chan struct{}
}

func (p *ffmpegProcess) Stdout() io.Reader { return p.stdout }

func (p *ffmpegProcess) PID() int { return p.cmd.Process.Pid }

func (p *ffmpegProcess) Wait() error {
	defer close(p.exited)
	err := p.cmd.Wait()
	var exit *exec.ExitError
	if errors.As(err, &exit) && !exit.Exited() {
		// killed by our own signal
		return nil
	}
	return err
}

func (p *ffmpegProcess) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		if err = p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			err = p.cmd.Process.Kill()
			return
		}
		go func() {
			select {
			case <-p.exited:
			case <-time.After(p.timeout):
				p.cmd.Process.Kill()
			}
		}()
	})
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
