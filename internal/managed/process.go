package managed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/provider"
)

// Status is the lifecycle state of the companion process.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// Output lines that mark startup progress.
const (
	listeningMarker = "HTTP server is listening"
	loadedMarker    = "model loaded"
)

const (
	stopGrace    = 2 * time.Second
	healthPeriod = 250 * time.Millisecond
	tailLines    = 30
)

type child struct {
	cmd     *exec.Cmd
	want    spawnOptions
	port    int
	baseURL string
	exited  chan struct{}
	scanned chan struct{}
	waitErr error
	tail    *lineTail
	started time.Time
}

func (c *child) alive() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// supervisor owns at most one llama-server child.
type supervisor struct {
	bin     string
	timeout time.Duration
	client  *http.Client
	log     zerolog.Logger
	pub     provider.EventPublisher

	mu      sync.Mutex // guards pending and child replacement; never held while waiting for readiness
	pending *startup
	cur     atomic.Pointer[child]
	status  atomic.Int32
}

// startup is an in-flight start. Callers wanting the same child wait on
// done instead of spawning a second process.
type startup struct {
	want   spawnOptions
	done   chan struct{}
	cancel context.CancelCauseFunc
	url    string
	err    error
}

// Status reports the child state. A child that died after becoming ready
// reports failed.
func (s *supervisor) Status() Status {
	st := Status(s.status.Load())
	if c := s.cur.Load(); st == StatusRunning && (c == nil || !c.alive()) {
		return StatusFailed
	}
	return st
}

// serving returns the running child, if any.
func (s *supervisor) serving() *child {
	if c := s.cur.Load(); c != nil && c.alive() && Status(s.status.Load()) == StatusRunning {
		return c
	}
	return nil
}

// ensure returns the base URL of a child started with o, restarting the
// process when it is dead or serving something else. Callers that find a
// start of the same child in progress share its outcome.
func (s *supervisor) ensure(ctx context.Context, o spawnOptions) (string, error) {
	for {
		s.mu.Lock()
		if p := s.pending; p != nil {
			s.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if p.want == o {
				return p.url, p.err
			}
			continue
		}
		if c := s.cur.Load(); c != nil {
			if c.alive() && c.want == o && Status(s.status.Load()) == StatusRunning {
				s.mu.Unlock()
				return c.baseURL, nil
			}
			s.stopLocked(c, "switch")
		}
		startCtx, cancel := context.WithCancelCause(ctx)
		p := &startup{want: o, done: make(chan struct{}), cancel: cancel}
		s.pending = p
		s.status.Store(int32(StatusStarting))
		s.mu.Unlock()

		p.url, p.err = s.start(startCtx, o)
		cancel(nil)
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		close(p.done)
		return p.url, p.err
	}
}

func (s *supervisor) start(ctx context.Context, o spawnOptions) (string, error) {
	model := filepath.Base(o.Model)
	args := o
	if args.Port == 0 {
		p, err := pickFreePort(o.Host)
		if err != nil {
			s.status.Store(int32(StatusFailed))
			return "", provider.ErrTransport(Name, model, provider.StageStart, err)
		}
		args.Port = p
	}
	s.status.Store(int32(StatusStarting))

	cmd := exec.Command(s.bin, buildArgs(args)...)
	cmd.Env = commandEnv(s.bin, os.Environ())
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		s.status.Store(int32(StatusFailed))
		spawnsTotal.WithLabelValues("error").Inc()
		return "", provider.ErrTransport(Name, model, provider.StageStart, fmt.Errorf("start %s: %w", s.bin, err))
	}
	c := &child{
		cmd:     cmd,
		want:    o,
		port:    args.Port,
		baseURL: "http://" + net.JoinHostPort(args.Host, strconv.Itoa(args.Port)),
		exited:  make(chan struct{}),
		scanned: make(chan struct{}),
		tail:    newLineTail(tailLines),
		started: time.Now(),
	}
	s.cur.Store(c)
	pid := cmd.Process.Pid
	log := s.log.With().Str("model", model).Int("pid", pid).Logger()
	log.Info().Int("port", args.Port).Strs("args", cmd.Args[1:]).Msg("spawn start")
	s.pub.Publish(provider.Event{Name: "spawn_start", Provider: Name, Model: model, Fields: map[string]any{"pid": pid, "port": args.Port}})

	ready := make(chan string, 2)
	go c.scan(pr, log, ready)
	go func() {
		c.waitErr = cmd.Wait()
		_ = pw.Close()
		close(c.exited)
	}()
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go s.pollHealth(pollCtx, c.baseURL, ready)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case signal := <-ready:
		s.status.Store(int32(StatusRunning))
		spawnsTotal.WithLabelValues("ready").Inc()
		log.Info().Str("signal", signal).Dur("took", time.Since(c.started)).Msg("spawn ready")
		s.pub.Publish(provider.Event{Name: "spawn_ready", Provider: Name, Model: model, Fields: map[string]any{"pid": pid, "url": c.baseURL, "signal": signal}})
		return c.baseURL, nil
	case <-c.exited:
		s.status.Store(int32(StatusFailed))
		s.cur.CompareAndSwap(c, nil)
		spawnsTotal.WithLabelValues("exited").Inc()
		select {
		case <-c.scanned:
		case <-time.After(time.Second):
		}
		tail := c.tail.String()
		log.Warn().AnErr("exit", c.waitErr).Str("output", tail).Msg("process exited before ready")
		s.pub.Publish(provider.Event{Name: "spawn_exit", Provider: Name, Model: model, Fields: map[string]any{"pid": pid, "before_ready": true}})
		return "", provider.ErrTransport(Name, model, provider.StageStart, fmt.Errorf("llama-server exited before ready (%v); output tail: %s", c.waitErr, tail))
	case <-timer.C:
		s.terminate(c)
		s.status.Store(int32(StatusFailed))
		spawnsTotal.WithLabelValues("timeout").Inc()
		log.Error().Dur("timeout", s.timeout).Msg("spawn timeout")
		s.pub.Publish(provider.Event{Name: "spawn_timeout", Provider: Name, Model: model, Fields: map[string]any{"pid": pid}})
		return "", provider.ErrTransport(Name, model, provider.StageStart, fmt.Errorf("llama-server not ready after %s", s.timeout))
	case <-ctx.Done():
		s.terminate(c)
		s.status.Store(int32(StatusStopped))
		spawnsTotal.WithLabelValues("cancelled").Inc()
		if cause := context.Cause(ctx); cause != ctx.Err() {
			log.Info().Err(cause).Msg("spawn interrupted")
			return "", provider.ErrTransport(Name, model, provider.StageStart, cause)
		}
		return "", ctx.Err()
	}
}

// scan drains the child's combined output until EOF.
func (c *child) scan(r io.Reader, log zerolog.Logger, ready chan<- string) {
	defer close(c.scanned)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if l := strings.TrimRight(line, "\r\n"); l != "" {
			c.tail.Add(l)
			log.Trace().Str("line", l).Msg("llama-server")
			switch {
			case strings.Contains(l, loadedMarker):
				notify(ready, "log")
			case strings.Contains(l, listeningMarker):
				log.Debug().Msg("server listening")
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *supervisor) pollHealth(ctx context.Context, baseURL string, ready chan<- string) {
	t := time.NewTicker(healthPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if healthy(ctx, s.client, baseURL) {
			notify(ready, "health")
			return
		}
	}
}

func healthy(ctx context.Context, client *http.Client, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func notify(ch chan<- string, v string) {
	select {
	case ch <- v:
	default:
	}
}

// stop interrupts any start in progress and terminates the current child.
func (s *supervisor) stop(reason string) bool {
	interrupted := false
	s.mu.Lock()
	for s.pending != nil {
		p := s.pending
		s.mu.Unlock()
		p.cancel(fmt.Errorf("start interrupted by %s", reason))
		<-p.done
		interrupted = true
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	c := s.cur.Load()
	if c == nil {
		return interrupted
	}
	s.stopLocked(c, reason)
	return true
}

func (s *supervisor) stopLocked(c *child, reason string) {
	s.terminate(c)
	s.status.Store(int32(StatusStopped))
	model := filepath.Base(c.want.Model)
	s.log.Info().Str("model", model).Int("pid", c.cmd.Process.Pid).Str("reason", reason).Msg("spawn stop")
	s.pub.Publish(provider.Event{Name: "spawn_stop", Provider: Name, Model: model, Fields: map[string]any{"reason": reason}})
}

// terminate sends SIGTERM and kills the process if it has not exited
// within stopGrace.
func (s *supervisor) terminate(c *child) {
	if c.alive() {
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = c.cmd.Process.Kill()
		}
		select {
		case <-c.exited:
		case <-time.After(stopGrace):
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
	}
	s.cur.CompareAndSwap(c, nil)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// lineTail keeps the last n output lines for error reports.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail { return &lineTail{n: n} }

func (t *lineTail) Add(l string) {
	t.mu.Lock()
	t.lines = append(t.lines, l)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
	t.mu.Unlock()
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
