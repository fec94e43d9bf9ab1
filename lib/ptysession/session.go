// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package ptysession

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/creack/pty"
	"github.com/vito/midterm"
	"golang.org/x/sys/unix"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/process"
	"github.com/nicobailon/pi-interactive-shell/lib/rawlog"
)

// ErrWriteFailed is returned by Write and Resize once the session has
// begun shutting down and the write queue no longer accepts work.
var ErrWriteFailed = errors.New("pty write queue closed")

// killGrace is how long Kill waits after SIGTERM before escalating to
// SIGKILL.
const killGrace = 2 * time.Second

// logBytesPerScrollbackLine sizes the raw log ring from the
// scrollback line count: a generous per-line byte estimate.
const logBytesPerScrollbackLine = 256

// Options configures Start.
type Options struct {
	// Command is a single shell-compatible string, run via sh -c.
	Command string

	// Dir is the child's working directory; empty inherits ours.
	Dir string

	// Cols and Rows are the initial PTY dimensions.
	Cols, Rows int

	// ScrollbackLines sizes the raw log ring (ScrollbackLines ×
	// logBytesPerScrollbackLine bytes; 2000 lines when not positive).
	// The scrollback emulator is not trimmed to it: it keeps every
	// line the child writes.
	ScrollbackLines int

	// Logger receives session-level diagnostics; nil uses the
	// default logger.
	Logger *slog.Logger

	// Clock drives the kill-escalation timer; nil uses the real
	// clock.
	Clock clock.Clock
}

// writeOp is one unit of work for the writer goroutine: bytes for the
// PTY, a resize, or a drain barrier.
type writeOp struct {
	data   []byte
	resize *pty.Winsize
	drain  chan struct{}
}

// Session is one child process under a PTY, with its emulator and raw
// log. All exported methods are safe for concurrent use.
type Session struct {
	logger *slog.Logger
	clk    clock.Clock

	// writeGate guards the ops channel against close; opsClosed is
	// set under the write half of the gate.
	writeGate  sync.RWMutex
	opsClosed  bool
	ops        chan writeOp
	writerDone chan struct{}

	mu           sync.Mutex
	cmd          *exec.Cmd
	ptmx         *os.File
	screen       *midterm.Terminal
	scrollback   *midterm.Terminal
	log          *rawlog.Log
	driverCursor *rawlog.Cursor
	cols, rows   int
	scrollOffset int
	exited       bool
	status       process.ExitStatus
	killed       bool
	disposed     bool
	killTimer    *clock.Timer
	onData       func()
	onExit       func()
}

// Start launches the child under a PTY with the requested dimensions.
// Process creation failure is fatal to the session: no Session is
// returned and nothing is registered.
func Start(opts Options) (*Session, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("starting pty session: empty command")
	}
	if opts.Cols <= 0 || opts.Rows <= 0 {
		return nil, fmt.Errorf("starting pty session: invalid dimensions %dx%d", opts.Cols, opts.Rows)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	cmd := exec.Command("/bin/sh", "-c", opts.Command)
	cmd.Dir = opts.Dir
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("spawning %q under pty: %w", opts.Command, err)
	}

	scrollbackLines := opts.ScrollbackLines
	if scrollbackLines <= 0 {
		scrollbackLines = 2000
	}

	screen := midterm.NewTerminal(opts.Rows, opts.Cols)
	scrollback := midterm.NewTerminal(opts.Rows, opts.Cols)
	scrollback.AutoResizeY = true
	scrollback.AppendOnly = true

	// Cursor-position and device queries are answered straight back
	// into the child. The query bytes stay in the raw log; the
	// strip-ANSI projections remove them.
	screen.ForwardResponses = ptmx

	log := rawlog.New(scrollbackLines * logBytesPerScrollbackLine)

	s := &Session{
		logger:     logger.With("component", "ptysession", "pid", cmd.Process.Pid),
		clk:        clk,
		ops:        make(chan writeOp, 1024),
		writerDone: make(chan struct{}),
		cmd:        cmd,
		ptmx:       ptmx,
		screen:     screen,
		scrollback: scrollback,
		log:        log,
	}
	s.driverCursor = log.NewCursor()
	s.cols, s.rows = opts.Cols, opts.Rows

	go s.writeLoop()
	go s.readLoop()

	return s, nil
}

// PID returns the child's process ID.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd.Process.Pid
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// OnData installs the data callback. At most one handler is active;
// invocations are serialized and always follow the raw-log append for
// the bytes they announce.
func (s *Session) OnData(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = cb
}

// OnExit installs the exit callback. It fires exactly once, after the
// status line is appended and the write queue has drained. Installing
// a handler on an already-exited session fires it immediately
// (reattach during the cleanup window observes the exit).
func (s *Session) OnExit(cb func()) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	s.onExit = cb
	s.mu.Unlock()
}

// Write queues bytes for the child. Writes are FIFO per session and
// never reorder with a preceding Resize.
func (s *Session) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	return s.enqueue(writeOp{data: buf})
}

// Resize changes the PTY dimensions. A no-op if unchanged; ordered
// with respect to surrounding writes.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("resize to invalid dimensions %dx%d", cols, rows)
	}
	s.mu.Lock()
	unchanged := cols == s.cols && rows == s.rows
	s.mu.Unlock()
	if unchanged {
		return nil
	}
	return s.enqueue(writeOp{resize: &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}})
}

func (s *Session) enqueue(op writeOp) error {
	s.writeGate.RLock()
	defer s.writeGate.RUnlock()
	if s.opsClosed {
		return ErrWriteFailed
	}
	s.ops <- op
	return nil
}

// writeLoop is the single writer: it applies queued writes and
// resizes in order until the queue closes.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for op := range s.ops {
		switch {
		case op.drain != nil:
			close(op.drain)
		case op.resize != nil:
			if err := pty.Setsize(s.ptmx, op.resize); err != nil {
				s.logger.Warn("pty resize failed", "error", err)
				continue
			}
			s.applyEmulatorResize(int(op.resize.Cols), int(op.resize.Rows))
		default:
			if _, err := s.ptmx.Write(op.data); err != nil {
				// The child side is gone; the read loop notices the
				// same condition and runs the exit path.
				s.logger.Debug("pty write failed", "error", err)
			}
		}
	}
}

func (s *Session) applyEmulatorResize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	s.screen.Resize(rows, cols)
	s.scrollback.Resize(s.scrollback.Height, cols)
}

// readLoop pumps child output into the raw log and both emulators
// until the PTY master errors (child exit or runtime failure), then
// runs the exit path.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.ingest(buf[:n])
		}
		if err != nil {
			break
		}
	}
	s.finishExit()
}

// ingest appends to the raw log, feeds the emulators, then signals
// the data callback. The append-before-signal order is load-bearing:
// a consumer woken by the callback must be able to read the bytes.
func (s *Session) ingest(p []byte) {
	s.mu.Lock()
	s.log.Append(p)
	if _, err := s.screen.Write(p); err != nil {
		s.logger.Debug("screen emulator write failed", "error", err)
	}
	if _, err := s.scrollback.Write(p); err != nil {
		s.logger.Debug("scrollback emulator write failed", "error", err)
	}
	cb := s.onData
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// finishExit reaps the child, appends the status line, drains the
// writer, and fires the exit callback exactly once.
func (s *Session) finishExit() {
	waitErr := s.cmd.Wait()
	status := process.FromWaitError(waitErr)

	// Refuse new writes, then drain what was already queued.
	s.writeGate.Lock()
	if !s.opsClosed {
		s.opsClosed = true
		close(s.ops)
	}
	s.writeGate.Unlock()
	<-s.writerDone

	s.mu.Lock()
	s.exited = true
	s.status = status
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
	s.log.AppendString(fmt.Sprintf("\n[process %s]\n", status.Describe()))
	cb := s.onExit
	s.onExit = nil
	s.mu.Unlock()

	s.logger.Info("child exited", "status", status.Describe())
	if cb != nil {
		cb()
	}
}

// Kill terminates the child's process tree: SIGTERM to the process
// group, SIGKILL after a short grace. Idempotent; the exit callback
// fires exactly once via the normal exit path.
func (s *Session) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.killed {
		return nil
	}
	s.killed = true

	pid := s.cmd.Process.Pid
	// The child is a session leader (the PTY start does setsid), so
	// the negative PID reaches the whole tree.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			return fmt.Errorf("killing process %d: %w", pid, err)
		}
	}
	s.killTimer = s.clk.AfterFunc(killGrace, func() {
		_ = unix.Kill(-pid, unix.SIGKILL)
		_ = unix.Kill(pid, unix.SIGKILL)
	})
	return nil
}

// Exited reports whether the child has been reaped.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// ExitStatus returns the child's exit status. Both fields are nil
// until exit, and for synthetic (runtime-error) exits.
func (s *Session) ExitStatus() process.ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Dispose releases the PTY master and, if the child is still running,
// kills it. Idempotent. Call only when all consumers are done.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	running := !s.exited && !s.killed
	s.mu.Unlock()

	if running {
		_ = s.Kill()
	}
	_ = s.ptmx.Close()
}

// ScrollUp moves the viewport up n lines into scrollback.
func (s *Session) ScrollUp(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := s.scrollback.UsedHeight() - s.rows
	if max < 0 {
		max = 0
	}
	s.scrollOffset += n
	if s.scrollOffset > max {
		s.scrollOffset = max
	}
}

// ScrollDown moves the viewport down n lines toward the live screen.
func (s *Session) ScrollDown(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollOffset -= n
	if s.scrollOffset < 0 {
		s.scrollOffset = 0
	}
}

// ScrollToBottom returns the viewport to the live screen.
func (s *Session) ScrollToBottom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollOffset = 0
}

// IsScrolledUp reports whether the viewport is in scrollback.
func (s *Session) IsScrolledUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollOffset > 0
}

// ScrollOffset returns how many lines up the viewport sits.
func (s *Session) ScrollOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollOffset
}

// ViewportLines returns exactly rows rendered lines reflecting the
// current scroll position. With withANSI, lines carry re-emitted
// color codes; otherwise they are plain text.
func (s *Session) ViewportLines(withANSI bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, s.rows)
	if s.scrollOffset == 0 {
		for row := 0; row < s.rows; row++ {
			lines[row] = renderLine(s.screen, row, withANSI)
		}
		return lines
	}

	total := s.scrollback.UsedHeight()
	start := total - s.rows - s.scrollOffset
	if start < 0 {
		start = 0
	}
	for row := 0; row < s.rows; row++ {
		source := start + row
		if source >= total {
			lines[row] = ""
			continue
		}
		lines[row] = renderLine(s.scrollback, source, withANSI)
	}
	return lines
}

// TailLines returns the last n rendered lines. Plain reads project
// from the raw log (correct even for alternate-screen children);
// ANSI reads render from the scrollback emulator. The result is
// bounded by maxChars of visible text, keeping the tail.
func (s *Session) TailLines(n int, withANSI bool, maxChars int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !withANSI {
		return rawlog.TailLines(rawlog.Strip(s.log.Snapshot()), n, maxChars)
	}

	total := s.scrollback.UsedHeight()
	start := total - n
	if start < 0 {
		start = 0
	}
	var lines []string
	visible := 0
	for row := start; row < total; row++ {
		line := renderLine(s.scrollback, row, true)
		lines = append(lines, line)
		visible += len(ansi.Strip(line))
	}
	for len(lines) > 1 && maxChars > 0 && visible > maxChars {
		visible -= len(ansi.Strip(lines[0]))
		lines = lines[1:]
	}
	return lines
}

// RawStream reads the append-only raw log. With sinceLast, the
// driver cursor advances so the next call returns only new bytes;
// otherwise the full retained log is returned and the cursor is
// untouched. With stripANSI, escape sequences are removed and the
// result is lossily decoded UTF-8.
func (s *Session) RawStream(sinceLast, stripANSI bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	if sinceLast {
		data = s.driverCursor.Next()
	} else {
		data = s.log.Snapshot()
	}
	if stripANSI {
		return rawlog.Strip(data)
	}
	return string(data)
}

// RawEndOffset returns the raw log's current end offset. Consumers
// that keep their own emission cursor pair it with StrippedSince.
func (s *Session) RawEndOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.EndOffset()
}

// StrippedSince returns the strip-ANSI projection of the bytes
// appended at or after offset, plus the next offset. Successive calls
// with the returned offset observe disjoint, contiguous ranges.
func (s *Session) StrippedSince(offset uint64) (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.log.ReadFrom(offset)
	return rawlog.Strip(data), s.log.EndOffset()
}

// StrippedLines returns the full strip-ANSI projection split into
// lines. Total size is bounded by the raw log's retained window.
func (s *Session) StrippedLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rawlog.SplitLines(rawlog.Strip(s.log.Snapshot()))
}

// Drain is a write-queue barrier: it returns once every previously
// queued write and resize has been applied.
func (s *Session) Drain() {
	ch := make(chan struct{})
	if err := s.enqueue(writeOp{drain: ch}); err != nil {
		return // queue closed: already drained by the exit path
	}
	<-ch
}

func renderLine(t *midterm.Terminal, row int, withANSI bool) string {
	var buf bytes.Buffer
	if err := t.RenderLine(&buf, row); err != nil {
		return ""
	}
	line := strings.TrimRight(buf.String(), " ")
	if withANSI {
		return line
	}
	return strings.TrimRight(ansi.Strip(line), " ")
}
