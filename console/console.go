// Package console implements the telnet-style debug/introspection server
// described in SPEC_FULL.md §9 (carried ambient tooling), adapted from
// the teacher's debug console: authenticate, then answer single-line
// commands over a tcp.Conn. Unlike the teacher's console, this one is
// read-mostly introspection (status/apps/ota/scheduler) plus reboot; it
// is not an interactive device-control shell.
package console

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"

	"openenterprise/wasmcore/appreg"
	"openenterprise/wasmcore/applifecycle"
	"openenterprise/wasmcore/config"
	"openenterprise/wasmcore/ota"
	"openenterprise/wasmcore/scheduler"
	"openenterprise/wasmcore/transport"
)

const (
	bufSize       = 1024
	sessionIdleTO = 10 * time.Second
)

// Server is the debug console's dependencies: the subsystems it reports
// on. Nil fields are reported as "unavailable" rather than panicking, so
// the console can be wired up incrementally.
type Server struct {
	Port      uint16
	Apps      *applifecycle.Manager
	OTA       *ota.Engine
	Scheduler *scheduler.Scheduler
	Transport *transport.Registry
	Logger    *slog.Logger

	RebootFn func() // invoked by the "reboot" command; nil disables it

	startTime time.Time
}

// New constructs a console Server. Port defaults to config.CloudPushListen's
// sibling convention is not assumed here; callers pass the listen port
// explicitly (typically 2323, to avoid colliding with a real telnetd).
func New(port uint16) *Server {
	return &Server{Port: port, startTime: time.Now(), Logger: slog.New(slog.DiscardHandler)}
}

// Serve runs the accept loop until stop is closed.
func (s *Server) Serve(stack *xnet.StackAsync, stop <-chan struct{}) error {
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	var conn tcp.Conn
	var rxBuf, txBuf [bufSize]byte
	if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf[:], TxBuf: txBuf[:], TxPacketQueueSize: 3}); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			conn.Abort()
			return nil
		default:
		}

		conn.Abort()
		time.Sleep(100 * time.Millisecond)
		if err := stack.ListenTCP(&conn, s.Port); err != nil {
			s.Logger.Error("console: listen failed", "err", err)
			time.Sleep(3 * time.Second)
			continue
		}

		for conn.State().IsPreestablished() {
			time.Sleep(10 * time.Millisecond)
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		if !s.authenticate(&conn) {
			conn.Close()
			conn.Abort()
			continue
		}
		writeLine(&conn, "wasmos debug console. type 'help' for commands.")
		s.session(&conn)

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
	}
}

// authenticate requires config.ConsolePassword() to be non-empty; an
// empty password disables the console entirely (every connection is
// rejected), matching the opt-in posture named in SPEC_FULL §9.
func (s *Server) authenticate(conn *tcp.Conn) bool {
	expected := config.ConsolePassword()
	if expected == "" {
		return false
	}
	writeLine(conn, "password: ")
	var buf [128]byte
	n, err := readLine(conn, buf[:], sessionIdleTO)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(buf[:n], []byte(expected)) == 1
}

func (s *Server) session(conn *tcp.Conn) {
	var buf [bufSize]byte
	for {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return
		}
		writeRaw(conn, "> ")
		n, err := readLine(conn, buf[:], 0)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			continue
		}
		line := strings.TrimSpace(string(buf[:n]))
		if line == "" {
			continue
		}
		if !s.dispatch(conn, line) {
			return
		}
	}
}

func (s *Server) dispatch(conn *tcp.Conn, line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	switch cmd {
	case "help":
		writeLine(conn, "commands: help status apps ota scheduler transport reboot quit")
	case "status":
		writeLine(conn, "uptime: "+time.Since(s.startTime).Truncate(time.Second).String())
	case "apps":
		s.cmdApps(conn)
	case "ota":
		s.cmdOTA(conn)
	case "scheduler":
		s.cmdScheduler(conn)
	case "transport":
		s.cmdTransport(conn)
	case "reboot":
		writeLine(conn, "rebooting...")
		conn.Flush()
		if s.RebootFn != nil {
			s.RebootFn()
		}
	case "quit":
		writeLine(conn, "bye")
		return false
	default:
		writeLine(conn, "unknown command: "+cmd)
	}
	return true
}

func (s *Server) cmdApps(conn *tcp.Conn) {
	if s.Apps == nil {
		writeLine(conn, "apps: unavailable")
		return
	}
	entries := s.Apps.List()
	if len(entries) == 0 {
		writeLine(conn, "no apps installed")
		return
	}
	for _, e := range entries {
		writeLine(conn, appLine(e))
	}
}

func appLine(e appreg.AppEntry) string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" v")
	b.WriteString(e.Version)
	b.WriteString(" [")
	b.WriteString(e.State.String())
	b.WriteString("] crashes=")
	b.WriteString(strconv.Itoa(int(e.CrashCount)))
	return b.String()
}

func (s *Server) cmdOTA(conn *tcp.Conn) {
	if s.OTA == nil {
		writeLine(conn, "ota: unavailable")
		return
	}
	st := s.OTA.GetProgress()
	writeLine(conn, "state: "+st.State.String())
	writeLine(conn, "progress: "+strconv.Itoa(st.Percentage)+"% ("+strconv.Itoa(int(st.BytesWritten))+"/"+strconv.Itoa(int(st.TotalSize))+" bytes)")
	if st.LastError != ota.Ok {
		writeLine(conn, "last_error: "+st.LastError.String())
	}
}

func (s *Server) cmdScheduler(conn *tcp.Conn) {
	if s.Scheduler == nil {
		writeLine(conn, "scheduler: unavailable")
		return
	}
	tasks := s.Scheduler.ListTasks()
	if len(tasks) == 0 {
		writeLine(conn, "no tasks")
		return
	}
	for _, t := range tasks {
		var b strings.Builder
		b.WriteString(t.Name)
		b.WriteString(" [")
		b.WriteString(t.State.String())
		b.WriteString("] prio=")
		b.WriteString(t.Priority.String())
		b.WriteString(" slices=")
		b.WriteString(strconv.FormatUint(t.Stats.SliceCount, 10))
		b.WriteString(" preemptions=")
		b.WriteString(strconv.FormatUint(t.Stats.PreemptionCount, 10))
		writeLine(conn, b.String())
	}
}

func (s *Server) cmdTransport(conn *tcp.Conn) {
	if s.Transport == nil {
		writeLine(conn, "transport: unavailable")
		return
	}
	for _, typ := range []transport.DataType{transport.WasmApp, transport.Firmware, transport.File, transport.Config} {
		st := s.Transport.Statistics(typ)
		writeLine(conn, typ.String()+": bytes="+strconv.FormatUint(st.TotalBytes, 10)+" chunks="+strconv.FormatUint(st.TotalChunks, 10)+" errors="+strconv.FormatUint(st.Errors, 10))
	}
}

func writeRaw(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
	conn.Flush()
}

func writeLine(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
	conn.Write([]byte("\r\n"))
	conn.Flush()
}

// readLine reads until '\n' or buf fills, stripping a trailing '\r'.
// timeout of 0 means block with no deadline (the caller's loop still
// observes connection close via conn.State()).
func readLine(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var tmp [1]byte
	n := 0
	for n < len(buf) {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return n, errors.New("console: read timeout")
		}
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return n, io.EOF
		}
		rn, err := conn.Read(tmp[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return n, err
		}
		if rn == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if tmp[0] == '\n' {
			if n > 0 && buf[n-1] == '\r' {
				n--
			}
			return n, nil
		}
		buf[n] = tmp[0]
		n++
	}
	return n, nil
}
