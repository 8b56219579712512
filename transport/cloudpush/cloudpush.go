// Package cloudpush implements the TCP firmware-push transport named in
// SPEC_FULL.md's domain stack: a length-prefixed chunk protocol over
// github.com/soypat/lneto's tcp.Conn, adapted from the teacher's OTA
// socket server but driving an ota.Engine instead of raw flash calls, and
// passing each transfer's Begin/Notify/End through a transport.Dispatcher
// as DataType::Firmware (it registers no handler of its own) so the
// dispatch layer's statistics and handler fan-out cover this transport
// like any other.
package cloudpush

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"

	"openenterprise/wasmcore/ota"
	"openenterprise/wasmcore/transport"
)

const (
	initTimeout     = 10 * time.Second
	chunkTimeout    = 30 * time.Second
	doneLineTimeout = 2 * time.Second
	maxChunkSize    = 4096
)

// Server accepts a single firmware-push session at a time over a
// tcp.Conn, feeding received bytes to an ota.Engine and to a
// transport.Dispatcher's Firmware dispatch so other registered handlers
// (telemetry, console) observe the transfer. registry is typed as the
// transport.Dispatcher interface rather than the concrete *transport.
// Registry so a fake can stand in for it in tests.
type Server struct {
	stack    *xnet.StackAsync
	port     uint16
	engine   *ota.Engine
	registry transport.Dispatcher
	logger   *slog.Logger

	rxBuf [maxChunkSize + 64]byte
	txBuf [512]byte
}

// NewServer constructs a cloudpush Server listening on port over stack,
// driving engine and notifying registry.
func NewServer(stack *xnet.StackAsync, port uint16, engine *ota.Engine, registry transport.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{stack: stack, port: port, engine: engine, registry: registry, logger: logger}
}

// Serve runs the accept loop until stop is closed. Only one session runs
// at a time, matching the teacher's single-shared-connection design.
func (s *Server) Serve(stop <-chan struct{}) error {
	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             s.rxBuf[:],
		TxBuf:             s.txBuf[:],
		TxPacketQueueSize: 2,
	}); err != nil {
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
		if err := s.stack.ListenTCP(&conn, s.port); err != nil {
			s.logger.Error("cloudpush: listen failed", "err", err)
			time.Sleep(3 * time.Second)
			continue
		}

		for conn.State().IsPreestablished() {
			time.Sleep(10 * time.Millisecond)
			select {
			case <-stop:
				conn.Abort()
				return nil
			default:
			}
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		s.logger.Info("cloudpush: connected")
		s.handleSession(&conn)
		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (s *Server) handleSession(conn *tcp.Conn) {
	var hdr [4]byte
	n, err := readWithTimeout(conn, hdr[:3], initTimeout)
	if err != nil || n < 3 || string(hdr[:3]) != "OTA" {
		s.logger.Error("cloudpush: no init")
		return
	}

	if r := s.engine.StartUpdate(0); r != ota.Ok {
		writeLine(conn, "ERROR start failed")
		return
	}
	if err := s.registry.Begin(transport.Firmware, 0, "cloudpush"); err != nil {
		s.logger.Warn("cloudpush: registry begin", "err", err)
	}

	writeLine(conn, "READY")

	hasher := sha256.New()
	chunk := make([]byte, maxChunkSize)
	var total uint32
	var failed bool

	for {
		if err := readExactly(conn, hdr[:4], chunkTimeout); err != nil {
			s.logger.Error("cloudpush: read timeout", "err", err)
			failed = true
			break
		}

		if string(hdr[:4]) == "DONE" {
			var rest [80]byte
			rn, _ := readWithTimeout(conn, rest[:], doneLineTimeout)
			expected := trimSpace(string(rest[:rn]))
			actual := hex.EncodeToString(hasher.Sum(nil))
			if expected != "" && expected != actual {
				s.logger.Error("cloudpush: hash mismatch", "expected", expected, "actual", actual)
				writeLine(conn, "ERROR hash mismatch")
				failed = true
				break
			}
			if r := s.engine.Finalize(); r != ota.Ok {
				writeLine(conn, "ERROR finalize failed")
				failed = true
				break
			}
			writeLine(conn, "VERIFIED")
			_ = s.registry.End(transport.Firmware, true)
			s.engine.RebootToApply(2 * time.Second)
			return
		}

		chunkLen := binary.LittleEndian.Uint32(hdr[:4])
		if chunkLen == 0 || int(chunkLen) > len(chunk) {
			writeLine(conn, "ERROR chunk too large")
			failed = true
			break
		}
		if err := readExactly(conn, chunk[:chunkLen], chunkTimeout); err != nil {
			s.logger.Error("cloudpush: chunk read failed", "err", err)
			failed = true
			break
		}

		hasher.Write(chunk[:chunkLen])
		if r := s.engine.WriteChunk(chunk[:chunkLen]); r != ota.Ok {
			writeLine(conn, "ERROR write failed")
			failed = true
			break
		}
		if err := s.registry.Notify(transport.Firmware, chunk[:chunkLen]); err != nil {
			s.logger.Warn("cloudpush: notify handler error", "err", err)
		}

		total += chunkLen
		writeLine(conn, "ACK "+itoa(int(total)))
	}

	if failed {
		_ = s.engine.Abort()
		_ = s.registry.End(transport.Firmware, false)
	}
}

func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return total, io.EOF
		}
		n, err := conn.Read(buf[total:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return total, err
		}
		if n > 0 {
			return total + n, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return total, errors.New("cloudpush: read timeout")
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[total:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			total += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if total < len(buf) {
		return errors.New("cloudpush: short read")
	}
	return nil
}

func writeLine(conn *tcp.Conn, s string) {
	conn.Write([]byte(s + "\n"))
	conn.Flush()
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
