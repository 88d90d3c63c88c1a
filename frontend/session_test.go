package frontend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/mrci/backend"
	"github.com/pithecene-io/mrci/broker"
	"github.com/pithecene-io/mrci/certs"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/types"
)

// shortDir keeps unix socket paths under the platform limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "mrci-fe")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(t *testing.T) Config {
	return Config{
		RuntimeDir:       shortDir(t),
		HandshakeTimeout: 5 * time.Second,
		AttachTimeout:    5 * time.Second,
		ReadyTimeout:     5 * time.Second,
		IdleTimeout:      5 * time.Second,
		CrashThreshold:   5,
		CrashWindow:      time.Minute,
	}
}

// remoteConn makes a loopback connection look like a remote client.
type remoteConn struct {
	net.Conn
}

func (remoteConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000}
}

type unavailable struct{}

func (unavailable) Resolve(string) (*certs.Cert, error) { return nil, certs.ErrUnavailable }

type fixedCert struct{ c *certs.Cert }

func (f fixedCert) Resolve(string) (*certs.Cert, error) { return f.c, nil }

// countingLauncher counts launches and delegates to an in-process launcher.
type countingLauncher struct {
	inner    Launcher
	launches atomic.Int32
}

func (c *countingLauncher) Launch(ctx context.Context, spec LaunchSpec) (Backend, error) {
	c.launches.Add(1)
	return c.inner.Launch(ctx, spec)
}

// fakeBackend runs behave on a connection to the front end socket.
func fakeBackend(behave func(ctx context.Context, conn net.Conn) error) RunFunc {
	return func(ctx context.Context, opts backend.Options) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", opts.Socket)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		return behave(ctx, conn)
	}
}

func sendControl(conn net.Conn, id types.AsyncID, payload []byte) error {
	return ipc.WriteSessionFrame(conn, control(id, payload))
}

// readyThenRecord signals RDY and pushes every frame it receives to out
// until ctx ends.
func readyThenRecord(out chan<- ipc.SessionFrame) RunFunc {
	return fakeBackend(func(ctx context.Context, conn net.Conn) error {
		if err := sendControl(conn, types.AsyncRdy, nil); err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		r := ipc.NewSessionReader(conn)
		for {
			f, err := r.Next()
			if err != nil {
				return nil
			}
			if out != nil {
				out <- f
			}
		}
	})
}

type harness struct {
	t        *testing.T
	conn     net.Conn
	r        *ipc.SessionReader
	sess     *Session
	done     chan error
	launcher *countingLauncher
	metrics  *metrics.Collector
	cmds     map[string]uint16
}

// dial starts a session on a loopback TCP connection. wrap may replace the
// server side of the connection.
func dial(t *testing.T, cfg Config, deps Deps, wrap func(net.Conn) net.Conn) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if wrap != nil {
		server = wrap(server)
	}

	cl := &countingLauncher{inner: deps.Launcher}
	deps.Launcher = cl
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector("inproc", "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t: t, conn: client, r: ipc.NewSessionReader(client), done: make(chan error, 1),
		launcher: cl, metrics: deps.Metrics, cmds: map[string]uint16{},
	}
	h.sess = NewSession(server, cfg, deps)
	go func() { h.done <- h.sess.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(10 * time.Second):
		}
	})
	return h
}

func clientHeader(major uint16) []byte {
	return ipc.ClientHeader{
		Version: types.ClientVersion{Major: major, Minor: 1},
		AppName: "test-client",
	}.Encode()
}

func (h *harness) hello(major uint16) ipc.ServerReply {
	h.t.Helper()
	if _, err := h.conn.Write(clientHeader(major)); err != nil {
		h.t.Fatalf("write header: %v", err)
	}
	buf := make([]byte, ipc.ServerReplySize)
	_ = h.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(h.conn, buf); err != nil {
		h.t.Fatalf("read reply: %v", err)
	}
	reply, err := ipc.DecodeServerReply(buf)
	if err != nil {
		h.t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func (h *harness) next() ipc.SessionFrame {
	h.t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := h.r.Next()
	if err != nil {
		h.t.Fatalf("read frame: %v", err)
	}
	if f.Type == types.TypeNewCmd {
		var nc ipc.NewCmd
		if err := ipc.Decode(f.Payload, &nc); err == nil {
			h.cmds[nc.Name] = nc.ID
		}
	}
	return f
}

func (h *harness) until(match func(ipc.SessionFrame) bool) ipc.SessionFrame {
	h.t.Helper()
	for i := 0; i < 500; i++ {
		if f := h.next(); match(f) {
			return f
		}
	}
	h.t.Fatal("expected frame never arrived")
	return ipc.SessionFrame{}
}

func isReady(f ipc.SessionFrame) bool {
	return f.Type == types.TypeText && f.CmdID == uint16(types.AsyncRdy) && string(f.Payload) == readyText
}

func (h *harness) write(t types.TypeID, cmdID uint16, payload []byte) {
	h.t.Helper()
	if err := ipc.WriteSessionFrame(h.conn, ipc.SessionFrame{Type: t, CmdID: cmdID, Payload: payload}); err != nil {
		h.t.Fatalf("write frame: %v", err)
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func realBackend() *InProcLauncher {
	return &InProcLauncher{Options: backend.Options{KeepAlive: time.Second}}
}

func TestHandshake_BadTag(t *testing.T) {
	h := dial(t, testConfig(t), Deps{Launcher: realBackend()}, nil)

	bad := clientHeader(types.ClientMajor)
	copy(bad, "XXXX")
	if _, err := h.conn.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := h.wait()
	if kind, ok := KindOf(err); !ok || kind != SessionErrorHandshake {
		t.Fatalf("Serve() = %v, want handshake error", err)
	}
	_ = h.conn.SetReadDeadline(time.Now().Add(time.Second))
	if n, _ := h.conn.Read(make([]byte, 1)); n != 0 {
		t.Error("server replied to a bad tag")
	}
	if h.launcher.launches.Load() != 0 {
		t.Error("back end launched for a rejected client")
	}
	if h.metrics.Snapshot().HandshakesRejected != 1 {
		t.Errorf("snapshot = %+v", h.metrics.Snapshot())
	}
}

func TestHandshake_VersionRejected(t *testing.T) {
	h := dial(t, testConfig(t), Deps{Launcher: realBackend()}, nil)

	reply := h.hello(types.ClientMajor - 1)
	if reply.Status != ipc.StatusVersionRejected {
		t.Fatalf("status = %s, want version_rejected", reply.Status)
	}
	if reply.SessionID != h.sess.ID() {
		t.Error("reply carries a different session id")
	}
	if kind, _ := KindOf(h.wait()); kind != SessionErrorHandshake {
		t.Error("want handshake error")
	}
	if h.launcher.launches.Load() != 0 {
		t.Error("back end launched for a rejected client")
	}
}

func TestHandshake_CertUnavailable(t *testing.T) {
	deps := Deps{Launcher: realBackend(), Certs: unavailable{}}
	h := dial(t, testConfig(t), deps, func(c net.Conn) net.Conn { return remoteConn{c} })

	if reply := h.hello(types.ClientMajor); reply.Status != ipc.StatusCertUnavailable {
		t.Fatalf("status = %s, want cert_unavailable", reply.Status)
	}
	if kind, _ := KindOf(h.wait()); kind != SessionErrorHandshake {
		t.Error("want handshake error")
	}
	if h.metrics.Snapshot().CertUnavailable != 1 {
		t.Errorf("snapshot = %+v", h.metrics.Snapshot())
	}
}

func TestHandshake_TLS(t *testing.T) {
	cert, err := certs.SelfSigned("mrci.test", time.Now())
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	deps := Deps{Launcher: realBackend(), Certs: fixedCert{cert}}
	h := dial(t, testConfig(t), deps, func(c net.Conn) net.Conn { return remoteConn{c} })

	if reply := h.hello(types.ClientMajor); reply.Status != ipc.StatusStartTLS {
		t.Fatalf("status = %s, want start_tls", reply.Status)
	}
	hostCert := h.next()
	if hostCert.Type != types.TypeHostCert {
		t.Fatalf("frame = %s, want HOST_CERT", hostCert.Type)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(hostCert.Payload) {
		t.Fatal("HOST_CERT payload is not a PEM chain")
	}
	tc := tls.Client(h.conn, &tls.Config{RootCAs: pool, ServerName: "mrci.test", MinVersion: tls.VersionTLS12})
	_ = tc.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tc.Handshake(); err != nil {
		t.Fatalf("tls handshake: %v", err)
	}
	h.conn = tc
	h.r = ipc.NewSessionReader(tc)

	h.until(isReady)
	if err := tc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.wait(); IsFatalSessionError(err) {
		t.Errorf("Serve() = %v after client close", err)
	}
}

func TestSession_CommandRoundTrip(t *testing.T) {
	h := dial(t, testConfig(t), Deps{Launcher: realBackend()}, nil)
	if reply := h.hello(types.ClientMajor); reply.Status != ipc.StatusOKNoTLS {
		t.Fatalf("status = %s, want ok_no_tls", reply.Status)
	}
	h.until(isReady)

	// Reserved tags never reach the back end.
	h.write(types.TypePrivIPC, uint16(types.AsyncEndSession), nil)

	id, ok := h.cmds["my_info"]
	if !ok {
		t.Fatalf("my_info not announced: %v", h.cmds)
	}
	h.write(types.TypeText, id, nil)
	text := h.until(func(f ipc.SessionFrame) bool { return f.Type == types.TypeText && f.CmdID == id })
	if !strings.Contains(string(text.Payload), h.sess.ID().String()) {
		t.Errorf("my_info output missing session id:\n%s", text.Payload)
	}
	h.until(func(f ipc.SessionFrame) bool { return f.Type == types.TypeIdle && f.CmdID == id })

	snap := h.metrics.Snapshot()
	if snap.SuspiciousFrames != 1 {
		t.Errorf("suspicious frames = %d, want 1", snap.SuspiciousFrames)
	}
	if snap.BackendStarts != 1 {
		t.Errorf("back end starts = %d, want 1", snap.BackendStarts)
	}

	_ = h.conn.Close()
	if err := h.wait(); IsFatalSessionError(err) {
		t.Errorf("Serve() = %v", err)
	}
	if _, err := os.Stat(h.sess.statePath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("state region left behind")
	}
}

func TestSession_KillCmdRestartsWithoutCrash(t *testing.T) {
	h := dial(t, testConfig(t), Deps{Launcher: realBackend()}, nil)
	h.hello(types.ClientMajor)
	h.until(isReady)

	h.write(types.TypeKillCmd, 0, nil)
	h.until(isReady)

	if n := h.launcher.launches.Load(); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
	snap := h.metrics.Snapshot()
	if snap.BackendCrashes != 0 || snap.BackendStarts != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSession_CrashBreaker(t *testing.T) {
	cfg := testConfig(t)
	cfg.CrashThreshold = 3
	launcher := &InProcLauncher{Run: func(context.Context, backend.Options) error {
		return errors.New("boom")
	}}
	h := dial(t, cfg, Deps{Launcher: launcher}, nil)
	h.hello(types.ClientMajor)

	err := h.wait()
	if kind, ok := KindOf(err); !ok || kind != SessionErrorCrash {
		t.Fatalf("Serve() = %v, want crash error", err)
	}
	if n := h.launcher.launches.Load(); n != 3 {
		t.Errorf("launches = %d, want 3", n)
	}
	snap := h.metrics.Snapshot()
	if snap.BackendCrashes != 3 || snap.BreakerTrips != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	reports := 0
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := h.r.Next()
		if err != nil {
			break
		}
		if f.Type == types.TypeErr && f.CmdID == uint16(types.AsyncDebugText) {
			if !strings.Contains(string(f.Payload), "boom") {
				t.Errorf("crash report = %q", f.Payload)
			}
			reports++
		}
	}
	if reports != 3 {
		t.Errorf("crash reports = %d, want 3", reports)
	}
}

func TestSession_IdleWatchdog(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 150 * time.Millisecond
	launcher := &InProcLauncher{Run: readyThenRecord(nil)}
	h := dial(t, cfg, Deps{Launcher: launcher}, nil)
	h.hello(types.ClientMajor)
	h.until(isReady)

	const cmd = 300
	h.write(types.TypeText, cmd, []byte("hang"))
	idle := h.until(func(f ipc.SessionFrame) bool { return f.Type == types.TypeIdle && f.CmdID == cmd })
	if code := types.RetCode(binary.LittleEndian.Uint16(idle.Payload)); code != types.RetCrash {
		t.Errorf("ret code = %d, want crash", code)
	}
	h.until(isReady)

	snap := h.metrics.Snapshot()
	if snap.IdleKills != 1 || snap.BackendCrashes != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSession_QueuesUntilReady(t *testing.T) {
	gate := make(chan struct{})
	got := make(chan ipc.SessionFrame, 8)
	launcher := &InProcLauncher{Run: fakeBackend(func(ctx context.Context, conn net.Conn) error {
		<-gate
		return readyThenRecordConn(ctx, conn, got)
	})}
	h := dial(t, testConfig(t), Deps{Launcher: launcher}, nil)
	h.hello(types.ClientMajor)

	h.write(types.TypeText, 300, []byte("early"))
	close(gate)
	h.until(isReady)

	select {
	case f := <-got:
		if f.CmdID != 300 || string(f.Payload) != "early" {
			t.Errorf("first frame = %s %d %q", f.Type, f.CmdID, f.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued frame never forwarded")
	}
}

func readyThenRecordConn(ctx context.Context, conn net.Conn, out chan<- ipc.SessionFrame) error {
	if err := sendControl(conn, types.AsyncRdy, nil); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	r := ipc.NewSessionReader(conn)
	for {
		f, err := r.Next()
		if err != nil {
			return nil
		}
		out <- f
	}
}

func TestSession_BusRelay(t *testing.T) {
	bus := broker.NewBus()

	fromB := make(chan ipc.SessionFrame, 16)
	hb := dial(t, testConfig(t), Deps{Launcher: &InProcLauncher{Run: readyThenRecord(fromB)}, Bus: bus}, nil)
	hb.hello(types.ClientMajor)
	hb.until(isReady)
	target := hb.sess.ID()

	launcherA := &InProcLauncher{Run: fakeBackend(func(ctx context.Context, conn net.Conn) error {
		if err := sendControl(conn, types.AsyncRdy, nil); err != nil {
			return err
		}
		// No sub-channel is open, so this header is forged and dropped.
		forged := ipc.CastTo(types.SubChannel{ChannelID: 9, SubID: 1}, types.TypeText, []byte("spoof"))
		if err := sendControl(conn, types.AsyncCast, forged.Encode()); err != nil {
			return err
		}
		d := ipc.Direct{Dst: target, Type: types.TypeText, Data: []byte("hi")}
		if err := sendControl(conn, types.AsyncToPeer, d.Encode()); err != nil {
			return err
		}
		pub := ipc.SessionFrame{Type: types.TypePubIPC, CmdID: uint16(types.AsyncCmdRanksChanged)}
		if err := ipc.WriteSessionFrame(conn, pub); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})}
	ma := metrics.NewCollector("inproc", "")
	ha := dial(t, testConfig(t), Deps{Launcher: launcherA, Bus: bus, Metrics: ma}, nil)
	ha.hello(types.ClientMajor)
	ha.until(isReady)

	recv := func() ipc.SessionFrame {
		t.Helper()
		select {
		case f := <-fromB:
			return f
		case <-time.After(5 * time.Second):
			t.Fatal("relay never reached the peer back end")
			return ipc.SessionFrame{}
		}
	}

	f := recv()
	if f.Type != types.TypePrivIPC || f.Async() != types.AsyncToPeer {
		t.Fatalf("first relayed frame = %s %s, want TO_PEER", f.Type, f.Async())
	}
	d, err := ipc.DecodeDirect(f.Payload)
	if err != nil {
		t.Fatalf("DecodeDirect: %v", err)
	}
	if d.Src != ha.sess.ID() || d.Dst != target || string(d.Data) != "hi" {
		t.Errorf("direct = src %s dst %s data %q", d.Src, d.Dst, d.Data)
	}

	f = recv()
	if f.Async() != types.AsyncCmdRanksChanged {
		t.Errorf("second relayed frame = %s, want CMD_RANKS_CHANGED", f.Async())
	}
	if snap := ma.Snapshot(); snap.CastsDropped != 1 {
		t.Errorf("casts dropped = %d, want 1", snap.CastsDropped)
	}
}
