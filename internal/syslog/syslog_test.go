package syslog

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/ingest"
)

type recorder struct {
	mu    sync.Mutex
	subs  []ingest.Submission
	delay time.Duration
	err   error
}

func (r *recorder) Submit(ctx context.Context, sub ingest.Submission) (*event.Event, bool, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	r.subs = append(r.subs, sub)
	return &event.Event{ID: "x"}, false, nil
}

func (r *recorder) snapshot() []ingest.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingest.Submission(nil), r.subs...)
}

type names map[string]string

func (n names) Resolve(ip string) (string, bool) {
	name, ok := n[ip]
	return name, ok
}

func startListener(t *testing.T, cfg Config, s Submitter, r ingest.Resolver) (*Listener, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	l := NewListener(cfg, s, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("listener did not bind")
		}
		time.Sleep(time.Millisecond)
	}
	return l, cancel, done
}

func send(t *testing.T, addr net.Addr, payloads ...string) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for _, p := range payloads {
		if _, err := conn.Write([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}
}

func waitFor(t *testing.T, r *recorder, n int) []ingest.Submission {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		subs := r.snapshot()
		if len(subs) >= n {
			return subs
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d submissions, want %d", len(subs), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestListenerSubmitsDatagrams(t *testing.T) {
	r := &recorder{}
	l, cancel, done := startListener(t, Config{}, r, names{"127.0.0.1": "Loopback"})
	defer cancel()

	send(t, l.Addr(), "  disk almost full \n", "\x00\x00", "second line")

	subs := waitFor(t, r, 2)
	got := map[string]ingest.Submission{}
	for _, s := range subs {
		got[s.Message] = s
	}
	first, ok := got["disk almost full"]
	if !ok {
		t.Fatalf("trimmed message missing from %v", subs)
	}
	if first.IPAddress != "127.0.0.1" || first.Hostname != "Loopback" || first.Level != "INFO" {
		t.Errorf("submission = %+v", first)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after cancel", err)
	}
	if n := len(r.snapshot()); n != 2 {
		t.Errorf("got %d submissions, want 2 (empty datagram dropped)", n)
	}
}

func TestListenerUnknownSenderHostname(t *testing.T) {
	r := &recorder{}
	l, cancel, _ := startListener(t, Config{}, r, nil)
	defer cancel()

	send(t, l.Addr(), "hello")
	subs := waitFor(t, r, 1)
	if subs[0].Hostname != DefaultHostname {
		t.Errorf("Hostname = %q, want %q", subs[0].Hostname, DefaultHostname)
	}
}

func TestListenerParsesPriority(t *testing.T) {
	r := &recorder{}
	l, cancel, _ := startListener(t, Config{ParsePriority: true}, r, nil)
	defer cancel()

	send(t, l.Addr(), "<11>sshd: authentication failure")
	subs := waitFor(t, r, 1)
	if subs[0].Level != "ERROR" || subs[0].Message != "sshd: authentication failure" {
		t.Errorf("submission = %+v", subs[0])
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	r := &recorder{delay: 100 * time.Millisecond}
	l, cancel, done := startListener(t, Config{}, r, nil)

	send(t, l.Addr(), "slow")
	// Give the datagram time to be read before shutting down.
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if n := len(r.snapshot()); n != 1 {
		t.Errorf("in-flight submission lost: got %d", n)
	}
}

func TestFallbackPortOnPermissionError(t *testing.T) {
	var asked []string
	l := NewListener(Config{Host: "127.0.0.1", Port: 514, FallbackPort: 5140}, &recorder{}, nil, nil)
	l.listen = func(network, address string) (net.PacketConn, error) {
		asked = append(asked, address)
		if strings.HasSuffix(address, ":514") {
			return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EACCES)}
		}
		return net.ListenPacket(network, "127.0.0.1:0")
	}

	conn, err := l.bind()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	conn.Close()

	if len(asked) != 2 || asked[1] != "127.0.0.1:5140" {
		t.Errorf("bind attempts = %v", asked)
	}
}

func TestNoFallbackOnOtherErrors(t *testing.T) {
	l := NewListener(Config{Port: 514, FallbackPort: 5140}, &recorder{}, nil, nil)
	calls := 0
	l.listen = func(string, string) (net.PacketConn, error) {
		calls++
		return nil, errors.New("address already in use")
	}
	if _, err := l.bind(); err == nil {
		t.Fatal("bind succeeded")
	}
	if calls != 1 {
		t.Errorf("listen called %d times, want 1", calls)
	}
}

func TestFloodGuard(t *testing.T) {
	g := newFloodGuard(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	if !g.Allow("a") || !g.Allow("a") {
		t.Fatal("burst not allowed")
	}
	if g.Allow("a") {
		t.Error("third datagram in the same instant allowed")
	}
	if !g.Allow("b") {
		t.Error("other sender throttled")
	}

	now = now.Add(time.Second)
	if !g.Allow("a") {
		t.Error("bucket did not refill")
	}

	now = now.Add(10 * time.Minute)
	g.Allow("c")
	g.mu.Lock()
	_, kept := g.senders["a"]
	g.mu.Unlock()
	if kept {
		t.Error("idle sender not evicted")
	}

	var off *floodGuard
	if !off.Allow("x") {
		t.Error("disabled guard blocked traffic")
	}
	if newFloodGuard(0, 5) != nil {
		t.Error("zero rate should disable the guard")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"  padded\r\n", "padded"},
		{"nul\x00\x00", "nul"},
		{"bad \xff byte", "bad \uFFFD byte"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Decode([]byte(tt.in)); got != tt.want {
			t.Errorf("Decode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in        string
		wantLevel event.Level
		wantRest  string
		wantOK    bool
	}{
		{"<0>kernel panic", event.LevelCritical, "kernel panic", true},
		{"<11>auth failure", event.LevelError, "auth failure", true},
		{"<12>low disk", event.LevelWarn, "low disk", true},
		{"<134>GET /", event.LevelInfo, "GET /", true},
		{"<191>trace", event.LevelDebug, "trace", true},
		{"<192>too big", "", "<192>too big", false},
		{"<x>nope", "", "<x>nope", false},
		{"no tag", "", "no tag", false},
		{"<>", "", "<>", false},
	}
	for _, tt := range tests {
		level, rest, ok := ParsePriority(tt.in)
		if ok != tt.wantOK || level != tt.wantLevel || rest != tt.wantRest {
			t.Errorf("ParsePriority(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, level, rest, ok, tt.wantLevel, tt.wantRest, tt.wantOK)
		}
	}
}

type flakyListen struct {
	mu    sync.Mutex
	calls int
}

func TestSupervisorGivesUp(t *testing.T) {
	f := &flakyListen{}
	l := NewListener(Config{Port: 1}, &recorder{}, nil, nil)
	l.listen = func(string, string) (net.PacketConn, error) {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		return nil, errors.New("network is down")
	}

	s := NewSupervisor(l, 2)
	s.initialWait = time.Millisecond
	s.maxWait = 5 * time.Millisecond

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil after exhausting restarts")
	}
	if f.calls != 3 {
		t.Errorf("listen attempts = %d, want 3", f.calls)
	}
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	r := &recorder{}
	l := NewListener(Config{Host: "127.0.0.1"}, r, nil, nil)
	s := NewSupervisor(l, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
