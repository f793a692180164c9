// Package syslog receives log lines as UDP datagrams, one line per datagram,
// and feeds them into the ingestion service.
package syslog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/ingest"
	"github.com/setevik/logvault/internal/metrics"
)

// DefaultHostname is recorded for senders that are not registered sources.
const DefaultHostname = "Syslog-Device"

// maxDatagram is the largest UDP payload.
const maxDatagram = 64 * 1024

// Config controls a Listener.
type Config struct {
	Host         string
	Port         int
	FallbackPort int
	// ParsePriority strips a leading <PRI> tag and uses its severity as level.
	ParsePriority bool
	SubmitTimeout time.Duration
	// RatePerSource limits datagrams per second from one IP; 0 disables.
	RatePerSource float64
	Burst         int
}

// Submitter is the ingestion entry point.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (*event.Event, bool, error)
}

// Listener reads datagrams and submits each one in its own goroutine.
type Listener struct {
	cfg      Config
	submit   Submitter
	resolver ingest.Resolver
	metrics  *metrics.Metrics
	guard    *floodGuard
	listen   func(network, address string) (net.PacketConn, error)

	mu   sync.Mutex
	addr net.Addr

	wg sync.WaitGroup
}

// NewListener creates a Listener. resolver may be nil.
func NewListener(cfg Config, s Submitter, resolver ingest.Resolver, m *metrics.Metrics) *Listener {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	return &Listener{
		cfg:      cfg,
		submit:   s,
		resolver: resolver,
		metrics:  m,
		guard:    newFloodGuard(cfg.RatePerSource, cfg.Burst),
		listen:   net.ListenPacket,
	}
}

// Addr returns the bound address, or nil before the socket is open.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// bind opens the configured port, falling back to FallbackPort when the
// process may not bind the privileged one.
func (l *Listener) bind() (net.PacketConn, error) {
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	conn, err := l.listen("udp", addr)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, os.ErrPermission) || l.cfg.FallbackPort <= 0 || l.cfg.FallbackPort == l.cfg.Port {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}

	fallback := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.FallbackPort))
	slog.Warn("permission denied on syslog port, using fallback",
		"port", l.cfg.Port,
		"fallback_port", l.cfg.FallbackPort,
	)
	conn, err = l.listen("udp", fallback)
	if err != nil {
		return nil, fmt.Errorf("binding fallback %s: %w", fallback, err)
	}
	return conn, nil
}

// Serve binds the socket and reads until ctx is cancelled or the socket
// fails. On return every in-flight submission has finished.
func (l *Listener) Serve(ctx context.Context) error {
	conn, err := l.bind()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.addr = conn.LocalAddr()
	l.mu.Unlock()

	slog.Info("syslog listener started", "addr", conn.LocalAddr().String())

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer l.wg.Wait()
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("syslog listener stopped")
				return nil
			}
			return fmt.Errorf("reading datagram: %w", err)
		}

		payload := bytes.Clone(buf[:n])
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, payload, from)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte, from net.Addr) {
	ip := senderIP(from)
	if !l.guard.Allow(ip) {
		l.metrics.Datagram(metrics.DatagramRateLimited)
		slog.Debug("datagram dropped by flood guard", "ip", ip)
		return
	}

	msg := Decode(payload)
	level := event.LevelInfo
	if l.cfg.ParsePriority {
		if lv, rest, ok := ParsePriority(msg); ok {
			level, msg = lv, rest
		}
	}
	if msg == "" {
		l.metrics.Datagram(metrics.DatagramEmpty)
		return
	}

	hostname := DefaultHostname
	if l.resolver != nil {
		if name, ok := l.resolver.Resolve(ip); ok {
			hostname = name
		}
	}

	// Shutdown waits for this submission instead of cancelling it.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SubmitTimeout)
	defer cancel()

	_, _, err := l.submit.Submit(sctx, ingest.Submission{
		Level:     string(level),
		Message:   msg,
		Hostname:  hostname,
		IPAddress: ip,
	})
	if err != nil {
		l.metrics.Datagram(metrics.DatagramFailed)
		slog.Error("failed to store syslog message", "ip", ip, "error", err)
		return
	}
	l.metrics.Datagram(metrics.DatagramAccepted)
}

func senderIP(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
