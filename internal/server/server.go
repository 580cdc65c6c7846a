// Package server implements the event loop that demultiplexes inbound
// datagrams across sessions: the listening endpoint accepts new RRQ/WRQ
// requests, each accepted request gets its own ephemeral endpoint and
// session, and a periodic sweep drives retransmission and timeout
// teardown. Exactly one goroutine (Run's caller) ever touches session
// state or the file registry; per-endpoint reader goroutines only copy
// bytes onto a fan-in channel.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"tftpd/internal/clock"
	"tftpd/internal/fsio"
	"tftpd/internal/netio"
	"tftpd/internal/registry"
	"tftpd/internal/session"
	"tftpd/internal/wire"
)

// inboundBufferSize bounds how many unprocessed datagrams may queue on
// the fan-in channel before a reader goroutine blocks delivering another
// one. Generous because the consumer is a tight non-blocking loop.
const inboundBufferSize = 64

// TickInterval is a default interval between the event loop's sweeps of
// all live sessions for retransmission and timeout bookkeeping; the loop
// itself uses the tick passed to New.
const TickInterval = time.Second

// Server owns the listening endpoint and every session spawned from it.
type Server struct {
	root  string
	fs    fsio.FS
	reg   *registry.Registry
	clk   clock.Clock
	log   *zap.SugaredLogger
	retry session.RetryPolicy

	listener *netio.Endpoint
	inbound  chan netio.Datagram

	sessions map[uint64]*session.Session

	tick time.Duration
}

// New constructs a Server bound to bindIP:port, serving files rooted at
// root. tick is the interval between timeout sweeps; retry governs each
// session's retransmission timer and retry bound.
func New(bindIP string, port int, root string, fs fsio.FS, reg *registry.Registry, clk clock.Clock, log *zap.SugaredLogger, tick time.Duration, retry session.RetryPolicy) (*Server, error) {
	listener, err := netio.Listen(bindIP, port)
	if err != nil {
		return nil, err
	}
	return &Server{
		root:     root,
		fs:       fs,
		reg:      reg,
		clk:      clk,
		log:      log,
		retry:    retry,
		listener: listener,
		inbound:  make(chan netio.Datagram, inboundBufferSize),
		sessions: make(map[uint64]*session.Session),
		tick:     tick,
	}, nil
}

// Addr returns the listening endpoint's bound address, mainly for tests
// that bind an ephemeral port.
func (s *Server) Addr() net.Addr { return s.listener.LocalAddr() }

// Run drives the event loop until ctx is canceled. It always returns
// nil; cancellation is the only exit path.
func (s *Server) Run(ctx context.Context) error {
	go s.listener.ReadLoop(s.inbound)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case dg := <-s.inbound:
			s.handleDatagram(dg)
		case now := <-ticker.C:
			s.sweepTimeouts(now)
		}
	}
}

func (s *Server) shutdown() {
	_ = s.listener.Close()
	for id, sess := range s.sessions {
		_ = sess.Endpoint.Close()
		delete(s.sessions, id)
	}
}

func (s *Server) handleDatagram(dg netio.Datagram) {
	if dg.Err != nil {
		if dg.Endpoint == s.listener {
			s.log.Errorw("listening endpoint failed, server stopping reads", "error", dg.Err)
		}
		return
	}

	if dg.Endpoint == s.listener {
		s.handleNewRequest(dg)
		return
	}

	sess, ok := s.sessions[dg.Endpoint.ID()]
	if !ok {
		// Endpoint already torn down; drop.
		return
	}
	if !sess.CheckForeignTID(dg.From) {
		sess.SendUnknownTID(dg.From)
		return
	}

	outcome := sess.HandleDatagram(dg.Data)
	if outcome.Terminated {
		s.retireSession(dg.Endpoint.ID(), sess, outcome.Reason)
	}
}

func (s *Server) handleNewRequest(dg netio.Datagram) {
	pkt, err := wire.Decode(dg.Data)
	if err != nil {
		s.log.Infow("dropping malformed initial packet", "from", dg.From, "error", err)
		return
	}
	req, ok := pkt.(wire.Request)
	if !ok {
		s.log.Infow("dropping non-request packet on listening endpoint", "from", dg.From)
		return
	}

	localIP := ""
	if udpAddr, ok := s.listener.LocalAddr().(*net.UDPAddr); ok {
		localIP = udpAddr.IP.String()
	}
	ep, err := netio.Open(localIP)
	if err != nil {
		s.log.Warnw("failed to open ephemeral endpoint for new transfer", "from", dg.From, "error", err)
		return
	}

	sess := session.New(req, dg.From, ep, s.root, s.fs, s.reg, s.clk, s.log, s.retry)
	if sess == nil {
		// New already sent the appropriate ERR on ep.
		_ = ep.Close()
		return
	}

	s.sessions[ep.ID()] = sess
	go ep.ReadLoop(s.inbound)
	s.log.Infow("transfer started", "session", sess.Key())
}

func (s *Server) sweepTimeouts(now time.Time) {
	for id, sess := range s.sessions {
		outcome := sess.CheckTimeout(now)
		if outcome.Terminated {
			s.retireSession(id, sess, outcome.Reason)
		}
	}
}

func (s *Server) retireSession(id uint64, sess *session.Session, reason string) {
	bytes, blocks, elapsed := sess.Stats()
	if reason == "transfer complete" {
		s.log.Infow("transfer complete", "session", sess.Key(), "bytes", bytes, "blocks", blocks, "elapsed", elapsed)
	} else {
		s.log.Warnw("transfer aborted", "session", sess.Key(), "reason", reason, "bytes", bytes, "blocks", blocks, "elapsed", elapsed)
	}
	_ = sess.Endpoint.Close()
	delete(s.sessions, id)
}
