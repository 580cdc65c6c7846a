// Package session implements the per-client RRQ/WRQ protocol state
// machine and the retransmission bookkeeping it shares with the retry
// engine: block numbers, ACK/DATA alternation, end-of-transfer
// detection, and <filename>.tmp staging for writes.
//
// A Session is driven exclusively by its owning event loop goroutine
// (internal/server); nothing here takes a lock, since only that one
// goroutine ever touches session state.
package session

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"tftpd/internal/clock"
	"tftpd/internal/errcat"
	"tftpd/internal/fsio"
	"tftpd/internal/netio"
	"tftpd/internal/registry"
	"tftpd/internal/wire"
)

// Direction is the transfer direction of a Session.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "RRQ"
	}
	return "WRQ"
}

// RetransmissionTimeout is the default delay before resending the last
// packet when no reply has arrived.
const RetransmissionTimeout = 4 * time.Second

// MaxRetries is the default bound on retransmission attempts before a
// session is torn down.
const MaxRetries = 3

// RetryPolicy configures the retransmission timer and retry bound a
// Session uses.
type RetryPolicy struct {
	Delay      time.Duration
	MaxRetries int
}

// DefaultRetryPolicy returns a conservative default retry policy: a
// four-second retransmission timer and three retries before giving up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: RetransmissionTimeout, MaxRetries: MaxRetries}
}

// Session is one RRQ or WRQ transfer with one remote peer.
type Session struct {
	Endpoint  *netio.Endpoint
	Peer      net.Addr
	Direction Direction

	// RequestedName is the filename exactly as the client sent it, used
	// in log lines and ERR messages.
	RequestedName string
	// path is RequestedName resolved and validated against the served
	// root (fsio.SafeJoin).
	path string
	mode wire.Mode

	fs    fsio.FS
	reg   *registry.Registry
	clk   clock.Clock
	log   *zap.SugaredLogger
	retry RetryPolicy

	file afero.File

	// block is the RRQ block# of the last DATA sent, or the WRQ block#
	// expected next (so the last ACK sent carries block-1, or 0
	// initially).
	block uint16

	lastSentRaw   []byte
	lastSentKind  kind
	lastSentBlock uint16
	lastSentAt    time.Time
	retries       int

	eofEmitted bool // RRQ: a short final DATA block has been sent

	startedAt         time.Time
	bytesTransferred  int64
	blocksTransferred int

	terminated bool
}

// Outcome reports what a Session did in response to an event, so the
// event loop (C6) knows whether to keep dispatching to the session, and
// why it ended if not.
type Outcome struct {
	Terminated bool
	Reason     string
}

func ongoing() Outcome { return Outcome{} }

func done(reason string) Outcome { return Outcome{Terminated: true, Reason: reason} }

// Key identifies the session for logs: direction, peer, filename.
func (s *Session) Key() string {
	return s.Direction.String() + " " + s.Peer.String() + " " + s.RequestedName
}

// Stats are reported in the "transfer complete"/"transfer aborted" log
// event (SPEC_FULL.md Part D).
func (s *Session) Stats() (bytes int64, blocks int, elapsed time.Duration) {
	return s.bytesTransferred, s.blocksTransferred, s.clk.Now().Sub(s.startedAt)
}

func (s *Session) sendRaw(raw []byte, k kind, block uint16) {
	if err := s.Endpoint.Send(s.Peer, raw); err != nil {
		s.log.Warnw("send failed", "session", s.Key(), "error", err)
	}
	s.lastSentRaw = raw
	s.lastSentKind = k
	s.lastSentBlock = block
	s.lastSentAt = s.clk.Now()
}

func (s *Session) sendErr(code errcat.Code, extra string) {
	pkt := wire.Err{Code: code, Message: errcat.WireMessage(code, extra)}
	raw, err := wire.Encode(pkt)
	if err != nil {
		s.log.Warnw("failed to encode ERR packet", "error", err)
		return
	}
	if err := s.Endpoint.Send(s.Peer, raw); err != nil {
		s.log.Warnw("send ERR failed", "session", s.Key(), "error", err)
	}
}

func (s *Session) sendData(block uint16, payload []byte) {
	raw, err := wire.Encode(wire.Data{Block: block, Payload: payload})
	if err != nil {
		s.log.Errorw("failed to encode DATA packet", "error", err)
		return
	}
	s.sendRaw(raw, kindData, block)
}

func (s *Session) sendAck(block uint16) {
	raw, err := wire.Encode(wire.Ack{Block: block})
	if err != nil {
		s.log.Errorw("failed to encode ACK packet", "error", err)
		return
	}
	s.sendRaw(raw, kindAck, block)
}

// resolveRequest validates the common pieces of an RRQ/WRQ request:
// non-empty filename and a path confined to root. Mode itself is
// already validated by the wire codec before a Request ever reaches
// here.
func resolveRequest(root string, req wire.Request) (path string, failCode errcat.Code, failReason string, ok bool) {
	if req.Filename == "" {
		return "", errcat.NotDefined, "empty filename", false
	}
	path, err := fsio.SafeJoin(root, req.Filename)
	if err != nil {
		return "", errcat.AccessViolation, "invalid filename", false
	}
	return path, 0, "", true
}

// New constructs and starts a Session for an incoming RRQ or WRQ. On any
// validation, registry, or filesystem failure it sends the appropriate
// ERR from endpoint and returns a nil Session — the caller (the event
// loop) should close endpoint and not register a session.
func New(req wire.Request, peer net.Addr, endpoint *netio.Endpoint, root string, fs fsio.FS, reg *registry.Registry, clk clock.Clock, log *zap.SugaredLogger, retry RetryPolicy) *Session {
	switch req.Op {
	case wire.OpRRQ:
		return newRead(req, peer, endpoint, root, fs, reg, clk, log, retry)
	case wire.OpWRQ:
		return newWrite(req, peer, endpoint, root, fs, reg, clk, log, retry)
	default:
		return nil
	}
}

func newBase(req wire.Request, peer net.Addr, endpoint *netio.Endpoint, direction Direction, fs fsio.FS, reg *registry.Registry, clk clock.Clock, log *zap.SugaredLogger, retry RetryPolicy) *Session {
	return &Session{
		Endpoint:      endpoint,
		Peer:          peer,
		Direction:     direction,
		RequestedName: req.Filename,
		mode:          req.Mode,
		fs:            fs,
		retry:         retry,
		reg:           reg,
		clk:           clk,
		log:           log,
		startedAt:     clk.Now(),
	}
}

// newRead validates and opens a requested file for reading, then sends
// the first DATA block.
func newRead(req wire.Request, peer net.Addr, endpoint *netio.Endpoint, root string, fs fsio.FS, reg *registry.Registry, clk clock.Clock, log *zap.SugaredLogger, retry RetryPolicy) *Session {
	s := newBase(req, peer, endpoint, Read, fs, reg, clk, log, retry)

	path, failCode, failReason, ok := resolveRequest(root, req)
	if !ok {
		s.sendErr(failCode, failReason)
		return nil
	}
	s.path = path

	if !s.fs.Exists(path) {
		s.sendErr(errcat.FileNotFound, "")
		return nil
	}
	if !s.fs.Readable(path) {
		s.sendErr(errcat.AccessViolation, "")
		return nil
	}
	if err := s.reg.AcquireRead(path); err != nil {
		s.sendErr(errcat.NotDefined, registry.ErrInUse.Error())
		return nil
	}

	file, err := s.fs.OpenRead(path, req.Mode)
	if err != nil {
		s.reg.ReleaseRead(path)
		s.sendErr(errcat.NotDefined, err.Error())
		return nil
	}
	s.file = file

	s.block = 1
	payload := make([]byte, wire.MaxDataSize)
	n, err := readFull(file, payload)
	if err != nil && err != io.EOF {
		_ = file.Close()
		s.reg.ReleaseRead(path)
		s.sendErr(errcat.NotDefined, err.Error())
		return nil
	}
	payload = payload[:n]
	if n < wire.MaxDataSize {
		s.eofEmitted = true
	}
	s.bytesTransferred += int64(n)
	s.blocksTransferred++
	s.sendData(s.block, payload)
	return s
}

// newWrite reserves the filename for writing and opens its staging
// file, then sends ACK(0) to invite the first DATA block.
func newWrite(req wire.Request, peer net.Addr, endpoint *netio.Endpoint, root string, fs fsio.FS, reg *registry.Registry, clk clock.Clock, log *zap.SugaredLogger, retry RetryPolicy) *Session {
	s := newBase(req, peer, endpoint, Write, fs, reg, clk, log, retry)

	path, failCode, failReason, ok := resolveRequest(root, req)
	if !ok {
		s.sendErr(failCode, failReason)
		return nil
	}
	s.path = path

	if err := s.reg.AcquireWrite(path); err != nil {
		s.sendErr(errcat.NotDefined, registry.ErrInUse.Error())
		return nil
	}

	tmpPath := tempName(path)
	file, err := s.fs.OpenWrite(tmpPath, req.Mode)
	if err != nil {
		s.reg.ReleaseWrite(path)
		s.sendErr(errcat.NotDefined, err.Error())
		return nil
	}
	s.file = file

	s.block = 1
	s.sendAck(0)
	return s
}

func tempName(path string) string { return path + ".tmp" }

func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// HandleDatagram dispatches one inbound datagram already known to be
// addressed to this session's own TID (the event loop performs the
// §4.5.3 TID check before calling this).
func (s *Session) HandleDatagram(raw []byte) Outcome {
	pkt, err := wire.Decode(raw)
	if err != nil {
		s.sendErr(errcat.IllegalOperation, err.Error())
		s.cleanupOnFailure()
		return done("malformed packet")
	}

	switch p := pkt.(type) {
	case wire.Ack:
		if s.Direction != Read {
			return s.unexpectedOpcode()
		}
		return s.onAck(p)
	case wire.Data:
		if s.Direction != Write {
			return s.unexpectedOpcode()
		}
		return s.onData(p)
	case wire.Err:
		return s.onPeerErr(p)
	default:
		return s.unexpectedOpcode()
	}
}

func (s *Session) unexpectedOpcode() Outcome {
	s.sendErr(errcat.IllegalOperation, "")
	s.cleanupOnFailure()
	return done("unexpected opcode")
}

func (s *Session) onPeerErr(p wire.Err) Outcome {
	s.log.Infow("peer aborted transfer", "session", s.Key(), "code", p.Code, "message", p.Message)
	s.cleanupOnFailure()
	return done("peer sent ERR")
}

// onAck advances the read transfer: a stale ACK is ignored, an ACK for
// the final short block finishes the transfer, otherwise the next block
// is sent.
func (s *Session) onAck(p wire.Ack) Outcome {
	if p.Block != s.block {
		// Stale/duplicate ACK: ignore, do not reset the timer or retries.
		s.log.Debugw("ignoring stale ACK", "session", s.Key(), "got", p.Block, "want", s.block)
		return ongoing()
	}

	if s.eofEmitted {
		s.finishRead()
		return done("transfer complete")
	}

	s.block++
	payload := make([]byte, wire.MaxDataSize)
	n, err := readFull(s.file, payload)
	if err != nil && err != io.EOF {
		s.sendErr(errcat.NotDefined, err.Error())
		s.cleanupOnFailure()
		return done("read error")
	}
	payload = payload[:n]
	if n < wire.MaxDataSize {
		s.eofEmitted = true
	}
	s.bytesTransferred += int64(n)
	s.blocksTransferred++
	s.sendData(s.block, payload)
	return ongoing()
}

func (s *Session) finishRead() {
	s.reg.ReleaseRead(s.path)
	if s.file != nil {
		_ = s.file.Close()
	}
	s.terminated = true
}

// onData advances the write transfer: the expected block is written and
// ACKed, a duplicate of the last-written block is re-ACKed without being
// written again, and anything else aborts the transfer.
func (s *Session) onData(p wire.Data) Outcome {
	switch {
	case p.Block == s.block:
		n, err := s.file.Write(p.Payload)
		if err != nil || n < len(p.Payload) {
			s.sendErr(errcat.DiskFullOrAllocExceeded, errString(err))
			s.abortWrite()
			return done("disk full")
		}
		s.bytesTransferred += int64(n)
		s.blocksTransferred++
		s.sendAck(s.block)

		if len(p.Payload) < wire.MaxDataSize {
			s.finishWrite()
			return done("transfer complete")
		}
		s.block++
		return ongoing()

	case p.Block == s.block-1:
		// Duplicate of the block we already ACKed: peer lost our ACK.
		// Re-send without advancing.
		s.sendAck(s.block - 1)
		return ongoing()

	default:
		s.sendErr(errcat.NotDefined, "")
		s.abortWrite()
		return done("out-of-order block")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Session) finishWrite() {
	tmp := tempName(s.path)
	if s.file != nil {
		_ = s.file.Close()
	}
	if err := s.fs.Remove(s.path); err != nil {
		s.log.Warnw("failed to remove pre-existing file before rename", "session", s.Key(), "error", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.log.Warnw("failed to rename staged file into place", "session", s.Key(), "error", errors.Wrap(err, "rename"))
	}
	s.reg.ReleaseWrite(s.path)
	s.terminated = true
}

func (s *Session) abortWrite() {
	if s.file != nil {
		_ = s.file.Close()
	}
	_ = s.fs.Remove(tempName(s.path))
	s.reg.ReleaseWrite(s.path)
	s.terminated = true
}

// cleanupOnFailure releases whatever this session holds, regardless of
// direction, for the shared malformed-packet/unexpected-opcode/peer-ERR
// paths.
func (s *Session) cleanupOnFailure() {
	if s.Direction == Write {
		s.abortWrite()
		return
	}
	s.finishRead()
}

// Terminated reports whether the session has already released its
// resources.
func (s *Session) Terminated() bool { return s.terminated }

// CheckTimeout implements the retry engine: if the last send is older
// than the configured retry delay, resend it and bump the retry count;
// past the configured retry bound, terminate.
func (s *Session) CheckTimeout(now time.Time) Outcome {
	if now.Sub(s.lastSentAt) < s.retry.Delay {
		return ongoing()
	}

	if s.retries >= s.retry.MaxRetries {
		s.log.Warnw("retry budget exhausted, terminating session", "session", s.Key(), "retries", s.retries)
		s.cleanupOnFailure()
		return done("retry exhausted")
	}

	s.log.Infow("timeout, retransmitting", "session", s.Key(), "kind", s.lastSentKind.String(), "block", s.lastSentBlock, "retry", s.retries+1)
	if err := s.Endpoint.Send(s.Peer, s.lastSentRaw); err != nil {
		s.log.Warnw("retransmit send failed", "session", s.Key(), "error", err)
	}
	s.lastSentAt = now
	s.retries++
	return ongoing()
}

// CheckForeignTID reports whether from matches the peer this session was
// opened with. A datagram from anyone else must get an
// ERR(UnknownTransferID) reply without mutating session state.
func (s *Session) CheckForeignTID(from net.Addr) bool {
	return from.String() == s.Peer.String()
}

// SendUnknownTID replies to a stray source from this session's endpoint
// without touching session state.
func (s *Session) SendUnknownTID(from net.Addr) {
	pkt := wire.Err{Code: errcat.UnknownTransferID, Message: errcat.Message(errcat.UnknownTransferID)}
	raw, err := wire.Encode(pkt)
	if err != nil {
		s.log.Warnw("failed to encode UnknownTransferID ERR", "error", err)
		return
	}
	if err := s.Endpoint.Send(from, raw); err != nil {
		s.log.Warnw("failed to send UnknownTransferID ERR", "error", err)
	}
}
