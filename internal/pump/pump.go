// Package pump relays bytes between the host terminal, a pty master and a
// session log in a single goroutine.
//
// Two buffers carry the traffic:
//
//	inbound   host input  -> pty master          (slice "to child")
//	outbound  pty master  -> host output, log    (slices "to host", "to log")
//
// Each iteration performs exactly one readiness wait over the endpoints the
// pump currently has interest in plus the wake descriptor of a Terminator,
// then dispatches the ready endpoints in a fixed order and realigns both
// buffers. A buffer that cannot be realigned stays full and its source is
// left out of the wait until every reader has caught up.
package pump

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pseudoshell/internal/ptyio"
	"github.com/srg/pseudoshell/internal/zcbuf"
	"golang.org/x/sys/unix"
)

// ErrFlushTimeout is returned when the log did not accept the remaining
// output within the flush timeout.
var ErrFlushTimeout = errors.New("flush timed out")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Terminator signals that the session should end. WakeFd becomes readable
// once Terminated returns true.
type Terminator interface {
	WakeFd() int
	Drain()
	Terminated() bool
}

// Endpoints are the descriptors the pump borrows for one run. All of them
// except Log must be in non-blocking mode.
type Endpoints struct {
	HostIn  int
	HostOut int
	Master  int
	Log     int
}

// Options tune a pump. Zero values are replaced by the defaults.
type Options struct {
	InboundCapacity  int           `default:"32"`
	OutboundCapacity int           `default:"4096"`
	FlushTimeout     time.Duration `default:"2s"`
	Logger           *logrus.Logger
}

// Stats describes a finished or running pump.
type Stats struct {
	Inbound     zcbuf.Stats `json:"inbound"`
	Outbound    zcbuf.Stats `json:"outbound"`
	Iterations  uint64      `json:"iterations"`
	HostSkipped int         `json:"host_skipped"`
	Discarded   int         `json:"inbound_discarded"`
}

// exitReadBudget caps how much the exit flush reads from the pty once the
// child has terminated. A background process left on the pty can otherwise
// keep the flush going.
const exitReadBudget = 1 << 20

// poll set layout
const (
	slotWake = iota
	slotHostIn
	slotHostOut
	slotMaster
	slotLog
	slotCount
)

// Pump is the event loop of one session. It is not safe for concurrent use.
type Pump struct {
	logger *logrus.Logger
	term   Terminator

	hostIn, hostOut, master, log ptyio.Endpoint

	inbound  *zcbuf.Buffer
	outbound *zcbuf.Buffer
	toChild  *zcbuf.ReadSlice
	toHost   *zcbuf.ReadSlice
	toLog    *zcbuf.ReadSlice

	writeMaster, writeHost, writeLog bool

	// endpoints that failed fatally are not written to again
	broken map[int]bool

	flushTimeout time.Duration
	fds          [slotCount]unix.PollFd
	iterations   uint64
	hostSkipped  int
	discarded    int
}

// New creates a pump over ep. term must not be nil.
func New(ep Endpoints, term Terminator, opts Options) (*Pump, error) {
	if term == nil {
		return nil, errors.New("pump: nil terminator")
	}
	for _, d := range []struct {
		name string
		fd   int
	}{
		{"host input", ep.HostIn},
		{"host output", ep.HostOut},
		{"master", ep.Master},
		{"log", ep.Log},
	} {
		if d.fd < 0 {
			return nil, fmt.Errorf("pump: invalid %s descriptor %d", d.name, d.fd)
		}
	}
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}

	inbound, err := zcbuf.New(opts.InboundCapacity)
	if err != nil {
		return nil, fmt.Errorf("inbound buffer: %w", err)
	}
	outbound, err := zcbuf.New(opts.OutboundCapacity)
	if err != nil {
		return nil, fmt.Errorf("outbound buffer: %w", err)
	}

	return &Pump{
		logger:       opts.Logger,
		term:         term,
		hostIn:       ptyio.Endpoint{Name: "host-in", Fd: ep.HostIn},
		hostOut:      ptyio.Endpoint{Name: "host-out", Fd: ep.HostOut},
		master:       ptyio.Endpoint{Name: "master", Fd: ep.Master},
		log:          ptyio.Endpoint{Name: "log", Fd: ep.Log},
		inbound:      inbound,
		outbound:     outbound,
		toChild:      inbound.NewReadSlice(0),
		toHost:       outbound.NewReadSlice(0),
		toLog:        outbound.NewReadSlice(0),
		broken:       make(map[int]bool),
		flushTimeout: opts.FlushTimeout,
	}, nil
}

// Run loops until the terminator fires, an endpoint reaches end of stream or
// a transfer fails fatally, then flushes committed output. Termination and
// end of stream are not errors.
func (p *Pump) Run() error {
	var runErr error
	for {
		p.arm()
		if _, err := ptyio.Poll(p.fds[:]); err != nil {
			runErr = fmt.Errorf("wait for readiness: %w", err)
			break
		}
		p.iterations++

		if p.fds[slotWake].Revents&unix.POLLIN != 0 {
			p.term.Drain()
		}

		ended, err := p.dispatch()
		p.inbound.Realign()
		p.outbound.Realign()

		if err != nil {
			runErr = err
			break
		}
		if ended {
			p.logger.Debug("Endpoint reached end of stream")
			break
		}
		if p.term.Terminated() {
			p.logger.Debug("Termination observed")
			break
		}
	}

	return errors.Join(runErr, p.flush())
}

// Stats returns the counters of the pump and its buffers.
func (p *Pump) Stats() Stats {
	return Stats{
		Inbound:     p.inbound.Stats(),
		Outbound:    p.outbound.Stats(),
		Iterations:  p.iterations,
		HostSkipped: p.hostSkipped,
		Discarded:   p.discarded,
	}
}

// arm builds the poll set from the current interest. Slots without events
// get fd -1 so the kernel does not report hang-ups nobody asked about.
func (p *Pump) arm() {
	set := func(slot, fd int, events int16) {
		if events == 0 {
			fd = -1
		}
		p.fds[slot] = unix.PollFd{Fd: int32(fd), Events: events}
	}

	set(slotWake, p.term.WakeFd(), unix.POLLIN)

	var hostIn, master, hostOut, log int16
	if p.inbound.HasSpaceForWrite() {
		hostIn = unix.POLLIN
	}
	if p.outbound.HasSpaceForWrite() {
		master |= unix.POLLIN
	}
	if p.writeMaster {
		master |= unix.POLLOUT
	}
	if p.writeHost {
		hostOut = unix.POLLOUT
	}
	if p.writeLog {
		log = unix.POLLOUT
	}
	set(slotHostIn, p.hostIn.Fd, hostIn)
	set(slotHostOut, p.hostOut.Fd, hostOut)
	set(slotMaster, p.master.Fd, master)
	set(slotLog, p.log.Fd, log)
}

func (p *Pump) readable(slot int) bool {
	fd := p.fds[slot]
	return fd.Events&unix.POLLIN != 0 && fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

func (p *Pump) writable(slot int) bool {
	fd := p.fds[slot]
	return fd.Events&unix.POLLOUT != 0 && fd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0
}

// dispatch serves the ready endpoints in order. It reports whether the
// session reached an orderly end.
func (p *Pump) dispatch() (bool, error) {
	for slot, ep := range [...]ptyio.Endpoint{slotHostIn: p.hostIn, slotHostOut: p.hostOut, slotMaster: p.master, slotLog: p.log} {
		if slot == slotWake {
			continue
		}
		if p.fds[slot].Revents&unix.POLLNVAL != 0 {
			p.broken[ep.Fd] = true
			return false, &ptyio.TransferError{Op: "poll", Endpoint: ep, Err: unix.EBADF}
		}
	}

	// (a) host keystrokes into the inbound buffer
	if p.readable(slotHostIn) {
		_, err := ptyio.Fill(p.hostIn, p.inbound)
		if p.toChild.HasDataToRead() {
			p.writeMaster = true
		}
		if ended, err := p.classify(p.hostIn, err); ended || err != nil {
			return ended, err
		}
	}

	// (b) inbound buffer into the child
	if p.writable(slotMaster) {
		_, err := ptyio.Drain(p.toChild, p.master)
		if !p.toChild.HasDataToRead() {
			p.writeMaster = false
		}
		if ended, err := p.classify(p.master, err); ended || err != nil {
			return ended, err
		}
	}

	// (c) child output into the outbound buffer
	if p.readable(slotMaster) {
		_, err := ptyio.Fill(p.master, p.outbound)
		if p.toHost.HasDataToRead() {
			p.writeHost = true
		}
		if p.toLog.HasDataToRead() {
			p.writeLog = true
		}
		if ended, err := p.classify(p.master, err); ended || err != nil {
			return ended, err
		}
	}

	// (d) outbound buffer onto the host display
	if p.writable(slotHostOut) {
		_, err := ptyio.Drain(p.toHost, p.hostOut)
		if !p.toHost.HasDataToRead() {
			p.writeHost = false
		}
		if p.toLog.HasDataToRead() {
			p.writeLog = true
		}
		if ended, err := p.classify(p.hostOut, err); ended || err != nil {
			return ended, err
		}
	}

	// (e) outbound buffer into the log
	if p.writable(slotLog) {
		_, err := ptyio.Drain(p.toLog, p.log)
		if !p.toLog.HasDataToRead() {
			p.writeLog = false
		}
		if ended, err := p.classify(p.log, err); ended || err != nil {
			return ended, err
		}
	}

	return false, nil
}

// classify maps the result of a transfer step onto the loop outcome.
func (p *Pump) classify(ep ptyio.Endpoint, err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, io.EOF):
		p.logger.WithField("endpoint", ep.String()).Debug("End of stream")
		return true, nil
	case ep.Fd == p.master.Fd && ptyio.IsHangup(err):
		p.logger.WithField("endpoint", ep.String()).Debug("Pty hung up")
		return true, nil
	default:
		p.broken[ep.Fd] = true
		return false, err
	}
}

// flush delivers what the child already produced. The log receives every
// byte; the host display gets whatever it accepts before the flush timeout.
func (p *Pump) flush() error {
	deadline := time.Now().Add(p.flushTimeout)
	masterOpen := !p.broken[p.master.Fd]

	if n := p.toChild.Skip(); n > 0 {
		p.discarded += n
		p.logger.WithField("bytes", n).Debug("Discarded pending input")
	}

	// a running child is read until the deadline, an exited one until the
	// pty is empty or the budget is spent
	exited := p.term.Terminated()
	budget := exitReadBudget

	for {
		if masterOpen && !exited && time.Now().After(deadline) {
			masterOpen = false
		}
		if masterOpen && exited && budget <= 0 {
			p.logger.WithField("budget", exitReadBudget).Debug("Stopped reading pty after exit budget")
			masterOpen = false
		}
		if masterOpen && p.outbound.HasSpaceForWrite() {
			n, err := ptyio.Fill(p.master, p.outbound)
			budget -= n
			if err != nil {
				if !errors.Is(err, io.EOF) && !ptyio.IsHangup(err) {
					p.logger.WithError(err).Debug("Stopped reading pty during flush")
				}
				masterOpen = false
			} else if p.outbound.HasSpaceForWrite() {
				// would block: nothing left in the pty
				masterOpen = false
			}
		}

		if err := p.flushLog(); err != nil {
			p.toHost.Skip()
			return err
		}
		p.flushHost(deadline)
		p.outbound.Realign()

		if !masterOpen {
			return nil
		}
	}
}

func (p *Pump) flushLog() error {
	if p.broken[p.log.Fd] {
		p.toLog.Skip()
		return nil
	}
	for p.toLog.HasDataToRead() {
		if _, err := ptyio.Drain(p.toLog, p.log); err != nil {
			p.toLog.Skip()
			return err
		}
		if !p.toLog.HasDataToRead() {
			break
		}
		ok, err := ptyio.WaitWritable(p.log.Fd, p.flushTimeout)
		if err != nil || !ok {
			n := p.toLog.Skip()
			p.logger.WithField("bytes", n).Warn("Log did not accept remaining output")
			return &ptyio.TransferError{Op: "write", Endpoint: p.log, Err: errors.Join(ErrFlushTimeout, err)}
		}
	}
	return nil
}

func (p *Pump) flushHost(deadline time.Time) {
	for !p.broken[p.hostOut.Fd] && p.toHost.HasDataToRead() {
		if _, err := ptyio.Drain(p.toHost, p.hostOut); err != nil {
			p.logger.WithError(err).Debug("Host output failed during flush")
			break
		}
		if !p.toHost.HasDataToRead() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if ok, err := ptyio.WaitWritable(p.hostOut.Fd, remaining); err != nil || !ok {
			break
		}
	}
	if n := p.toHost.Skip(); n > 0 {
		p.hostSkipped += n
		p.logger.WithField("bytes", n).Debug("Skipped output the display did not take")
	}
}
