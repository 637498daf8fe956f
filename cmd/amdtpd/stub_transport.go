package main

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"amdtpd/internal/ticks"
	"amdtpd/internal/transport"
)

// xmitBinding is what IsoXmitInit stashes away so Iterate and the
// wake-up ticker can later drive the registered callback.
type xmitBinding struct {
	channel       int
	maxPacketSize int
	cb            transport.TransmitCallback
}

type recvBinding struct {
	channel int
	cb      transport.ReceiveCallback
}

// stubTransport is a loopback stand-in for the real libraw1394
// transport, which is out of scope for this engine (§1): it derives
// the cycle timer from the wall clock and exposes a socketpair fd per
// opened channel so the iso manager's poll loop has something real to
// wait on. It never touches actual 1394 hardware, but it does carry
// real packet bytes end to end: a transmit handle's IsoStart arms a
// ticker that simulates the kernel's periodic cycle-start interrupt by
// waking the handle's own fd, and Iterate — called from the handler's
// poll-driven loop, exactly as real hardware would drive it — invokes
// the registered transmit callback and hands its output straight to
// whichever receive callback is registered on the same channel.
type stubTransport struct {
	logger *slog.Logger
	start  time.Time

	mu     sync.Mutex
	fds    map[transport.Handle][2]int
	xmit   map[transport.Handle]xmitBinding
	recv   map[transport.Handle]recvBinding
	byChan map[int]transport.Handle // channel -> recv handle
	stopCh map[transport.Handle]chan struct{}
	next   int
}

func newStubTransport(logger *slog.Logger) *stubTransport {
	return &stubTransport{
		logger: logger,
		start:  time.Now(),
		fds:    make(map[transport.Handle][2]int),
		xmit:   make(map[transport.Handle]xmitBinding),
		recv:   make(map[transport.Handle]recvBinding),
		byChan: make(map[int]transport.Handle),
		stopCh: make(map[transport.Handle]chan struct{}),
	}
}

func (s *stubTransport) OpenPort(portIndex int) (transport.Handle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return 0, err
	}
	s.mu.Lock()
	s.next++
	h := transport.Handle(s.next)
	s.fds[h] = [2]int{fds[0], fds[1]}
	s.mu.Unlock()
	return h, nil
}

func (s *stubTransport) IsoXmitInit(h transport.Handle, channel int, buffers, maxPacketSize, irqInterval int, speed transport.Speed, cb transport.TransmitCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xmit[h] = xmitBinding{channel: channel, maxPacketSize: maxPacketSize, cb: cb}
	return nil
}

func (s *stubTransport) IsoRecvInit(h transport.Handle, channel int, buffers, maxPacketSize, irqInterval int, mode transport.Mode, cb transport.ReceiveCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv[h] = recvBinding{channel: channel, cb: cb}
	s.byChan[channel] = h
	return nil
}

// isoWakeupInterval stands in for the kernel's periodic cycle-start
// interrupt that would otherwise wake a transmit handle's poll fd.
const isoWakeupInterval = time.Millisecond

func (s *stubTransport) IsoStart(h transport.Handle, cycle int64) error {
	s.mu.Lock()
	_, isXmit := s.xmit[h]
	pair, ok := s.fds[h]
	s.mu.Unlock()
	if !isXmit || !ok {
		return nil
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.stopCh[h] = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(isoWakeupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if _, err := unix.Write(pair[1], []byte{1}); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *stubTransport) IsoStop(h transport.Handle) error {
	s.mu.Lock()
	stop, ok := s.stopCh[h]
	delete(s.stopCh, h)
	s.mu.Unlock()
	if ok {
		close(stop)
	}
	return nil
}

func (s *stubTransport) PollFD(h transport.Handle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.fds[h]
	if !ok {
		return -1, errUnknownHandle(h)
	}
	return pair[0], nil
}

func (s *stubTransport) GetCycleTimer() (ticks.CycleTime, error) {
	elapsed := time.Since(s.start)
	total := ticks.Normalize(int64(elapsed.Seconds() * ticks.TicksPerSecond))
	return ticks.FromTicks(total), nil
}

// Iterate drains the wake-up byte(s) queued on h's fd and, for a
// transmit handle, actually pumps the registered callback: it builds
// one packet and hands it directly to whatever receive callback is
// registered on the same channel, the way a single loopback-wired
// 1394 bus would deliver it. Receive handles have nothing further to
// do here since delivery already happened on the paired transmit
// handle's Iterate call.
func (s *stubTransport) Iterate(h transport.Handle) error {
	s.mu.Lock()
	pair, ok := s.fds[h]
	xb, isXmit := s.xmit[h]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	drainBuf := make([]byte, 64)
	for {
		n, err := unix.Read(pair[0], drainBuf)
		if n <= 0 || err != nil {
			break
		}
	}

	if !isXmit {
		return nil
	}

	now, err := s.GetCycleTimer()
	if err != nil {
		return err
	}
	cycle := cycleNumber(now)

	data, tag, sy, disposition := xb.cb(cycle, 0, xb.maxPacketSize)
	if disposition == transport.ERROR || disposition == transport.STOP || len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	rxHandle, ok := s.byChan[xb.channel]
	var rb recvBinding
	if ok {
		rb = s.recv[rxHandle]
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rb.cb(data, xb.channel, tag, sy, cycle, 0)
	return nil
}

func cycleNumber(c ticks.CycleTime) int64 {
	return int64(c.Seconds)*ticks.CyclesPerSecond + int64(c.Cycles)
}

func (s *stubTransport) Close(h transport.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.fds[h]
	if !ok {
		return nil
	}
	delete(s.fds, h)
	delete(s.xmit, h)
	if rb, ok := s.recv[h]; ok {
		if s.byChan[rb.channel] == h {
			delete(s.byChan, rb.channel)
		}
		delete(s.recv, h)
	}
	if stop, ok := s.stopCh[h]; ok {
		close(stop)
		delete(s.stopCh, h)
	}
	unix.Close(pair[0])
	unix.Close(pair[1])
	return nil
}

type errUnknownHandle transport.Handle

func (e errUnknownHandle) Error() string { return "stub transport: unknown handle" }
