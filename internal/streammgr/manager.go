package streammgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"amdtpd/internal/iso"
	"amdtpd/internal/port"
	"amdtpd/internal/rtworker"
	"amdtpd/internal/ticks"
	"amdtpd/internal/transport"
)

var (
	ErrXrunOverrun  = errors.New("streammgr: xrun (ring buffer overrun)")
	ErrXrunUnderrun = errors.New("streammgr: xrun (ring buffer underrun)")
	ErrTransport    = errors.New("streammgr: transport error")
	ErrConfig       = errors.New("streammgr: configuration error")
)

// receiveProcessingDelayTicks is the ~2ms constant added to the period length when
// computing a capture period's presentation time (§4.9).
const receiveProcessingDelayTicks = ticks.TicksPerSecond / 500

// Config holds the manager's period-clock configuration.
type Config struct {
	Period     int
	NbBuffers  int
	PortIndex  int
	NodeID     uint8
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// registered pairs a Processor with the iso.Handler ID it was given at
// start time.
type registered struct {
	proc      Processor
	handlerID iso.ID
}

// Manager turns a set of AmdtpReceiveStreamProcessor /
// AmdtpTransmitStreamProcessor instances into a period-driven client
// interface: register/unregister before start, then
// wait_for_period/transfer in lockstep once running.
type Manager struct {
	logger *slog.Logger
	isoMgr *iso.Manager
	tr     transport.Transport
	cfg    Config

	mu         sync.Mutex
	procs      []*registered
	syncSource *registered
	running    bool

	sem    *semaphore.Weighted
	posted atomic.Bool

	streamWorker *rtworker.Worker
	xrunOccurred bool

	xrunCount uint64
}

// New creates a manager bound to the given transport and iso manager.
// The period semaphore starts empty: the client blocks in
// WaitForPeriod until the streaming thread posts the first period.
func New(logger *slog.Logger, isoMgr *iso.Manager, tr transport.Transport, cfg Config) *Manager {
	sem := semaphore.NewWeighted(1)
	sem.TryAcquire(1)
	return &Manager{
		logger: logger,
		isoMgr: isoMgr,
		tr:     tr,
		cfg:    cfg,
		sem:    sem,
	}
}

// postPeriod signals WaitForPeriod exactly once per un-consumed post,
// guarding against releasing more than the semaphore's capacity when
// the streaming thread finds a period ready on consecutive polls
// before the client has drained the previous one.
func (m *Manager) postPeriod() {
	if m.posted.CompareAndSwap(false, true) {
		m.sem.Release(1)
	}
}

// RegisterProcessor adds a processor. Only permitted while not running.
func (m *Manager) RegisterProcessor(p Processor, isSyncSource bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("%w: RegisterProcessor called while running", ErrConfig)
	}
	r := &registered{proc: p}
	m.procs = append(m.procs, r)
	if isSyncSource {
		m.syncSource = r
	}
	return nil
}

// UnregisterProcessor removes a processor. Only permitted while not running.
func (m *Manager) UnregisterProcessor(p Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("%w: UnregisterProcessor called while running", ErrConfig)
	}
	for i, r := range m.procs {
		if r.proc == p {
			m.procs = append(m.procs[:i], m.procs[i+1:]...)
			if m.syncSource == r {
				m.syncSource = nil
			}
			return nil
		}
	}
	return nil
}

// Prepare checks that at least one processor and a sync source are
// registered, then prepares the iso manager. It does not call into the
// processors themselves.
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.procs) == 0 {
		return fmt.Errorf("%w: Prepare requires at least one processor", ErrConfig)
	}
	if m.syncSource == nil {
		return fmt.Errorf("%w: Prepare requires a sync source", ErrConfig)
	}
	return m.isoMgr.Prepare()
}

// Start registers each processor with the iso manager, starts the iso
// manager and the streaming thread, waits (bounded) for every
// processor's handler to report running, then resets, phase-aligns and enables
// them all.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	packetsPerPeriod := m.cfg.Period
	for _, r := range m.procs {
		h := iso.NewHandler(m.logger, m.tr, m.cfg.PortIndex)
		if err := h.Init(func() {
			m.logger.Warn("streammgr: bus reset observed, logging and continuing")
		}); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		binding := iso.StreamBinding{Channel: 0, Dir: iso.Receive}
		if r.proc.Direction() == port.Playback {
			binding.Dir = iso.Transmit
			if ps, ok := r.proc.(PacketSender); ok {
				binding.OnFill = transmitCallback(m.tr, ps)
			}
		} else if pr, ok := r.proc.(PacketReceiver); ok {
			binding.OnData = receiveCallback(m.tr, pr)
		}
		if err := h.RegisterStream(binding); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if err := h.Prepare(packetsPerPeriod); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		r.handlerID = m.isoMgr.Register(h)
	}
	m.mu.Unlock()

	if err := m.isoMgr.Prepare(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := m.isoMgr.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	m.mu.Lock()
	for _, r := range m.procs {
		h, ok := m.isoMgr.Arena().Get(r.handlerID)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: handler vanished from arena", ErrTransport)
		}
		if err := h.Start(-1); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	m.mu.Unlock()

	worker := rtworker.New(m.logger, "streammgr-streaming", rtworker.PriorityStreaming, &streamingRunnable{m: m})
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	m.mu.Lock()
	m.streamWorker = worker
	m.mu.Unlock()

	if !m.waitAllRunning(m.cfg.StartTimeoutOrDefault()) {
		return fmt.Errorf("%w: timed out waiting for all streams to report running", ErrTransport)
	}

	m.mu.Lock()
	now, err := m.tr.GetCycleTimer()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	enableAtCycle := nowCycle(now) + 4
	for _, r := range m.procs {
		r.proc.ResetForRestart()
		r.proc.PrepareForEnable(enableAtCycle)
		m.isoMgr.EnablePolling(r.handlerID)
	}
	m.running = true
	m.mu.Unlock()

	return nil
}

func nowCycle(c ticks.CycleTime) int64 {
	return int64(c.Seconds)*ticks.CyclesPerSecond + int64(c.Cycles)
}

// CfgDefaults
func (c Config) StartTimeoutOrDefault() time.Duration {
	if c.StartTimeout > 0 {
		return c.StartTimeout
	}
	return 2 * time.Second
}

func (c Config) StopTimeoutOrDefault() time.Duration {
	if c.StopTimeout > 0 {
		return c.StopTimeout
	}
	return 2 * time.Second
}

// waitAllRunning polls until every processor's handler has reached
// iso.Running, or the timeout elapses.
func (m *Manager) waitAllRunning(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		allRunning := true
		for _, r := range m.procs {
			h, ok := m.isoMgr.Arena().Get(r.handlerID)
			if !ok || h.State() != iso.Running {
				allRunning = false
				break
			}
		}
		m.mu.Unlock()
		if allRunning {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// Stop stops the streaming and iso threads, stops handlers, and
// unregisters them from the iso manager. Processors are not notified
// beforehand and emit no tail of packets before the threads stop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	worker := m.streamWorker
	procs := append([]*registered(nil), m.procs...)
	m.mu.Unlock()

	if worker != nil {
		worker.Stop()
	}
	if err := m.isoMgr.Stop(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	for _, r := range procs {
		h, ok := m.isoMgr.Arena().Get(r.handlerID)
		if ok {
			_ = h.Stop()
		}
		_ = m.isoMgr.Unregister(r.handlerID)
	}

	m.mu.Lock()
	m.running = false
	m.xrunOccurred = false
	m.mu.Unlock()
	return nil
}

// HandleXrun performs the documented recovery: stop, reset every
// processor (re-prefilling Tx buffers), start.
func (m *Manager) HandleXrun(ctx context.Context) error {
	if err := m.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, r := range m.procs {
		r.proc.ResetForRestart()
	}
	m.xrunCount++
	m.mu.Unlock()
	return m.Start(ctx)
}

// XrunCount returns the number of xrun recoveries performed.
func (m *Manager) XrunCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.xrunCount
}

// WaitForPeriod blocks on the period semaphore; returns false on xrun.
func (m *Manager) WaitForPeriod(ctx context.Context) bool {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	m.posted.Store(false)
	m.mu.Lock()
	xrun := m.xrunOccurred
	m.mu.Unlock()
	return !xrun
}

// Transfer moves exactly one period of frames between every processor
// of the given direction and its ports.
func (m *Manager) Transfer(dir port.Direction) error {
	m.mu.Lock()
	procs := append([]*registered(nil), m.procs...)
	period := m.cfg.Period
	m.mu.Unlock()

	for _, r := range procs {
		if r.proc.Direction() != dir {
			continue
		}
		ports := r.proc.Ports()
		if ports == nil {
			continue
		}
		rb := r.proc.RingBuffer()
		for _, p := range ports.All() {
			if p.Typ != port.Audio {
				continue
			}
			buf := p.Buffer()
			if buf == nil {
				continue
			}
			if dir == port.Capture {
				_ = rb.ReadFrames(uint64(period), buf)
			} else {
				// Advance the tail by exactly one period's worth of
				// nominal ticks rather than clobbering it with an
				// unrelated value: the real timestamp base was
				// established once at the enable transition.
				nextTail := rb.TailTimestamp() + int64(float64(period)*rb.NominalRate())
				_ = rb.WriteFrames(uint64(period), buf, nextTail)
			}
		}
	}
	return nil
}

// GetPortCount enumerates ports across every registered processor of
// the given direction, optionally filtered by type.
func (m *Manager) GetPortCount(dir port.Direction, typ port.Type, anyType bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.procs {
		if r.proc.Direction() != dir {
			continue
		}
		if pm := r.proc.Ports(); pm != nil {
			n += pm.Count(dir, typ, anyType)
		}
	}
	return n
}

// GetPortByIndex returns the i'th port of the given direction across
// every registered processor.
func (m *Manager) GetPortByIndex(i int, dir port.Direction) *port.Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := 0
	for _, r := range m.procs {
		if r.proc.Direction() != dir {
			continue
		}
		pm := r.proc.Ports()
		if pm == nil {
			continue
		}
		for _, p := range pm.All() {
			if p.Dir != dir {
				continue
			}
			if idx == i {
				return p
			}
			idx++
		}
	}
	return nil
}
