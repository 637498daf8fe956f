package iso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"amdtpd/internal/transport"
)

// ManagerState mirrors the manager-level state machine from §4.7.
type ManagerState int

const (
	MgrCreated ManagerState = iota
	MgrPrepared
	MgrRunning
	MgrError
	MgrClosed
)

const pollTimeoutMS = 100

// Manager runs the single poll(2) loop that multiplexes every
// registered Handler. It rebuilds its pollfd table on every
// (un)registration and dispatches ready fds to Handler.Iterate.
type Manager struct {
	logger *slog.Logger
	tr     transport.Transport
	arena  *Arena

	mu      sync.Mutex
	state   ManagerState
	pollSet []pollEntry

	wg     sync.WaitGroup
	cancel context.CancelFunc

	errCount atomic.Uint64
}

type pollEntry struct {
	id      ID
	fd      int
	enabled bool
}

// NewManager creates an isochronous handler manager bound to the given
// transport.
func NewManager(logger *slog.Logger, tr transport.Transport) *Manager {
	return &Manager{logger: logger, tr: tr, arena: NewArena(), state: MgrCreated}
}

// Arena exposes the handler arena for registration by StreamProcessorManager.
func (m *Manager) Arena() *Arena {
	return m.arena
}

// rebuildPollSet must be called with mu held.
func (m *Manager) rebuildPollSet() {
	entries := make([]pollEntry, 0, m.arena.Len())
	m.arena.Range(func(id ID, h *Handler) bool {
		fd := h.GetFileDescriptor()
		if fd >= 0 {
			entries = append(entries, pollEntry{id: id, fd: fd, enabled: true})
		}
		return true
	})
	m.pollSet = entries
}

// Register adds a prepared handler to the poll set.
func (m *Manager) Register(h *Handler) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.arena.Insert(h)
	m.rebuildPollSet()
	return id
}

// Unregister removes a handler and, if it has no remaining clients,
// destroys it outright to free kernel resources (§4.7 handler pruning).
func (m *Manager) Unregister(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.arena.Get(id)
	if !ok {
		return nil
	}
	h.Unbind()
	var err error
	if !h.InUse() {
		err = m.arena.Destroy(id)
	}
	m.rebuildPollSet()
	return err
}

// EnablePolling restores the events mask for a handler's fd, resuming
// packet delivery.
func (m *Manager) EnablePolling(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pollSet {
		if m.pollSet[i].id == id {
			m.pollSet[i].enabled = true
		}
	}
}

// DisablePolling zeroes the events mask for a handler's fd, suspending
// packet delivery — used when a period is ready and waiting for the
// client.
func (m *Manager) DisablePolling(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pollSet {
		if m.pollSet[i].id == id {
			m.pollSet[i].enabled = false
		}
	}
}

// Prepare transitions Created -> Prepared.
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MgrCreated && m.state != MgrPrepared {
		return fmt.Errorf("iso: Prepare called in state %d", m.state)
	}
	m.state = MgrPrepared
	return nil
}

// Start spawns the poll-loop goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != MgrPrepared {
		m.mu.Unlock()
		return fmt.Errorf("iso: Start called in state %d", m.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = MgrRunning
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(runCtx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state != MgrRunning {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.state = MgrPrepared
	m.mu.Unlock()
	return nil
}

// loop is the iso thread: poll(fds, timeout_ms=100) -> iterate each
// ready fd. EINTR is treated as "go round again"; POLLERR/POLLHUP are
// logged.
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		fds := make([]unix.PollFd, 0, len(m.pollSet))
		idxToID := make([]ID, 0, len(m.pollSet))
		for _, e := range m.pollSet {
			events := int16(0)
			if e.enabled {
				events = unix.POLLIN
			}
			fds = append(fds, unix.PollFd{Fd: int32(e.fd), Events: events})
			idxToID = append(idxToID, e.id)
		}
		m.mu.Unlock()

		if len(fds) == 0 {
			time.Sleep(pollTimeoutMS * time.Millisecond)
			continue
		}

		n, err := unix.Poll(fds, pollTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			m.errCount.Add(1)
			m.logger.Error("iso: poll error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		now, err := m.tr.GetCycleTimer()
		if err != nil {
			m.logger.Error("iso: get cycle timer failed", "error", err)
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				m.logger.Warn("iso: fd error/hup", "fd", pfd.Fd)
			}
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			h, ok := m.arena.Get(idxToID[i])
			if !ok {
				continue
			}
			if err := h.Iterate(now); err != nil {
				m.errCount.Add(1)
				m.logger.Error("iso: handler iterate failed", "error", err)
			}
		}
	}
}

// ErrorCount reports poll/iterate failures observed by the loop.
func (m *Manager) ErrorCount() uint64 {
	return m.errCount.Load()
}

// State returns the manager's current lifecycle stage.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
