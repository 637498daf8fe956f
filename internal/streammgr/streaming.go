package streammgr

import (
	"context"
	"time"

	"amdtpd/internal/port"
	"amdtpd/internal/ticks"
)

// streamingRunnable is the streaming thread: pure polling of "period
// ready" predicates; posts the semaphore; never blocks on I/O, per §5.
type streamingRunnable struct {
	m *Manager
}

func (s *streamingRunnable) Init() error { return nil }

func (s *streamingRunnable) Execute(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	m := s.m
	m.mu.Lock()
	procs := append([]*registered(nil), m.procs...)
	syncSource := m.syncSource
	period := m.cfg.Period
	m.mu.Unlock()

	now, err := m.tr.GetCycleTimer()
	if err != nil {
		m.logger.Error("streammgr: get cycle timer failed in streaming thread", "error", err)
		time.Sleep(time.Millisecond)
		return true
	}
	nowTicks := now.ToTicks()

	xrun := false
	for _, r := range procs {
		if r.proc.Xrun() {
			xrun = true
			break
		}
	}

	if xrun {
		m.mu.Lock()
		m.xrunOccurred = true
		m.mu.Unlock()
		m.postPeriod()
		return false
	}

	allReady := true
	for _, r := range procs {
		isSync := r == syncSource
		if !isOnePeriodReady(r, period, nowTicks, isSync) {
			allReady = false
			break
		}
	}

	if allReady {
		m.mu.Lock()
		m.xrunOccurred = false
		m.mu.Unlock()
		m.postPeriod()
	}

	time.Sleep(100 * time.Microsecond)
	return true
}

// isOnePeriodReady implements §4.9: a capture stream is ready when its
// buffer holds more than one period of frames and — for the sync
// source — the presentation time of the oldest sample has arrived. A
// playback stream is ready when it has room for one more period.
func isOnePeriodReady(r *registered, period int, now ticks.Ticks, isSyncSource bool) bool {
	rb := r.proc.RingBuffer()
	if rb == nil {
		return true
	}
	if r.proc.Direction() == port.Playback {
		return rb.Capacity()-rb.Fill() >= uint64(period)
	}

	fill := rb.Fill()
	if fill <= uint64(period) {
		return false
	}
	if !isSyncSource {
		return true
	}

	headTS, headFill := rb.GetBufferHeadTimestamp()
	rate := rb.NominalRate()
	sytInterval := 8 // conservative default; refined per-processor rate already folds into `rate`.
	processingDelay := int64(float64(period)*rate) + receiveProcessingDelayTicks
	tPresent := ticks.Add(ticks.Ticks(headTS), processingDelay-int64(float64(headFill-uint64(sytInterval))*rate))
	return ticks.Diff(tPresent, now) <= 0
}
