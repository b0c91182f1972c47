package stats

import (
	"sync"
	"time"

	"github.com/solatis/paybridge/internal/types"
)

// DefaultSamplingInterval is the period of the throughput sampler.
const DefaultSamplingInterval = 10 * time.Second

// Throughput is a snapshot of the performance counter.
type Throughput struct {
	Interval         time.Duration
	PeriodCount      int64
	Peak             int64
	PeakTime         time.Time
	TotalSinceFlush  int64
	TotalAtLastFlush int64
	LastFlush        time.Time
	PeakTPS          float64
	AverageTPS       float64
}

// PerformanceCounter samples throughput on a period timer. Each tick closes
// a period; the peak is replaced only by a strictly larger period count.
type PerformanceCounter struct {
	name string
	now  func() time.Time

	mu               sync.Mutex
	interval         time.Duration
	periodCount      int64
	peak             int64
	peakTime         time.Time
	totalSinceFlush  int64
	totalAtLastFlush int64
	lastFlush        time.Time
	tally            Tally

	done    chan struct{}
	restart chan time.Duration
	wg      sync.WaitGroup
	running bool
}

// NewPerformanceCounter returns a stopped counter; Start launches the timer.
func NewPerformanceCounter(name string, interval time.Duration) *PerformanceCounter {
	if interval <= 0 {
		interval = DefaultSamplingInterval
	}
	p := &PerformanceCounter{
		name:     name,
		now:      time.Now,
		interval: interval,
		tally:    NewTally(),
	}
	p.lastFlush = p.now()
	return p
}

// Name implements Counter.
func (p *PerformanceCounter) Name() string { return p.name }

// Start launches the sampling goroutine. Calling Start twice is a no-op.
func (p *PerformanceCounter) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.done = make(chan struct{})
	p.restart = make(chan time.Duration, 1)
	interval := p.interval
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case d := <-p.restart:
				ticker.Reset(d)
			case t := <-ticker.C:
				p.Sample(t)
			}
		}
	}()
}

// Stop terminates the sampling goroutine and waits for it.
func (p *PerformanceCounter) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Count implements Counter.
func (p *PerformanceCounter) Count(attrs types.Attributes) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.periodCount++
	p.totalSinceFlush++
	p.tally.Inc(attrs.Protocol)
}

// Sample closes the current period at time t.
func (p *PerformanceCounter) Sample(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periodCount > p.peak {
		p.peak = p.periodCount
		p.peakTime = t
	}
	p.periodCount = 0
}

// Flush implements Counter with the current interval.
func (p *PerformanceCounter) Flush() {
	p.FlushInterval(0)
}

// FlushInterval resets the sample, optionally switching to a new interval
// (d <= 0 keeps the current one), and restarts the period timer.
func (p *PerformanceCounter) FlushInterval(d time.Duration) {
	p.mu.Lock()
	if d > 0 {
		p.interval = d
	}
	p.totalAtLastFlush = p.totalSinceFlush
	p.periodCount = 0
	p.peak = 0
	p.peakTime = time.Time{}
	p.totalSinceFlush = 0
	p.tally.reset()
	p.lastFlush = p.now()
	interval, running, restart := p.interval, p.running, p.restart
	p.mu.Unlock()

	if running {
		select {
		case restart <- interval:
		default:
			// a restart is already pending; drain it and queue the newest
			select {
			case <-restart:
			default:
			}
			select {
			case restart <- interval:
			default:
			}
		}
	}
}

// Query returns the protocol tally since the last flush.
func (p *PerformanceCounter) Query(path, _, _ string) (Tally, error) {
	if path != "" {
		return nil, types.ErrCounterNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tally.clone(), nil
}

// Throughput returns a snapshot including peak and average TPS.
func (p *PerformanceCounter) Throughput() Throughput {
	p.mu.Lock()
	defer p.mu.Unlock()
	th := Throughput{
		Interval:         p.interval,
		PeriodCount:      p.periodCount,
		Peak:             p.peak,
		PeakTime:         p.peakTime,
		TotalSinceFlush:  p.totalSinceFlush,
		TotalAtLastFlush: p.totalAtLastFlush,
		LastFlush:        p.lastFlush,
	}
	if secs := p.interval.Seconds(); secs > 0 {
		th.PeakTPS = float64(p.peak) / secs
	}
	if elapsed := p.now().Sub(p.lastFlush).Milliseconds(); elapsed > 0 {
		th.AverageTPS = float64(p.totalSinceFlush) / (float64(elapsed) / 1000)
	}
	return th
}
