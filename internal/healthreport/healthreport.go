// Package healthreport periodically samples host health — disk free
// space on the reports volume and system load — and keeps the latest
// reading available through Reporter.Latest. The samples are not part
// of scheduler.Context's CtxStatus. The teacher uses gopsutil for its agent-side
// StatsReporter; here it backs the coordinator's own health sampling.
package healthreport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// Sample is one point-in-time health reading.
type Sample struct {
	DiskFreeBytes  uint64
	DiskTotalBytes uint64
	LoadAvg1       float64
	SampledAt      time.Time
	Err            error
}

// Reporter samples Sample at a fixed interval and keeps the latest
// reading available for display.
type Reporter struct {
	volume   string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest Sample
}

// New builds a Reporter that samples disk usage on volume (the
// filesystem backing the reports directory) every interval.
func New(volume string, interval time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reporter{volume: volume, interval: interval, logger: logger}
}

// Start begins sampling in the background until ctx is canceled.
func (r *Reporter) Start(ctx context.Context) {
	r.sample()
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample()
			}
		}
	}()
}

func (r *Reporter) sample() {
	s := Sample{SampledAt: time.Now()}

	usage, err := disk.Usage(r.volume)
	if err != nil {
		s.Err = err
		r.logger.Warn("sampling disk usage", "volume", r.volume, "error", err)
	} else {
		s.DiskFreeBytes = usage.Free
		s.DiskTotalBytes = usage.Total
	}

	avg, err := load.Avg()
	if err != nil {
		r.logger.Warn("sampling load average", "error", err)
	} else {
		s.LoadAvg1 = avg.Load1
	}

	r.mu.Lock()
	r.latest = s
	r.mu.Unlock()
}

// Latest returns the most recent Sample taken.
func (r *Reporter) Latest() Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
