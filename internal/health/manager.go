// Package health watches the host a GigNet server runs on and raises
// operator alerts when CPU, memory or disk usage crosses a threshold.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/util"
)

const (
	loadInterval = time.Minute
	diskInterval = 10 * time.Minute
)

// AlertSink stores alerts. *db.Ledger implements it.
type AlertSink interface {
	CreateAlert(alertType, level, message string) error
}

// Manager runs periodic host checks.
type Manager struct {
	cfg  *config.Config
	sink AlertSink

	sampleLoad func() (util.HostLoad, error)
	sampleDisk func(path string) (util.DiskUsage, error)

	mu   sync.Mutex
	last map[string]int
}

// NewManager creates a health check manager. sink may be nil, in which case
// alerts are only logged.
func NewManager(cfg *config.Config, sink AlertSink) *Manager {
	return &Manager{
		cfg:        cfg,
		sink:       sink,
		sampleLoad: util.SampleHostLoad,
		sampleDisk: util.GetDiskUsage,
		last:       make(map[string]int),
	}
}

// Start runs every check once and then on its interval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"host_load", loadInterval, m.CheckHostLoad},
		{"disk_utilization", diskInterval, m.CheckDisk},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			check.fn()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn()
				}
			}
		}()
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// CheckHostLoad samples CPU and memory usage.
func (m *Manager) CheckHostLoad() {
	load, err := m.sampleLoad()
	if err != nil {
		log.Warn().Err(err).Msg("host load check failed")
		return
	}
	log.Debug().
		Float64("cpu_percent", load.CPUPercent).
		Float64("mem_used_percent", load.MemUsedPercent).
		Uint64("process_rss_mb", load.ProcessRSSMB).
		Int("goroutines", load.Goroutines).
		Msg("host load")

	m.evaluate("cpu", load.CPUPercent, fmt.Sprintf("CPU usage at %.1f%%", load.CPUPercent))
	m.evaluate("memory", load.MemUsedPercent,
		fmt.Sprintf("Memory usage at %.1f%% (process RSS %d MB)", load.MemUsedPercent, load.ProcessRSSMB))
}

// CheckDisk samples the filesystem holding the room ledger.
func (m *Manager) CheckDisk() {
	path := filepath.Dir(m.cfg.GetDatabase().Path)
	if path == "" {
		path = "."
	}

	usage, err := m.sampleDisk(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}
	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.FreeGB).
		Msg("disk utilization")

	m.evaluate("disk", usage.UsedPercent, fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.FreeGB, usage.TotalGB))
}

// evaluate raises an alert when a resource climbs into a higher level than
// the last one reported. Falling back under the thresholds rearms it.
func (m *Manager) evaluate(resource string, percent float64, message string) {
	rank, level := levelFor(percent)

	m.mu.Lock()
	prev := m.last[resource]
	m.last[resource] = rank
	m.mu.Unlock()

	if rank == 0 || rank <= prev {
		return
	}

	log.Warn().Str("resource", resource).Str("level", level).Msg(message)
	if m.sink == nil {
		return
	}
	if err := m.sink.CreateAlert(resource, level, message); err != nil {
		log.Warn().Err(err).Str("resource", resource).Msg("failed to store alert")
	}
}

// levelFor maps a usage percentage to an alert rank and level.
func levelFor(percent float64) (int, string) {
	switch {
	case percent >= 99:
		return 4, "critical"
	case percent >= 95:
		return 3, "error"
	case percent >= 90:
		return 2, "warning"
	case percent >= 80:
		return 1, "info"
	default:
		return 0, ""
	}
}
