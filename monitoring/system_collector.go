package monitoring

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// The expvar registry rejects duplicate names, so the collector vars are
// process-wide and shared across collector instances.
var (
	systemVarsOnce  sync.Once
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
)

func systemVars() (*expvar.Float, *expvar.Float, *expvar.Float) {
	systemVarsOnce.Do(func() {
		cpuUsagePercent = expvar.NewFloat("system_cpu_usage_percent")
		memUsagePercent = expvar.NewFloat("system_mem_usage_percent")
		diskUsage = expvar.NewFloat("system_disk_usage_percent")
	})
	return cpuUsagePercent, memUsagePercent, diskUsage
}

// SystemCollector periodically collects system-level metrics like CPU and
// disk usage and publishes them via expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the data directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	cpuVar, memVar, diskVar := systemVars()
	return &SystemCollector{
		cpuUsagePercent: cpuVar,
		memUsagePercent: memVar,
		diskUsage:       diskVar,
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("Stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collectOnce()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collectOnce() {
	// Instantaneous CPU sample; a blocking measurement window could overrun
	// the ticker interval.
	if cpuPercentages, err := cpu.Percent(0, false); err == nil && len(cpuPercentages) > 0 {
		sc.cpuUsagePercent.Set(cpuPercentages[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}

	if du, err := disk.Usage(sc.diskPath); err == nil {
		sc.diskUsage.Set(du.UsedPercent)
	}
}
