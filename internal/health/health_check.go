package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// HealthChecker tracks whether the server can keep its tables on disk
type HealthChecker struct {
	name         string
	dataDir      string
	maxDiskUsage float64
	interval     time.Duration
	logger       *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
	deadReason  string
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Name         string
	DataDir      string
	MaxDiskUsage float64
	Interval     time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	maxUsage := cfg.MaxDiskUsage
	if maxUsage <= 0 || maxUsage > 1 {
		maxUsage = 0.9
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		name:         cfg.Name,
		dataDir:      cfg.DataDir,
		maxDiskUsage: maxUsage,
		interval:     interval,
		logger:       logger,
		checks:       make(map[string]CheckResult),
		livenessOK:   true,
		readinessOK:  true,
		status:       model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all checks once
func (h *HealthChecker) RunChecks() {
	results := []CheckResult{
		h.checkDiskSpace(),
		h.checkDataDirAccessible(),
		h.checkFileDescriptors(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != statusHealthy {
			allHealthy = false
			if result.Status == statusCritical {
				allReady = false
			}
		}
	}

	switch {
	case h.deadReason != "":
		h.status = model.NodeStatusDead
		allReady = false
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// MarkDead records that the engine stopped on a fatal error. The server
// stays live until the process exits but is never ready again.
func (h *HealthChecker) MarkDead(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadReason = err.Error()
	h.status = model.NodeStatusDead
	h.readinessOK = false
}

// DiskStats returns used and available bytes on the data directory file system
func (h *HealthChecker) DiskStats() (used int64, available int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(h.dataDir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)
	return used, available, nil
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	used, available, err := h.DiskStats()
	if err != nil {
		return result("disk_space", statusCritical, err.Error())
	}
	if used+available == 0 {
		return result("disk_space", statusHealthy, "Disk usage unknown")
	}

	usage := float64(used) / float64(used+available)
	switch {
	case usage > h.maxDiskUsage:
		return result("disk_space", statusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usage*100))
	case usage > h.maxDiskUsage*0.9:
		return result("disk_space", statusWarning, fmt.Sprintf("Disk usage high: %.2f%%", usage*100))
	}
	return result("disk_space", statusHealthy,
		fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usage*100, float64(available)/1024/1024/1024))
}

func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", statusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", statusCritical, "Data path is not a directory")
	}

	probe := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return result("data_dir_accessible", statusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(probe)

	return result("data_dir_accessible", statusHealthy, "Data directory is accessible and writable")
}

func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", statusWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}

	// Linux only; elsewhere the limit is all we can report
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		return result("file_descriptors", statusHealthy,
			fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max))
	}

	open := uint64(len(entries))
	usage := float64(open) / float64(rlimit.Cur) * 100
	if usage > 90 {
		return result("file_descriptors", statusWarning,
			fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usage, open, rlimit.Cur))
	}
	return result("file_descriptors", statusHealthy,
		fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usage, open, rlimit.Cur))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// IsLive returns whether the server is live
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the server is ready
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		Name:      h.name,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Reason:    h.deadReason,
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness sets readiness, used during shutdown
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"name":    status.Name,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	body := map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"checks": checks,
	}
	if status.Reason != "" {
		body["reason"] = status.Reason
	}
	writeProbe(w, ready, body)
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
