package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/agentgate/agentgate/internal/pkg/response"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

type SystemHandler struct {
	idempotencyService *service.IdempotencyService
	startedAt          time.Time
}

func NewSystemHandler(idempotencyService *service.IdempotencyService) *SystemHandler {
	return &SystemHandler{
		idempotencyService: idempotencyService,
		startedAt:          time.Now(),
	}
}

// Healthz handles GET /healthz. Always 200 while the process serves; load
// balancers decide liveness, not business state.
func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /v1/system/status.
func (h *SystemHandler) Status(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := gin.H{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  float64(memStats.HeapAlloc) / (1 << 20),
		"idempotency":    h.idempotencyService.Metrics().Snapshot(),
	}

	// Host metrics are best-effort: a sandboxed runtime without /proc just
	// omits them.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["mem_used_percent"] = vm.UsedPercent
		status["mem_total_mb"] = float64(vm.Total) / (1 << 20)
	}

	response.Success(c, status)
}
