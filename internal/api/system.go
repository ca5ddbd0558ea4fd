package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// handleSystem reports a host snapshot: where the monitor itself runs.
// Partial data is served as-is; a metrics source failing does not fail the
// endpoint.
func (s *Server) handleSystem(c *gin.Context) {
	hostname, _ := os.Hostname()

	body := gin.H{
		"hostname":   hostname,
		"goroutines": runtime.NumGoroutine(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if uptime, err := host.Uptime(); err == nil {
		body["uptime_seconds"] = uptime
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		body["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memory"] = gin.H{
			"total_bytes": vm.Total,
			"used_bytes":  vm.Used,
			"percent":     vm.UsedPercent,
		}
	}

	c.JSON(http.StatusOK, body)
}
