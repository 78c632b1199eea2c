package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/openportal-dev/openportal/internal/sysinfo"
)

// StatusReport summarizes host capacity and the shared volume for operators.
type StatusReport struct {
	Hostname         string          `json:"hostname"`
	TotalMemoryBytes uint64          `json:"total_memory_bytes,omitempty"`
	DataDisk         *DiskUsageInfo  `json:"data_disk,omitempty"`
	Workspaces       []WorkspaceInfo `json:"workspaces"`
}

// DiskUsageInfo describes filesystem usage for the shared data volume.
type DiskUsageInfo struct {
	TotalBytes     uint64  `json:"total_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// WorkspaceInfo describes one sandbox workspace directory on the volume.
type WorkspaceInfo struct {
	ID         string    `json:"id"`
	ModifiedAt time.Time `json:"modified_at"`
}

// GetStatus reports host memory, data volume usage, and the workspace
// directories present on the shared volume.
// GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	report := StatusReport{
		Workspaces: []WorkspaceInfo{},
	}

	report.Hostname, _ = os.Hostname()
	if mem, err := sysinfo.TotalMemoryBytes(); err == nil {
		report.TotalMemoryBytes = mem
	}
	report.DataDisk = getDiskUsage(h.cfg.DataDir)

	if entries, err := os.ReadDir(h.cfg.WorkspaceRoot); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			report.Workspaces = append(report.Workspaces, WorkspaceInfo{
				ID:         entry.Name(),
				ModifiedAt: info.ModTime().UTC(),
			})
		}
	}

	h.JSON(w, http.StatusOK, report)
}
