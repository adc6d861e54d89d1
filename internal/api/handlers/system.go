// system.go — обработчик GET /STATUS (состояние узла, томов и backlog).
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	apierrors "github.com/arturkryukov/artsore/archive-node/internal/api/errors"
	"github.com/arturkryukov/artsore/archive-node/internal/config"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// DiskLister — список томов каталога.
type DiskLister interface {
	List(ctx context.Context) ([]*model.DiskRecord, error)
}

// BacklogCounter — размер backlog.
type BacklogCounter interface {
	Count() int
}

// NodeInfo — сведения об узле для STATUS.
type NodeInfo struct {
	NodeID          string
	Hostname        string
	ChecksumVariant string
	Replication     bool
	ReplicationMode string
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	node    NodeInfo
	disks   DiskLister
	backlog BacklogCounter
	started time.Time
}

// NewSystemHandler создаёт обработчик STATUS.
func NewSystemHandler(node NodeInfo, disks DiskLister, bl BacklogCounter) *SystemHandler {
	return &SystemHandler{
		node:    node,
		disks:   disks,
		backlog: bl,
		started: time.Now(),
	}
}

// diskStatus — том в ответе STATUS.
type diskStatus struct {
	*model.DiskRecord
	Total     string  `json:"total"`
	Available string  `json:"available"`
	UsedPct   float64 `json:"used_percent"`
}

// statusResponse — ответ STATUS.
type statusResponse struct {
	Status          string       `json:"status"`
	NodeID          string       `json:"node_id"`
	Hostname        string       `json:"hostname"`
	Version         string       `json:"version"`
	StartedAt       time.Time    `json:"started_at"`
	Uptime          string       `json:"uptime"`
	ChecksumVariant string       `json:"checksum_variant"`
	Replication     string       `json:"replication"`
	Disks           []diskStatus `json:"disks"`
	DisksAvailable  int          `json:"disks_available"`
	FreeTotal       string       `json:"free_total"`
	BacklogSize     int          `json:"backlog_size"`
}

// GetStatus обрабатывает GET /STATUS.
func (h *SystemHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	disks, err := h.disks.List(r.Context())
	if err != nil {
		apierrors.FromError(w, err)
		return
	}

	resp := statusResponse{
		Status:          statusSuccess,
		NodeID:          h.node.NodeID,
		Hostname:        h.node.Hostname,
		Version:         config.Version,
		StartedAt:       h.started.UTC(),
		Uptime:          humanize.RelTime(h.started, time.Now(), "", ""),
		ChecksumVariant: h.node.ChecksumVariant,
		Replication:     "disabled",
		Disks:           make([]diskStatus, 0, len(disks)),
		BacklogSize:     h.backlog.Count(),
	}
	if h.node.Replication {
		resp.Replication = h.node.ReplicationMode
	}

	var free int64
	for _, d := range disks {
		ds := diskStatus{
			DiskRecord: d,
			Total:      humanize.IBytes(uint64(max(d.TotalBytes, 0))),
			Available:  humanize.IBytes(uint64(max(d.AvailableBytes, 0))),
		}
		if d.TotalBytes > 0 {
			ds.UsedPct = float64(d.TotalBytes-d.AvailableBytes) * 100 / float64(d.TotalBytes)
		}
		if !d.Completed && !d.ReplicaOnly {
			resp.DisksAvailable++
			free += d.AvailableBytes
		}
		resp.Disks = append(resp.Disks, ds)
	}
	resp.FreeTotal = humanize.IBytes(uint64(max(free, 0)))

	writeJSON(w, http.StatusOK, resp)
}
