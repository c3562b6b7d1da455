package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"docguard/backend/internal/collab"
	"docguard/backend/internal/health"
)

type BufferInspector interface {
	Diagnostics() collab.BufferDiagnostics
	State(documentID string) (collab.BufferState, bool)
}

type CoordinatorInspector interface {
	Diagnostics() collab.CoordinatorDiagnostics
	GetHealth() collab.Health
	Operations() []collab.StateOperation
	Operation(id string) (collab.StateOperation, bool)
	Snapshots(documentID string) []collab.Snapshot
	EmergencyReset()
}

type MonitorInspector interface {
	Metrics() health.Metrics
	Alerts() []string
	Diagnostics() health.Diagnostics
}

// Diagnostics 只读诊断接口，外加一个紧急重置
type Diagnostics struct {
	Buffer      BufferInspector
	Coordinator CoordinatorInspector
	// Monitor 可以为 nil
	Monitor  MonitorInspector
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
	// Protect 非空时挂在重置接口前
	Protect gin.HandlerFunc
}

func (d *Diagnostics) Register(r gin.IRouter) {
	r.GET("/healthz", d.Healthz)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	g := r.Group("/diagnostics")
	g.GET("/buffer", d.BufferSummary)
	g.GET("/buffer/:docId", d.BufferDocument)
	g.GET("/coordinator", d.CoordinatorSummary)
	g.GET("/operations", d.OperationList)
	g.GET("/operations/:id", d.OperationDetail)
	g.GET("/snapshots/:docId", d.SnapshotList)
	g.GET("/health", d.Health)
	g.GET("/metrics", d.MonitorMetrics)
	g.GET("/alerts", d.MonitorAlerts)
	if d.Protect != nil {
		g.POST("/reset", d.Protect, d.Reset)
	} else {
		g.POST("/reset", d.Reset)
	}
}

func (d *Diagnostics) Healthz(c *gin.Context) {
	h := d.Coordinator.GetHealth()
	status := http.StatusOK
	if !h.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ok": h.IsHealthy, "issues": h.Issues})
}

func (d *Diagnostics) BufferSummary(c *gin.Context) {
	c.JSON(http.StatusOK, d.Buffer.Diagnostics())
}

func (d *Diagnostics) BufferDocument(c *gin.Context) {
	docID := c.Param("docId")
	state, ok := d.Buffer.State(docID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "buffer not found", "docId": docID})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (d *Diagnostics) CoordinatorSummary(c *gin.Context) {
	c.JSON(http.StatusOK, d.Coordinator.Diagnostics())
}

// OperationList 支持 ?limit=N 只取最近 N 条
func (d *Diagnostics) OperationList(c *gin.Context) {
	ops := d.Coordinator.Operations()
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if n < len(ops) {
			ops = ops[len(ops)-n:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

func (d *Diagnostics) OperationDetail(c *gin.Context) {
	id := c.Param("id")
	op, ok := d.Coordinator.Operation(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, op)
}

func (d *Diagnostics) SnapshotList(c *gin.Context) {
	docID := c.Param("docId")
	snaps := d.Coordinator.Snapshots(docID)
	if len(snaps) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshots", "docId": docID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "snapshots": snaps})
}

func (d *Diagnostics) Health(c *gin.Context) {
	c.JSON(http.StatusOK, d.Coordinator.GetHealth())
}

func (d *Diagnostics) MonitorMetrics(c *gin.Context) {
	if d.Monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitor disabled"})
		return
	}
	c.JSON(http.StatusOK, d.Monitor.Diagnostics())
}

func (d *Diagnostics) MonitorAlerts(c *gin.Context) {
	if d.Monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitor disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": d.Monitor.Alerts(), "healthScore": d.Monitor.Metrics().HealthScore})
}

func (d *Diagnostics) Reset(c *gin.Context) {
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"action": "emergencyReset",
			"remote": c.ClientIP(),
		}).Warn("emergency reset requested over http")
	}
	d.Coordinator.EmergencyReset()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
