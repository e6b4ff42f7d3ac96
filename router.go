package linkd

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multpex/linkd/pkg/ws"
)

const (
	pathWS      = "/ws"
	pathHealthz = "/healthz"
	pathStats   = "/stats"
)

// StatsResponse /stats 响应
type StatsResponse struct {
	Node    string   `json:"node"`
	Version string   `json:"version"`
	Uptime  string   `json:"uptime"`
	Gateway ws.Stats `json:"gateway"`
}

// registerRoutes 注册 HTTP 路由
func (e *Engine) registerRoutes() {
	started := time.Now()

	upgrade := []gin.HandlerFunc{}
	if e.limiter != nil {
		upgrade = append(upgrade, e.limiter.Handler())
	}
	upgrade = append(upgrade, gin.WrapH(e.gateway))
	e.engine.GET(pathWS, upgrade...)

	e.engine.GET(pathHealthz, func(c *gin.Context) {
		if e.gateway.Closing() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "closing", "node": e.node})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": e.node})
	})

	e.engine.GET(pathStats, func(c *gin.Context) {
		c.JSON(http.StatusOK, StatsResponse{
			Node:    e.node,
			Version: Version,
			Uptime:  time.Since(started).Truncate(time.Second).String(),
			Gateway: e.gateway.Stats(),
		})
	})
}
