package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/graspd/internal/grasp"
)

const version = "0.1.0"

// FloodView is the JSON rendering of one cached flood value.
type FloodView struct {
	Objective string         `json:"objective"`
	Flags     uint           `json:"flags"`
	LoopCount int            `json:"loop_count"`
	Value     string         `json:"value"`
	Source    *grasp.Locator `json:"source,omitempty"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.source.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Status())
	})

	r.GET("/security", func(c *gin.Context) {
		st := s.source.Status()
		c.JSON(http.StatusOK, gin.H{
			"mode":            st.Mode,
			"address":         st.Address,
			"session_locator": st.SessionLocator,
		})
	})

	r.GET("/agents", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": s.source.AgentTable()})
	})

	r.GET("/objectives", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"objectives": s.source.ObjectiveTable()})
	})

	r.GET("/objectives/:name", func(c *gin.Context) {
		name := c.Param("name")
		for _, o := range s.source.ObjectiveTable() {
			if o.Name == name {
				c.JSON(http.StatusOK, o)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": grasp.NotObj.Error()})
	})

	r.GET("/flood", func(c *gin.Context) {
		name := c.Query("objective")
		views := make([]FloodView, 0)
		for _, t := range s.source.FloodTable() {
			if name != "" && t.Objective.Name != name {
				continue
			}
			views = append(views, FloodView{
				Objective: t.Objective.Name,
				Flags:     t.Objective.Flags(),
				LoopCount: t.Objective.LoopCount,
				Value:     t.Objective.Diagnostic(),
				Source:    t.Source,
			})
		}
		c.JSON(http.StatusOK, gin.H{"flood": views})
	})

	r.GET("/discovery", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"discovery": s.source.DiscoveryTable()})
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.source.SessionTable()})
	})
}
