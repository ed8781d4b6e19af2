package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opd-ai/ferry"
)

// newRouter serves the peer WebSocket endpoint next to health and status
// routes for local inspection.
func newRouter(n *ferry.Node, wsPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"device_id": n.DeviceID(),
			"peers":     len(n.Peers()),
		})
	})
	router.GET("/status", func(c *gin.Context) {
		st, err := n.Status()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	router.GET(wsPath, gin.WrapH(n.Handler()))
	return router
}
