package api

import (
	"net/http"

	_ "heron-nvr-go/docs"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (s *Server) setupSwagger() {
	s.router.GET("/api/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"title":       "Heron NVR API",
			"version":     "1.0.0",
			"description": "Lightweight NVR ingestion node: RTSP streams, pre-detection buffering, and detection events",
			"swagger_ui":  "/docs/index.html",
			"endpoints": gin.H{
				"health":  "/api/health",
				"streams": "/api/streams",
				"system":  "/api/system",
			},
			"node_id": s.config.NodeID,
			"port":    s.config.Port,
		})
	})

	s.router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	s.router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/docs/index.html")
	})
}
