package api

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.NodeInfo)
	s.router.GET("/api/health", s.healthHandler.HealthCheck)

	streams := s.router.Group("/api/streams")
	{
		streams.GET("", s.streamHandler.ListStreams)
		streams.POST("", s.streamHandler.AddStream)
		streams.GET("/:id", s.streamHandler.GetStreamStatus)
		streams.PUT("/:id", s.streamHandler.UpsertStream)
		streams.DELETE("/:id", s.streamHandler.RemoveStream)
		streams.POST("/:id/flush", s.streamHandler.FlushStream)
		streams.GET("/:id/recordings", s.streamHandler.ListRecordings)
	}

	system := s.router.Group("/api/system")
	{
		system.GET("/buffers", s.systemHandler.GetBufferStats)
		system.POST("/restart", s.systemHandler.RequestRestart)
		system.POST("/restart/ack", s.systemHandler.AcknowledgeRestart)
		system.GET("/restart", s.systemHandler.GetRestartStatus)
	}
}
