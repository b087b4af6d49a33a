package server

import (
	"github.com/gin-gonic/gin"
)

// NewRouter registers the OCR API routes
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = MaxImageSize

	r.GET("/", h.Index)
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.POST("/ocr", h.Extract)
		api.POST("/ocr/regions", h.ExtractRegions)
		api.GET("/models", h.Models)
		api.POST("/test", h.SelfTest)

		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs/:id", h.GetJob)
	}

	return r
}
