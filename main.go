package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"audiowmark/handlers"
	"audiowmark/wmcommon"
)

// requestID tags every response with an X-Request-Id header, generating one
// when the caller didn't supply it, so embed/extract reports can be
// correlated with server logs without leaking the watermarking key itself.
func requestID(c *gin.Context) {
	id := c.GetHeader("X-Request-Id")
	if id == "" {
		id = uuid.New().String()
	}
	c.Header("X-Request-Id", id)
	c.Set("request_id", id)
	c.Next()
}

func main() {
	router := gin.Default()
	router.Use(requestID)

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"http://localhost:3000"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	config.ExposeHeaders = []string{"X-Watermark-SNR-Db", "X-Watermark-Num-Blocks", "X-Watermark-Clipped", "Content-Disposition", "X-Request-Id"}
	config.AllowCredentials = true
	router.Use(cors.New(config))

	watermarkHandler := handlers.NewWatermarkHandler(wmcommon.DefaultParams())

	api := router.Group("/api/v1")
	{
		api.GET("/health", watermarkHandler.HealthCheck)

		wm := api.Group("/watermark")
		{
			wm.POST("/embed", watermarkHandler.EmbedAudio)
			wm.POST("/extract", watermarkHandler.ExtractAudio)
			wm.POST("/detect-speed", watermarkHandler.DetectSpeed)
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	log.Printf("API endpoints:")
	log.Printf("  POST /api/v1/watermark/embed        - embed a payload into an uploaded audio file")
	log.Printf("  POST /api/v1/watermark/extract       - recover a payload from an uploaded audio file")
	log.Printf("  POST /api/v1/watermark/detect-speed  - estimate playback-speed drift")
	log.Printf("  GET  /api/v1/health                  - health check")

	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
