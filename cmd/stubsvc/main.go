// stubsvc is a minimal monitored service for local fleets and demos: it
// answers /health and can be toggled down at runtime to exercise the
// monitor's detection and recovery paths.
package main

import (
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	name := envOr("SERVICE_NAME", "stub-service")
	addr := envOr("SERVICE_ADDR", ":5000")
	if lvl, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var healthy atomic.Bool
	healthy.Store(true)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		if !healthy.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "service": name})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "UP",
			"service":   name,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ready": true, "service": name})
	})

	// POST /toggle flips the health answer so a probe failure can be
	// staged without killing the process.
	r.POST("/toggle", func(c *gin.Context) {
		next := !healthy.Load()
		healthy.Store(next)
		log.Warn().Str("service", name).Bool("healthy", next).Msg("health toggled")
		c.JSON(http.StatusOK, gin.H{"healthy": next})
	})

	log.Info().Str("service", name).Str("addr", addr).Msg("stub service listening")
	if err := r.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("stub service failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
