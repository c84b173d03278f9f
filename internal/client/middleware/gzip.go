package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

var (
	// websocket upgrades need the raw writer, prometheus negotiates its own encoding
	excludedPaths = []string{
		"/health",
		"/metrics",
		"/v1/events",
	}
	excludedExtensions = []string{
		".png", ".gif", ".jpeg", ".jpg", ".zip", ".tar.gz",
	}
)

// CompressionConfig contains configuration for the compression middleware
type CompressionConfig struct {
	// Level is the compression level (1-9)
	Level int
	// ExcludedPaths are path prefixes that should not be compressed
	ExcludedPaths []string
	// ExcludedExtensions are file extensions that should not be compressed
	ExcludedExtensions []string
}

func Gzip() gin.HandlerFunc {
	return GzipWithConfig(CompressionConfig{
		Level:              gzip.DefaultCompression,
		ExcludedPaths:      excludedPaths,
		ExcludedExtensions: excludedExtensions,
	})
}

func GzipWithConfig(config CompressionConfig) gin.HandlerFunc {
	return gzip.Gzip(
		config.Level,
		gzip.WithExcludedPaths(config.ExcludedPaths),
		gzip.WithExcludedExtensions(config.ExcludedExtensions),
	)
}
