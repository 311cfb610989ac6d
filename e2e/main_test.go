// Package e2e contains end-to-end integration tests for meshdispatch
package e2e

import (
	"log"
	"os"
	"testing"
)

// TestMain provides setup and teardown for all tests
func TestMain(m *testing.M) {
	// Log environment
	log.Printf("E2E Test Environment:")
	log.Printf("  REDIS_URL: %s", getEnvOrDefault("REDIS_URL", "(miniredis)"))
	log.Printf("  MESHDISPATCH_BINARY: %s", os.Getenv("MESHDISPATCH_BINARY"))

	// Run tests
	code := m.Run()

	os.Exit(code)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
