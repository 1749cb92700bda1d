package internal

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// DefaultConfigPath is the default path to the config file
	DefaultAppName      = "vdfs"
	DefaultConfigPath   = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultGlobalConfig = filepath.Join(DefaultConfigPath, "config.yaml")

	// Default remote settings
	DefaultRemoteURL      = "http://localhost:8080/webdav"
	DefaultRemoteBasePath = "/"
	DefaultRemoteTimeout  = 30 * time.Second
	DefaultMaxRetries     = 3

	// Default cache settings
	DefaultStaleAfter  = 5 * time.Second
	DefaultWarmWorkers = 8

	DefaultLogLevel = "info"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current working directory if home directory is unavailable
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// NewLogger returns a logger filtered at the given level. Unknown levels fall
// back to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return GetLogger().Level(lvl)
}
