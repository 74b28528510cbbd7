package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger with the appropriate log level based on
// flags, falling back to the configured default when no flag is given.
func configureLogger(cmd *cobra.Command, fallback string) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr == "" {
		logLevelStr = fallback
	}

	logLevel, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
