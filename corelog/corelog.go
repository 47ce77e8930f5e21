// Package corelog sets up structured logging for corestream. Grounded on
// the teacher's setupLogging (main.go): a timestamped file under log/ plus
// stdout, generalized from the stdlib log package to logrus so every
// component can attach structured fields (serial, component, kind) instead
// of formatting them into a string by hand.
package corelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Setup creates log/<timestamp>.log, writes to both it and stdout, and
// returns the root logger plus the open file (caller should defer Close).
func Setup(level logrus.Level) (*logrus.Logger, *os.File, error) {
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logger.WithField("path", logPath).Info("logging initialized")
	return logger, logFile, nil
}
