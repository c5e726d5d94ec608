package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu  sync.Mutex
	outputTee io.Writer
)

// Configure sets the global log level and re-applies the output sink.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	outputMu.Lock()
	applyOutputLocked()
	outputMu.Unlock()
	return nil
}

// SetOutputTee mirrors every log line into w in addition to stderr.
// The bridge uses this to feed the admin log tail.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

func applyOutputLocked() {
	if outputTee == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, outputTee))
}
