// Package logging routes the standard logger to stdout and, optionally, a
// log file that the status endpoint can tail.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and the file at path. An empty path
// logs to stdout only. Failures to open the file are logged and otherwise
// ignored.
func Init(path string) {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logPath = path
	log.SetOutput(os.Stdout)
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// Close restores stdout-only logging and closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Path returns the file configured by Init, or "" when logging to stdout only.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// ReadTail returns the last n lines from the log file. A missing or
// unconfigured file reads as empty.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if logPath == "" || n <= 0 {
		return "", nil
	}
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Ring of the last n lines.
	ring := make([]string, 0, n)
	head := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[head] = scanner.Text()
		head = (head + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	lines := append(ring[head:len(ring):len(ring)], ring[:head]...)
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if logPath == "" {
		return nil
	}
	if err := os.Truncate(logPath, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
