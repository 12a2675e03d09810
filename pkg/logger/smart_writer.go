package logger

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"
)

var urgentMarkers = [][]byte{
	[]byte(`"level":"error"`),
	[]byte(`"level":"fatal"`),
	[]byte(`"level":"panic"`),
	[]byte(" ERROR "),
	[]byte(" FATAL "),
	// wallet operations and money-table writes
	[]byte(`"idempotency_key":`),
	[]byte(`"audit":true`),
}

// SmartWriter buffers log lines and flushes them when the buffer fills,
// every flushInterval, on any error/fatal line, on any line naming a wallet
// idempotency key or an audited write, or on Sync/Close.
type SmartWriter struct {
	writer        io.Writer
	bufWriter     *bufio.Writer
	mu            sync.Mutex
	flushInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewSmartWriter creates a new SmartWriter
func NewSmartWriter(w io.Writer, flushInterval time.Duration) *SmartWriter {
	sw := &SmartWriter{
		writer:        w,
		bufWriter:     bufio.NewWriterSize(w, 256*1024),
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}

	sw.wg.Add(1)
	go sw.runFlusher()

	return sw
}

// Write implements io.Writer
func (sw *SmartWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	n, err = sw.bufWriter.Write(p)
	if isUrgent(p) {
		_ = sw.bufWriter.Flush()
	}
	return n, err
}

func isUrgent(p []byte) bool {
	for _, m := range urgentMarkers {
		if bytes.Contains(p, m) {
			return true
		}
	}
	return false
}

// Sync flushes the buffer
func (sw *SmartWriter) Sync() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.bufWriter.Flush()
}

// Close flushes and stops the background flusher. Safe to call more than once.
func (sw *SmartWriter) Close() error {
	sw.stopOnce.Do(func() {
		close(sw.stopChan)
	})
	sw.wg.Wait()
	return sw.Sync()
}

func (sw *SmartWriter) runFlusher() {
	defer sw.wg.Done()
	ticker := time.NewTicker(sw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = sw.Sync()
		case <-sw.stopChan:
			return
		}
	}
}
