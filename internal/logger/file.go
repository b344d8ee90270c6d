package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes JSON entries to a rotating log file. Writes go through
// an async channel and are flushed in batches so job execution never waits
// on disk.
type FileLogger struct {
	config    *Config
	sink      *lumberjack.Logger
	buffer    chan *Entry
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   int64
	mu        sync.Mutex
}

// NewFileLogger creates the file tier and starts its flush loop
func NewFileLogger(config *Config) (*FileLogger, error) {
	sink := &lumberjack.Logger{
		Filename:   config.File.Path,
		MaxSize:    config.File.MaxSizeMB,
		MaxBackups: config.File.MaxBackups,
		MaxAge:     config.File.MaxAgeDays,
		Compress:   config.File.Compress,
	}

	// Fail fast on an unwritable path instead of discovering it at the
	// first flush
	if _, err := sink.Write([]byte{}); err != nil {
		return nil, fmt.Errorf("log file not writable: %w", err)
	}

	fl := &FileLogger{
		config:    config,
		sink:      sink,
		buffer:    make(chan *Entry, config.File.BufferSize),
		closeChan: make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.flushLoop()

	return fl, nil
}

// Write queues an entry for the flush loop. When the buffer is full the
// entry is dropped and counted; blocking the caller would stall workers.
func (fl *FileLogger) Write(entry *Entry) {
	select {
	case fl.buffer <- entry:
	default:
		fl.mu.Lock()
		fl.dropped++
		fl.mu.Unlock()
	}
}

// Dropped returns the number of entries discarded due to a full buffer
func (fl *FileLogger) Dropped() int64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.dropped
}

func (fl *FileLogger) flushLoop() {
	defer fl.wg.Done()

	batch := make([]*Entry, 0, fl.config.File.BatchSize)
	ticker := time.NewTicker(fl.config.File.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fl.sink.Write(append(data, '\n')); err != nil {
				fmt.Fprintf(os.Stderr, "logger: file write failed: %v\n", err)
				break
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-fl.buffer:
			batch = append(batch, entry)
			if len(batch) >= fl.config.File.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-fl.closeChan:
			// Drain whatever is still buffered before closing
			for {
				select {
				case entry := <-fl.buffer:
					batch = append(batch, entry)
					if len(batch) >= fl.config.File.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops the flush loop, drains the buffer and closes the file
func (fl *FileLogger) Close() error {
	fl.closeOnce.Do(func() {
		close(fl.closeChan)
	})
	fl.wg.Wait()
	return fl.sink.Close()
}
