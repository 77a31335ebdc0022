// Package writer holds the external sinks: raw-message capture to
// JSON-lines files and a parquet archive of metrics snapshots. Both
// consume bounded channels so the feed's receive loop never waits on
// disk or network.
package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// uploadThresholdBytes is the chunk size at which a capture file is
// shipped to S3 and restarted.
const uploadThresholdBytes = 5 * 1024 * 1024

// captureRecord is one JSON line in a capture file. Data embeds the
// original wire frame verbatim.
type captureRecord struct {
	Pair      string          `json:"pair"`
	Direction string          `json:"direction"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// CaptureWriter persists every raw wire frame to a per-pair,
// app-start-timestamped JSON-lines file, optionally shipping completed
// chunks to S3.
type CaptureWriter struct {
	config   *appconfig.Config
	rawChan  <-chan models.RawMessage
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	file    *os.File
	written int64
}

// NewCaptureWriter creates the capture sink. The S3 client is only
// constructed when storage is enabled.
func NewCaptureWriter(cfg *appconfig.Config, rawChan <-chan models.RawMessage) (*CaptureWriter, error) {
	w := &CaptureWriter{
		config:  cfg,
		rawChan: rawChan,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(context.Background(), cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		w.s3Client = client
	}

	return w, nil
}

func (w *CaptureWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("capture writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("capture_writer").WithPair(w.config.Pair)

	if err := w.openFile(); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	log.WithFields(logger.Fields{"file": w.file.Name()}).Info("starting capture writer")

	w.wg.Add(1)
	go w.worker()

	return nil
}

func (w *CaptureWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("capture_writer").Info("stopping capture writer")
	w.wg.Wait()
	w.closeFile(true)
	w.log.WithComponent("capture_writer").Info("capture writer stopped")
}

func (w *CaptureWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("capture_writer").WithPair(w.config.Pair)

	for {
		select {
		case <-w.ctx.Done():
			log.Info("capture worker stopped due to context cancellation")
			return
		case msg, ok := <-w.rawChan:
			if !ok {
				log.Info("raw channel closed, capture worker stopping")
				return
			}
			w.writeRecord(msg)
		}
	}
}

func (w *CaptureWriter) writeRecord(msg models.RawMessage) {
	log := w.log.WithComponent("capture_writer").WithPair(msg.Pair)

	record := captureRecord{
		Pair:      msg.Pair,
		Direction: msg.Direction,
		Timestamp: msg.Timestamp,
		Data:      json.RawMessage(msg.Data),
	}
	line, err := json.Marshal(record)
	if err != nil {
		log.WithError(err).Warn("failed to marshal capture record")
		return
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		log.WithError(err).Error("failed to write capture record")
		return
	}
	w.written += int64(len(line))
	logger.IncrementCaptureWrite(len(line))

	if w.s3Client != nil && w.written >= uploadThresholdBytes {
		w.closeFile(true)
		if err := w.openFile(); err != nil {
			log.WithError(err).Error("failed to reopen capture file after upload")
		}
	}
}

// openFile creates <dir>/<pair>/messages-<timestamp>.jsonl.
func (w *CaptureWriter) openFile() error {
	dir := filepath.Join(w.config.Capture.Dir, w.config.Pair)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	name := fmt.Sprintf("messages-%s.jsonl", time.Now().Format("2006-01-02-150405"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}

	w.file = file
	w.written = 0
	return nil
}

// closeFile closes the current chunk and, when requested and S3 is
// configured, ships it.
func (w *CaptureWriter) closeFile(upload bool) {
	if w.file == nil {
		return
	}
	name := w.file.Name()
	w.file.Close()
	w.file = nil

	if !upload || w.s3Client == nil || w.written == 0 {
		return
	}
	w.uploadFile(name)
}

func (w *CaptureWriter) uploadFile(name string) {
	log := w.log.WithComponent("capture_writer").WithPair(w.config.Pair).WithFields(logger.Fields{
		"file": name,
	})

	data, err := os.ReadFile(name)
	if err != nil {
		log.WithError(err).Error("failed to read capture file for upload")
		return
	}

	key := fmt.Sprintf("capture/pair=%s/date=%s/%s",
		w.config.Pair,
		time.Now().UTC().Format("2006-01-02"),
		filepath.Base(name))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload capture chunk")
		return
	}

	log.WithFields(logger.Fields{"s3_key": key, "size": len(data)}).Info("capture chunk uploaded")
}
