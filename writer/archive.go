package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// ParquetRecord is the on-disk row shape of an archived metrics
// snapshot.
type ParquetRecord struct {
	Pair          string  `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64"`
	BestBid       float64 `parquet:"name=best_bid, type=DOUBLE"`
	BestAsk       float64 `parquet:"name=best_ask, type=DOUBLE"`
	Spread        float64 `parquet:"name=spread, type=DOUBLE"`
	MaxSpread     float64 `parquet:"name=max_spread, type=DOUBLE"`
	MidPrice      float64 `parquet:"name=mid_price, type=DOUBLE"`
	MovingAverage float64 `parquet:"name=moving_average, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage, seeking is never exercised.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ArchiveWriter buffers metrics snapshots and periodically flushes them
// as parquet files, either to a local directory or to S3 depending on
// the storage configuration.
type ArchiveWriter struct {
	config      *appconfig.Config
	metricsChan <-chan models.MetricsSnapshot
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      []models.MetricsSnapshot
	flushTicker *time.Ticker
}

// NewArchiveWriter creates the metrics archive. An S3 client is only
// built when the storage section enables it, otherwise flushes land in
// the local archive directory.
func NewArchiveWriter(cfg *appconfig.Config, metricsChan <-chan models.MetricsSnapshot) (*ArchiveWriter, error) {
	w := &ArchiveWriter{
		config:      cfg,
		metricsChan: metricsChan,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(context.Background(), cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		w.s3Client = client

		w.log.WithComponent("archive_writer").WithFields(logger.Fields{
			"bucket":     cfg.Storage.S3.Bucket,
			"region":     cfg.Storage.S3.Region,
			"endpoint":   cfg.Storage.S3.Endpoint,
			"path_style": cfg.Storage.S3.PathStyle,
		}).Info("archive writer using s3 storage")
	}

	return w, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.buffer = nil
	w.flushTicker = time.NewTicker(w.config.Archive.FlushInterval())
	w.mu.Unlock()

	log := w.log.WithComponent("archive_writer").WithPair(w.config.Pair)
	log.WithFields(logger.Fields{
		"flush_interval": w.config.Archive.FlushInterval().String(),
		"compression":    w.config.Archive.Compression,
	}).Info("starting archive writer")

	w.wg.Add(2)
	go w.worker()
	go w.flushWorker()

	return nil
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "buffer"})

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case snap, ok := <-w.metricsChan:
			if !ok {
				log.Info("metrics channel closed, worker stopping")
				return
			}
			w.mu.Lock()
			w.buffer = append(w.buffer, snap)
			w.mu.Unlock()
		}
	}
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffer("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffer("interval")
		}
	}
}

func (w *ArchiveWriter) flushBuffer(reason string) {
	w.mu.Lock()
	entries := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	batchID := uuid.New().String()
	log := w.log.WithComponent("archive_writer").WithPair(w.config.Pair).WithFields(logger.Fields{
		"batch_id":     batchID,
		"record_count": len(entries),
		"reason":       reason,
	})
	log.Info("flushing metrics buffer")

	data, err := w.createParquetFile(entries)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	timestamp := time.Now().UTC()
	filename := fmt.Sprintf("metrics_%s_%s.parquet", w.config.Pair, timestamp.Format("20060102150405"))

	if w.s3Client != nil {
		key := filepath.ToSlash(filepath.Join(
			"metrics",
			fmt.Sprintf("pair=%s", w.config.Pair),
			fmt.Sprintf("date=%s", timestamp.Format("2006-01-02")),
			filename,
		))
		if err := w.uploadToS3(key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload parquet file")
			return
		}
		log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("metrics batch archived to s3")
		return
	}

	dir := filepath.Join(w.config.Archive.Dir, w.config.Pair)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Error("failed to create archive directory")
		return
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write parquet file")
		return
	}
	log.WithFields(logger.Fields{"file": path, "file_size": len(data)}).Info("metrics batch archived")
}

func (w *ArchiveWriter) createParquetFile(entries []models.MetricsSnapshot) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Archive.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, entry := range entries {
		record := ParquetRecord{
			Pair:          entry.Pair,
			Timestamp:     entry.Timestamp.UnixMilli(),
			BestBid:       entry.BestBid.InexactFloat64(),
			BestAsk:       entry.BestAsk.InexactFloat64(),
			Spread:        entry.Spread.InexactFloat64(),
			MaxSpread:     entry.MaxSpread.InexactFloat64(),
			MidPrice:      entry.MidPrice.InexactFloat64(),
			MovingAverage: entry.MovingAverage.InexactFloat64(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      w.config.Archive.Compression,
			"bookflow-version": w.config.Bookflow.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
