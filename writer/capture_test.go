package writer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bookflow/config"
	"bookflow/models"
)

func captureConfig(t *testing.T) *appconfig.Config {
	return &appconfig.Config{
		Pair: "BTC-USD",
		Capture: appconfig.CaptureConfig{
			Enabled: true,
			Dir:     t.TempDir(),
		},
	}
}

func captureFiles(t *testing.T, cfg *appconfig.Config) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(cfg.Capture.Dir, cfg.Pair, "messages-*.jsonl"))
	require.NoError(t, err)
	return matches
}

func TestCaptureWriterPersistsFrames(t *testing.T) {
	cfg := captureConfig(t)
	raw := make(chan models.RawMessage, 8)

	w, err := NewCaptureWriter(cfg, raw)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	sent := models.RawMessage{
		Pair:      "BTC-USD",
		Direction: "in",
		Data:      []byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","1"]]}`),
		Timestamp: time.Now(),
	}
	raw <- sent
	raw <- models.RawMessage{
		Pair:      "BTC-USD",
		Direction: "out",
		Data:      []byte(`{"type":"subscribe"}`),
		Timestamp: time.Now(),
	}

	require.Eventually(t, func() bool {
		files := captureFiles(t, cfg)
		if len(files) != 1 {
			return false
		}
		data, err := os.ReadFile(files[0])
		return err == nil && bytes.Count(data, []byte("\n")) == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	w.Stop()

	files := captureFiles(t, cfg)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	var records []captureRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec captureRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2)

	assert.Equal(t, "BTC-USD", records[0].Pair)
	assert.Equal(t, "in", records[0].Direction)
	assert.JSONEq(t, string(sent.Data), string(records[0].Data))
	assert.Equal(t, "out", records[1].Direction)
}

func TestCaptureWriterStartTwiceFails(t *testing.T) {
	cfg := captureConfig(t)
	raw := make(chan models.RawMessage)

	w, err := NewCaptureWriter(cfg, raw)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))

	cancel()
	w.Stop()
}
