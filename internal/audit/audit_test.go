package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "orderflow/config"
	"orderflow/models"
)

func sampleRecord(id string) models.AuditRecord {
	return models.AuditRecord{
		ID:        id,
		Key:       "k-" + id,
		Symbol:    "BTCUSDT",
		Side:      models.SideBuy,
		Quote:     15,
		Status:    models.ExecStatusSubmitted,
		Venue:     "paper",
		FilledQty: 0.0003,
		AvgPrice:  50000,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	sink := NewFileSink(appconfig.AuditConfig{Path: path}, nil)
	defer sink.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := sink.Write(sampleRecord(id)); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec models.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line not valid json: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("records: %v", ids)
	}
}

func TestBuildParquetEncodesBatch(t *testing.T) {
	records := []models.AuditRecord{sampleRecord("a"), sampleRecord("b")}

	data, err := buildParquet(records, "snappy")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files end with the PAR1 magic.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("missing parquet magic: % x", data[len(data)-8:])
	}
}

func TestShipperBuffersUntilFlush(t *testing.T) {
	s := &Shipper{cfg: appconfig.AuditS3Config{}}
	s.Add(sampleRecord("a"))
	s.Add(sampleRecord("b"))

	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()
	if buffered != 2 {
		t.Fatalf("buffered: %d", buffered)
	}
}
