package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	appconfig "orderflow/config"
	"orderflow/logger"
	"orderflow/models"
)

// FileSink appends one JSON line per execution outcome to a rotating
// file. Records are never updated or deleted.
type FileSink struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	shipper *Shipper
	log     *logger.Entry
}

// NewFileSink opens the audit log at cfg.Path with rotation by age.
// When the S3 shipper is enabled, every record is also buffered for
// parquet upload.
func NewFileSink(cfg appconfig.AuditConfig, shipper *Shipper) *FileSink {
	path := cfg.Path
	if path == "" {
		path = "logs/audit.jsonl"
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 30
	}
	return &FileSink{
		out: &lumberjack.Logger{
			Filename: path,
			MaxAge:   maxAge,
			Compress: true,
		},
		shipper: shipper,
		log:     logger.GetLogger().WithComponent("audit"),
	}
}

// Write appends one record.
func (s *FileSink) Write(rec models.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, err = s.out.Write(data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	logger.IncrementAuditWrite(len(data))

	if s.shipper != nil {
		s.shipper.Add(rec)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
