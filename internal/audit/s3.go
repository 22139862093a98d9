package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "orderflow/config"
	"orderflow/logger"
	"orderflow/models"
)

// Shipper buffers audit records and periodically flushes them to S3 as
// parquet files partitioned by date. Losing a shipment never fails the
// execution path; the JSONL file remains the source of truth.
type Shipper struct {
	cfg      appconfig.AuditS3Config
	s3Client *s3.Client
	mu       sync.Mutex
	buffer   []models.AuditRecord
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	log      *logger.Entry
}

// NewShipper builds the S3 client and validates credentials up front so
// a misconfigured deployment fails at startup, not at first flush.
func NewShipper(cfg appconfig.AuditS3Config) (*Shipper, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log := logger.GetLogger().WithComponent("audit_shipper")
	log.WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
		"prefix": cfg.Prefix,
	}).Info("audit shipper initialized")

	return &Shipper{cfg: cfg, s3Client: client, log: log}, nil
}

// Add buffers one record for the next flush.
func (s *Shipper) Add(rec models.AuditRecord) {
	s.mu.Lock()
	s.buffer = append(s.buffer, rec)
	s.mu.Unlock()
}

// Start launches the flush loop.
func (s *Shipper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("audit shipper already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.wg.Add(1)
	go s.flushWorker(interval)
	return nil
}

// Stop flushes whatever is buffered and stops the worker.
func (s *Shipper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("audit shipper stopped")
}

func (s *Shipper) flushWorker(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.flush("shutdown")
			return
		case <-ticker.C:
			s.flush("interval")
		}
	}
}

func (s *Shipper) flush(reason string) {
	s.mu.Lock()
	records := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(records) == 0 {
		return
	}

	log := s.log.WithFields(logger.Fields{
		"records": len(records),
		"reason":  reason,
	})

	data, err := buildParquet(records, s.cfg.Compression)
	if err != nil {
		log.WithError(err).Error("failed to build audit parquet file")
		return
	}

	key := s.objectKey(records[len(records)-1].CreatedAt)
	if err := s.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload audit batch")
		return
	}
	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("audit batch shipped")
}

func (s *Shipper) objectKey(at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("audit_%s_%s.parquet", at.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		s.cfg.Prefix,
		fmt.Sprintf("date=%s", at.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", at.Hour()),
		name,
	)
}

func (s *Shipper) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  s.cfg.Compression,
		},
	}

	ctx := context.WithoutCancel(s.ctx)
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload to S3 bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}
