package audit

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"orderflow/models"
)

// ParquetRecord is the flattened audit row shipped to S3.
type ParquetRecord struct {
	ID          string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Key         string  `parquet:"name=key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quote       float64 `parquet:"name=quote, type=DOUBLE"`
	Quantity    float64 `parquet:"name=quantity, type=DOUBLE"`
	Strategy    string  `parquet:"name=strategy, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason      string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue       string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	FilledQty   float64 `parquet:"name=filled_qty, type=DOUBLE"`
	AvgPrice    float64 `parquet:"name=avg_price, type=DOUBLE"`
	Fee         float64 `parquet:"name=fee, type=DOUBLE"`
	SlippageBps float64 `parquet:"name=slippage_bps, type=DOUBLE"`
	CreatedAt   int64   `parquet:"name=created_at, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface over a byte
// buffer so files are built fully in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

func toParquetRecord(rec models.AuditRecord) ParquetRecord {
	return ParquetRecord{
		ID:          rec.ID,
		Key:         rec.Key,
		Symbol:      rec.Symbol,
		Side:        string(rec.Side),
		Quote:       rec.Quote,
		Quantity:    rec.Quantity,
		Strategy:    rec.Strategy,
		Status:      string(rec.Status),
		Reason:      string(rec.Reason),
		Venue:       rec.Venue,
		FilledQty:   rec.FilledQty,
		AvgPrice:    rec.AvgPrice,
		Fee:         rec.Fee,
		SlippageBps: rec.SlippageBps,
		CreatedAt:   rec.CreatedAt.UnixMilli(),
	}
}

// buildParquet encodes a batch of records into one in-memory parquet
// file with the configured compression.
func buildParquet(records []models.AuditRecord, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range records {
		if err := pw.Write(toParquetRecord(rec)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
