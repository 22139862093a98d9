package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsVenue     int64
	errorsExecution int64
	warnsVenue      int64
	warnsExecution  int64
	ordersSubmitted int64
	ordersFilled    int64
	ordersRejected  int64
	ordersReplayed  int64
	auditWrites     int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "venue") || strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsVenue, 1)
	} else {
		atomic.AddInt64(&warnsExecution, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "venue") || strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsVenue, 1)
	} else {
		atomic.AddInt64(&errorsExecution, 1)
	}
}

func IncrementOrderSubmitted() {
	atomic.AddInt64(&ordersSubmitted, 1)
}

func IncrementOrderFilled() {
	atomic.AddInt64(&ordersFilled, 1)
}

func IncrementOrderRejected() {
	atomic.AddInt64(&ordersRejected, 1)
}

func IncrementOrderReplayed() {
	atomic.AddInt64(&ordersReplayed, 1)
}

func IncrementAuditWrite(size int) {
	atomic.AddInt64(&auditWrites, 1)
	recordChannel("audit_log", size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and execution
// statistics. It exposes the internal startReport function for use by
// other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_venue":     atomic.LoadInt64(&errorsVenue),
		"errors_execution": atomic.LoadInt64(&errorsExecution),
		"warns_venue":      atomic.LoadInt64(&warnsVenue),
		"warns_execution":  atomic.LoadInt64(&warnsExecution),
		"orders_submitted": atomic.LoadInt64(&ordersSubmitted),
		"orders_filled":    atomic.LoadInt64(&ordersFilled),
		"orders_rejected":  atomic.LoadInt64(&ordersRejected),
		"orders_replayed":  atomic.LoadInt64(&ordersReplayed),
		"audit_writes":     atomic.LoadInt64(&auditWrites),
		"goroutines":       runtime.NumGoroutine(),
		"heap_mb":          int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":         channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsVenue"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_venue"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsExecution"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_execution"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsVenue"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_venue"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsExecution"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_execution"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersSubmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_submitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersFilled"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_filled"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersRejected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_rejected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersReplayed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_replayed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("AuditWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["audit_writes"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
