// Consumer tails the return-event topic and logs every event. It is the
// reference consumer for downstream integrations (ERP sync, support
// tooling) and a smoke test for the outbox pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	segmentio "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/logger"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma-separated kafka brokers")
	topic := flag.String("topic", "return_events", "topic to consume")
	group := flag.String("group", "returportal-events", "consumer group id")
	env := flag.String("env", "development", "environment name")
	flag.Parse()

	zl := logger.New(*env)
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reader := segmentio.NewReader(segmentio.ReaderConfig{
		Brokers:        strings.Split(*brokers, ","),
		GroupID:        *group,
		Topic:          *topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			zl.Error("failed to close reader", zap.Error(err))
		}
	}()

	zl.Info("consumer started", zap.String("topic", *topic), zap.String("group", *group))

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				zl.Info("consumer stopping")
				return
			}
			zl.Error("read failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		var event struct {
			Type       string `json:"type"`
			OrderID    int64  `json:"order_id"`
			ParcelSize string `json:"parcel_size"`
			Carrier    string `json:"carrier"`
		}
		if err := json.Unmarshal(m.Value, &event); err != nil {
			zl.Warn("skipping malformed event",
				zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}

		zl.Info("return event",
			zap.String("type", event.Type),
			zap.Int64("order_id", event.OrderID),
			zap.String("parcel_size", event.ParcelSize),
			zap.String("carrier", event.Carrier),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset))
	}
}
