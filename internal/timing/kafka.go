package timing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"muxcore/internal/observability"
)

// kafkaEvent is the wire shape published for each completed stream,
// mirroring workspaces.ProjectCommitEvent's flat, timestamped JSON record.
type kafkaEvent struct {
	WorkspaceID     string   `json:"workspace_id"`
	Model           string   `json:"model"`
	TotalDurationMs int64    `json:"total_duration_ms"`
	TTFTMs          int64    `json:"ttft_ms"`
	ToolExecutionMs int64    `json:"tool_execution_ms"`
	ModelTimeMs     int64    `json:"model_time_ms"`
	StreamingMs     int64    `json:"streaming_ms"`
	OutputTokens    int64    `json:"output_tokens"`
	ReasoningTokens int64    `json:"reasoning_tokens"`
	Invalid         bool     `json:"invalid"`
	Anomalies       []string `json:"anomalies,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// KafkaSink publishes every completed stream's timing as an async event,
// for consumers outside muxd itself (dashboards, billing). Best-effort:
// publish failures are logged, never surfaced to the stream that produced
// them.
type KafkaSink struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaSink builds a KafkaSink when brokers/topic are both set; returns
// nil otherwise so wiring it in is a no-op for installs that don't
// configure telemetry.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaSink{writer: writer, logger: *observability.LoggerWithTrace(nil)}
}

// RecordCompleted implements Sink.
func (k *KafkaSink) RecordCompleted(workspaceID string, c Completed) {
	if k == nil || k.writer == nil {
		return
	}
	ev := kafkaEvent{
		WorkspaceID:     workspaceID,
		Model:           c.Model,
		TotalDurationMs: c.TotalDurationMs,
		TTFTMs:          c.TTFTMs,
		ToolExecutionMs: c.ToolExecutionMs,
		ModelTimeMs:     c.ModelTimeMs,
		StreamingMs:     c.StreamingMs,
		OutputTokens:    c.OutputTokens,
		ReasoningTokens: c.ReasoningTokens,
		Invalid:         c.Invalid,
		Anomalies:       c.Anomalies,
		Timestamp:       time.Now(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		k.logger.Warn().Err(err).Msg("stream_timing_kafka_marshal_failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Value: payload, Time: time.Now()}); err != nil {
		k.logger.Warn().Err(err).Msg("stream_timing_kafka_publish_failed")
	}
}

// Close shuts down the underlying writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
