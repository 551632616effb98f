package timing

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog"

	"muxcore/internal/observability"
)

// ClickHouseSink appends one row per completed stream to an analytical
// table. Timing rows are append-only and only ever queried in aggregate,
// so each insert is a one-row PrepareBatch/Send bounded by a 5-second
// timeout. The insert runs synchronously inside RecordCompleted.
type ClickHouseSink struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClickHouseSink dials dsn and verifies connectivity. An empty dsn
// returns (nil, nil): the sink is optional, and Service.sink tolerates nil.
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	if dsn == "" {
		return nil, nil
	}
	if table == "" {
		table = "stream_timing"
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &ClickHouseSink{
		conn:    conn,
		table:   table,
		timeout: 5 * time.Second,
		logger:  *observability.LoggerWithTrace(nil),
	}, nil
}

// RecordCompleted implements Sink. Failures are logged and swallowed —
// analytics is best-effort and never fails stream completion, though a slow
// insert can hold it for up to the timeout.
func (c *ClickHouseSink) RecordCompleted(workspaceID string, completed Completed) {
	if c == nil || c.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s
		(workspace_id, model, total_duration_ms, ttft_ms, tool_execution_ms,
		 model_time_ms, streaming_ms, output_tokens, reasoning_tokens, invalid, observed_at)
		VALUES`, c.table)
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		c.logger.Warn().Err(err).Msg("clickhouse_timing_batch_prepare_failed")
		return
	}
	if err := batch.Append(
		workspaceID,
		completed.Model,
		completed.TotalDurationMs,
		completed.TTFTMs,
		completed.ToolExecutionMs,
		completed.ModelTimeMs,
		completed.StreamingMs,
		completed.OutputTokens,
		completed.ReasoningTokens,
		completed.Invalid,
		time.Now(),
	); err != nil {
		c.logger.Warn().Err(err).Msg("clickhouse_timing_batch_append_failed")
		return
	}
	if err := batch.Send(); err != nil {
		c.logger.Warn().Err(err).Msg("clickhouse_timing_batch_send_failed")
	}
}

// Close releases the underlying connection.
func (c *ClickHouseSink) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
