package observability

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// OTelWriter bridges zerolog's JSON output into the OpenTelemetry log
// pipeline: each line becomes one OTLP log record, with zerolog's time,
// level, and message fields promoted to the record's own slots and every
// remaining field carried as an attribute. Until InitOTel installs a real
// provider the global one is a no-op, so the bridge is always safe to wire.
type OTelWriter struct {
	logger otellog.Logger
}

// NewOTelWriter builds a writer emitting through the named logger of the
// global provider.
func NewOTelWriter(name string) *OTelWriter {
	return &OTelWriter{logger: global.GetLoggerProvider().Logger(name)}
}

// Write implements io.Writer for zerolog. It never reports an error: a log
// bridge must not be able to fail the write path that feeds it.
func (w *OTelWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		rec := otellog.Record{}
		rec.SetTimestamp(time.Now())
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue(string(p)))
		w.logger.Emit(context.Background(), rec)
		return len(p), nil
	}
	w.logger.Emit(context.Background(), w.toRecord(fields))
	return len(p), nil
}

func (w *OTelWriter) toRecord(fields map[string]any) otellog.Record {
	rec := otellog.Record{}

	rec.SetTimestamp(time.Now())
	if ts, ok := fields["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.SetTimestamp(t)
		}
		delete(fields, "time")
	}

	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetSeverityText("info")
	if lvl, ok := fields["level"].(string); ok {
		if sev, known := severityByLevel[lvl]; known {
			rec.SetSeverity(sev)
		}
		rec.SetSeverityText(lvl)
		delete(fields, "level")
	}

	if msg, ok := fields["message"].(string); ok {
		rec.SetBody(otellog.StringValue(msg))
		delete(fields, "message")
	}

	for k, v := range fields {
		rec.AddAttributes(otellog.KeyValue{Key: k, Value: attrValue(v)})
	}
	return rec
}

var severityByLevel = map[string]otellog.Severity{
	"trace": otellog.SeverityTrace,
	"debug": otellog.SeverityDebug,
	"info":  otellog.SeverityInfo,
	"warn":  otellog.SeverityWarn,
	"error": otellog.SeverityError,
	"fatal": otellog.SeverityFatal,
	"panic": otellog.SeverityFatal4,
}

func attrValue(v any) otellog.Value {
	switch val := v.(type) {
	case string:
		return otellog.StringValue(val)
	case bool:
		return otellog.BoolValue(val)
	case float64:
		// encoding/json decodes every JSON number to float64.
		if val == float64(int64(val)) {
			return otellog.Int64Value(int64(val))
		}
		return otellog.Float64Value(val)
	case nil:
		return otellog.Value{}
	default:
		if b, err := json.Marshal(val); err == nil {
			return otellog.StringValue(string(b))
		}
		return otellog.Value{}
	}
}
