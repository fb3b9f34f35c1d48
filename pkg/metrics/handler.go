package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type errorLogger struct {
	logger *slog.Logger
}

func (l errorLogger) Println(v ...any) {
	l.logger.Warn("metric server error", "detail", v)
}

// NewMetricsHandler creates an HTTP handler to expose metrics.
func NewMetricsHandler(m Metrics, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return promhttp.HandlerFor(m.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: errorLogger{logger: logger},
	})
}
