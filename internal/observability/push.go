package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushMetrics ships the process registry to a Pushgateway, grouped by table
// so consecutive exports of different tables do not clobber each other.
func PushMetrics(ctx context.Context, url, job, table string) error {
	if url == "" {
		return nil
	}
	pusher := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	if table != "" {
		pusher = pusher.Grouping("table", table)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
