package extract

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// DerivePaths maps each metric to its own output file by inserting the
// sanitized metric name before the extension of base: base "metrics.parquet"
// and metric "cpu" yield "metrics_cpu.parquet". The derivation is
// deterministic; if two metric names collapse onto the same path after
// sanitization it fails with a ConfigError before any extraction work.
func DerivePaths(base string, metrics []string) (map[string]string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	paths := make(map[string]string, len(metrics))
	owner := make(map[string]string, len(metrics))
	for _, metric := range metrics {
		path := fmt.Sprintf("%s_%s%s", stem, sanitizeMetricName(metric), ext)
		if prev, ok := owner[path]; ok {
			return nil, &ConfigError{Reason: fmt.Sprintf(
				"output naming collision: metrics %q and %q both map to %s", prev, metric, path)}
		}
		owner[path] = metric
		paths[metric] = path
	}
	return paths, nil
}

// sanitizeMetricName reduces a metric name, possibly a full query expression
// with selectors, to a filesystem-safe fragment. The label-selector part is
// dropped so http_requests_total{job="api"} names the same file family as
// the bare metric.
func sanitizeMetricName(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		name = name[:i]
	}
	name = unsafePathChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
