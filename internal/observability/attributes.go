// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrJobStatus = "job_status"
	attrSuccess   = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobId}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		rest := path[len(prefix):]
		for _, suffix := range []string{"/logs", "/result"} {
			if n := len(rest) - len(suffix); n > 0 && rest[n:] == suffix {
				return "/v1/jobs/{jobId}" + suffix
			}
		}
		return "/v1/jobs/{jobId}"
	}
	return path
}

// WithJobStatus returns a metric option with the job status attribute.
func WithJobStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(jobStatusAttr(status))
}
