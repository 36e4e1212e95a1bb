// Package observability provides the service's metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrMode    = "mode"
	attrSuccess = "success"
	attrReason  = "reason"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality: 200-299 -> 2xx, etc.
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

// normalizePath replaces the job ID path segment with a placeholder to
// keep metric cardinality bounded:
//
//	/v1/jobs/abc123          -> /v1/jobs/{jobId}
//	/v1/jobs/abc123/progress -> /v1/jobs/{jobId}/progress
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := path[len(prefix):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return prefix + "{jobId}" + rest[idx:]
	}
	return prefix + "{jobId}"
}
