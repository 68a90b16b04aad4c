package docker

import (
	"fmt"
	"strconv"
	"strings"
)

// Resource limits are derived from requests by a fixed multiplier. When a
// request fails to parse the caller falls back to a configured default limit;
// the fallback is a deliberate policy and is logged, not silent.

// scaleCPU multiplies a CPU quantity string (cores, possibly fractional).
func scaleCPU(request string, multiplier float64) (string, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(request), 64)
	if err != nil || v <= 0 {
		return "", fmt.Errorf("invalid cpu quantity %q", request)
	}
	return strconv.FormatFloat(v*multiplier, 'f', -1, 64), nil
}

// scaleMemory multiplies a memory quantity string, preserving its unit
// suffix (Gi, Mi, Ki) or treating a bare number as bytes.
func scaleMemory(request string, multiplier float64) (string, error) {
	value, suffix, err := splitMemory(request)
	if err != nil {
		return "", err
	}
	scaled := int64(float64(value) * multiplier)
	return fmt.Sprintf("%d%s", scaled, suffix), nil
}

// cpuNanos converts a CPU quantity (cores) to nanoseconds of CPU per second.
func cpuNanos(quantity string) (int64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(quantity), 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid cpu quantity %q", quantity)
	}
	return int64(v * 1e9), nil
}

// memoryBytes converts a memory quantity string to bytes.
func memoryBytes(quantity string) (int64, error) {
	value, suffix, err := splitMemory(quantity)
	if err != nil {
		return 0, err
	}
	switch suffix {
	case "Gi":
		return value << 30, nil
	case "Mi":
		return value << 20, nil
	case "Ki":
		return value << 10, nil
	default:
		return value, nil
	}
}

func splitMemory(quantity string) (int64, string, error) {
	q := strings.TrimSpace(quantity)
	suffix := ""
	for _, s := range []string{"Gi", "Mi", "Ki"} {
		if strings.HasSuffix(q, s) {
			suffix = s
			q = strings.TrimSuffix(q, s)
			break
		}
	}
	value, err := strconv.ParseInt(q, 10, 64)
	if err != nil || value <= 0 {
		return 0, "", fmt.Errorf("invalid memory quantity %q", quantity)
	}
	return value, suffix, nil
}
