package convert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Constants for size conversions
const (
	KiB = 1024                 // 1 KiB = 1024 bytes
	KB  = 1000                 // 1 KB = 1000 bytes
	MiB = (1024 * 1024)        // 1 MiB = 1024 KiB
	MB  = (1000 * 1000)        // 1 MB = 1000 KB
	GiB = (1024 * 1024 * 1024) // 1 GiB = 1024 MiB
	GB  = (1000 * 1000 * 1000) // 1 GB = 1000 MB
)

var sizeMap = map[string]uint64{
	"B":   1,
	"KIB": KiB,
	"KB":  KB,
	"MIB": MiB,
	"MB":  MB,
	"GIB": GiB,
	"GB":  GB,
}

var sizeRegex = regexp.MustCompile(`^(\d+)\s*([A-Z]+)$`)

// NormalizeSizeToBytes converts a size string (e.g., "512MB") to bytes.
// A bare number is taken as bytes.
func NormalizeSizeToBytes(sizeStr string) (uint64, error) {
	upper := strings.ToUpper(strings.TrimSpace(sizeStr))
	if upper == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseUint(upper, 10, 64); err == nil {
		return n, nil
	}

	matches := sizeRegex.FindStringSubmatch(upper)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %q", sizeStr)
	}

	value, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse numeric value %q: %w", matches[1], err)
	}
	multiplier, ok := sizeMap[matches[2]]
	if !ok {
		return 0, fmt.Errorf("unknown size unit: %q", matches[2])
	}
	return value * multiplier, nil
}

// FormatMB renders a byte count in decimal megabytes with one decimal, the
// unit the download page has always used.
func FormatMB(bytes int64) string {
	return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
}
