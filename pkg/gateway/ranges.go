package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// byteRange is a satisfiable, inclusive byte range within an object
type byteRange struct {
	Start int64
	End   int64
}

// Size returns the number of bytes the range covers
func (r byteRange) Size() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a 206 response
func (r byteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// parseRangeHeader parses a single-range HTTP Range header against the given
// object size. Multi-range requests are refused: the pipeline produces one
// ordered byte sequence per request, not multipart bodies. An end past the
// last byte is clamped; a start past the last byte is unsatisfiable.
func parseRangeHeader(rangeHeader string, size int64) (byteRange, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return byteRange{}, fmt.Errorf("unsupported range unit")
	}

	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")
	if strings.Contains(rangeSpec, ",") {
		return byteRange{}, fmt.Errorf("multi-range requests not supported")
	}

	parts := strings.Split(rangeSpec, "-")
	if len(parts) != 2 {
		return byteRange{}, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		// Suffix range: -500 (last 500 bytes)
		if parts[1] == "" {
			return byteRange{}, fmt.Errorf("invalid range format")
		}
		suffix, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return byteRange{}, err
		}
		if suffix <= 0 {
			return byteRange{}, fmt.Errorf("invalid suffix length")
		}
		start = size - suffix
		if start < 0 {
			start = 0
		}
		end = size - 1
	} else {
		// Normal range: 0-499 or 500-
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return byteRange{}, err
		}

		if parts[1] == "" {
			// Open-ended range: 500-
			end = size - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return byteRange{}, err
			}
			if end >= size {
				end = size - 1
			}
		}
	}

	if start < 0 || start >= size || start > end {
		return byteRange{}, fmt.Errorf("range not satisfiable")
	}
	return byteRange{Start: start, End: end}, nil
}
