package rotator

import (
	"math"
	"strconv"
	"strings"
)

// Infinity is the sentinel end-timestamp for an active (still-open) file.
const Infinity = int64(math.MaxInt64)

// Codec parses and formats the "<prefix>.<start>-[<end>]" filename
// convention a FileRotator uses to make a file's time range the source of
// truth for that file's content.
type Codec struct {
	Prefix string
}

// NewCodec returns a Codec bound to the given filename prefix.
func NewCodec(prefix string) Codec {
	return Codec{Prefix: prefix}
}

// Parse extracts (start, end) from name. ok is false if name does not
// match this codec's prefix or is otherwise malformed — callers must treat
// that as "ignore this entry", not as an error.
func (c Codec) Parse(name string) (start, end int64, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return 0, 0, false
	}
	dash := strings.LastIndexByte(name, '-')
	if dash < 0 || dash < dot {
		return 0, 0, false
	}

	if name[:dot] != c.Prefix {
		return 0, 0, false
	}

	startStr := name[dot+1 : dash]
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	endStr := name[dash+1:]
	if endStr == "" {
		return start, Infinity, true
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return start, end, true
}

// Build formats (start, end) into a filename. end == Infinity produces an
// active (open-ended) filename.
func (c Codec) Build(start, end int64) string {
	var b strings.Builder
	b.WriteString(c.Prefix)
	b.WriteByte('.')
	b.WriteString(strconv.FormatInt(start, 10))
	b.WriteByte('-')
	if end != Infinity {
		b.WriteString(strconv.FormatInt(end, 10))
	}
	return b.String()
}

// IsActive reports whether end denotes an open-ended (still-growing) file.
func IsActive(end int64) bool {
	return end == Infinity
}
