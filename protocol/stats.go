package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StatMemUsed is the one stat every peer reports.
const StatMemUsed = "mem_used"

var statsLineSep = []byte("\r\n")

// Stats is the GET_STATS payload, in the order the peer sent it.
type Stats struct {
	*orderedmap.OrderedMap[string, string]
}

func NewStats() *Stats {
	return &Stats{OrderedMap: orderedmap.New[string, string]()}
}

// MemUsed returns the mem_used stat as a number.
func (s *Stats) MemUsed() (uint64, error) {
	raw, ok := s.Get(StatMemUsed)
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", StatMemUsed, ErrMissingStat)
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stat %s=%q: %w", StatMemUsed, raw, ErrInvalidNumber)
	}

	return v, nil
}

// Keys returns the stat names in payload order.
func (s *Stats) Keys() []string {
	keys := make([]string, 0, s.Len())
	for pair := s.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}

	return keys
}

// ParseStats decodes CRLF separated "name:value" lines. Lines without a
// colon are ignored and the value is everything after the first colon. A
// name seen twice keeps its first position and its last value.
func ParseStats(payload []byte) *Stats {
	stats := NewStats()

	for _, line := range bytes.Split(payload, statsLineSep) {
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}

		stats.Set(string(line[:i]), string(line[i+1:]))
	}

	return stats
}

// FormatStats is the inverse of ParseStats.
func FormatStats(s *Stats) []byte {
	var buf bytes.Buffer

	for pair := s.Oldest(); pair != nil; pair = pair.Next() {
		buf.WriteString(pair.Key)
		buf.WriteByte(':')
		buf.WriteString(pair.Value)
		buf.Write(statsLineSep)
	}

	return buf.Bytes()
}
