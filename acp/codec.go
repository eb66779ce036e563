package acp

import (
	"bytes"
	"encoding/json"
)

// Decode trims a line and parses it as a single JSON value. Blank and
// malformed input both yield false; callers that need to report a parse
// error must check blankness on the raw line themselves, not on the codec
// output.
func Decode(line []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// Encode serializes v and appends the newline frame terminator.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// lineBuffer reassembles newline-delimited frames from arbitrary byte
// chunks. Splitting happens at the byte level, so a multi-byte UTF-8
// sequence straddling a chunk boundary is preserved intact.
type lineBuffer struct {
	rest []byte
}

// split appends chunk to the buffer and returns every complete line now
// available, in order. The trailing partial segment (possibly empty) is
// retained for the next chunk.
func (b *lineBuffer) split(chunk []byte) [][]byte {
	b.rest = append(b.rest, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.rest, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, b.rest[:i])
		lines = append(lines, line)
		b.rest = b.rest[i+1:]
	}
}
