package storage

import (
	"bytes"
	"fmt"
	"time"
)

// Key layout is "<prefix>:<segment>:...". Timestamps are zero-padded unix
// nanoseconds (20 digits) so lexicographic order equals time order.

// Key joins prefix and segments with ':'.
func Key(prefix string, segments ...string) []byte {
	var b bytes.Buffer
	b.WriteString(prefix)
	for _, s := range segments {
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.Bytes()
}

// Prefix is Key with a trailing separator, for scanning everything below it.
func Prefix(prefix string, segments ...string) []byte {
	return append(Key(prefix, segments...), ':')
}

// TimeSegment formats t for use inside a key.
func TimeSegment(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

// LastSegment returns what follows the final ':' in key.
func LastSegment(key []byte) string {
	i := bytes.LastIndexByte(key, ':')
	return string(key[i+1:])
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan.
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
