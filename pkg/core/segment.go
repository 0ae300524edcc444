package core

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SegmentHash is the stable short form of a segment definition stored in the
// segment_hash column. The all-visits segment hashes to "".
func SegmentHash(definition string) string {
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(definition))
}
