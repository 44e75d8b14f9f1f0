package store

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed lowercase ULID, e.g. "conv_01jx...". ULIDs sort
// by creation time, which keeps listing queries index-friendly.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
