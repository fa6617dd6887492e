package types

import (
	"strconv"
	"strings"
)

// ETag formats the entity tag of an entity at a version: "{id}-{version}".
func ETag(id string, version int64) string {
	return `"` + id + "-" + strconv.FormatInt(version, 10) + `"`
}

// ParseETag splits an entity tag into id and version. Weak tags are
// accepted. A malformed tag returns ErrInvalidPrecondition.
func ParseETag(tag string) (string, int64, error) {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	if len(tag) < 2 || tag[0] != '"' || tag[len(tag)-1] != '"' {
		return "", 0, ErrInvalidPrecondition
	}
	tag = tag[1 : len(tag)-1]
	i := strings.LastIndexByte(tag, '-')
	if i <= 0 || i == len(tag)-1 {
		return "", 0, ErrInvalidPrecondition
	}
	version, err := strconv.ParseInt(tag[i+1:], 10, 64)
	if err != nil || version < 0 {
		return "", 0, ErrInvalidPrecondition
	}
	return tag[:i], version, nil
}
