package storage

import (
	"path"
	"strings"
	"time"
)

// PartitionLayout is the date-partition format used in remote keys.
const PartitionLayout = "2006-01-02"

// NormalizeBase strips leading/trailing slashes from a base folder.
func NormalizeBase(base string) string {
	return strings.Trim(base, "/")
}

// SegmentKey builds {base}/{YYYY-MM-DD}/{name}.
func SegmentKey(base string, partition time.Time, name string) string {
	return path.Join(NormalizeBase(base), partition.Format(PartitionLayout), name)
}

// BasePrefix is the listing prefix covering every partition under base.
func BasePrefix(base string) string {
	return NormalizeBase(base) + "/"
}

// PartitionPrefix is the listing prefix of a single partition.
func PartitionPrefix(base, token string) string {
	return NormalizeBase(base) + "/" + token + "/"
}

// PartitionToken returns the path component that follows base in key.
// ok is false when key is not below base or has nothing after the token.
func PartitionToken(base, key string) (token string, ok bool) {
	prefix := BasePrefix(base)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[:i], true
}

// ParsePartition parses a partition token as a calendar date in loc.
func ParsePartition(token string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(PartitionLayout, token, loc)
}
