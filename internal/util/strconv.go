package util

import "strconv"

// ParseID parses a decimal task or exec context id.
func ParseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// FormatID is the inverse of ParseID.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
