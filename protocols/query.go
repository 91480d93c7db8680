package protocols

import (
	"bytes"
	"strings"
)

const maxQueryLen = 256

// NormalizeQuery collapses whitespace, strips the statement terminator and
// bounds the length so that the text can be used as an aggregation key.
func NormalizeQuery(sql []byte) string {
	if i := bytes.IndexByte(sql, 0); i >= 0 {
		sql = sql[:i]
	}
	fields := bytes.Fields(sql)
	q := string(bytes.Join(fields, []byte(" ")))
	q = strings.TrimRight(q, "; ")
	if len(q) > maxQueryLen {
		q = q[:maxQueryLen]
	}
	return q
}
