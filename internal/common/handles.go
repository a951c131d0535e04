package common

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zoravur/livequery/internal/store"
)

var ErrMalformedHandle = errors.New("malformed handle")

// EncodeHandle returns a canonical base64 string of the form:
//
//	"books|42"
//
// naming one row of a store table.
func EncodeHandle(table string, key store.RowKey) string {
	raw := table + "|" + strconv.FormatInt(int64(key), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHandle parses a handle produced by EncodeHandle.
func DecodeHandle(h string) (table string, key store.RowKey, err error) {
	b, err := base64.RawURLEncoding.DecodeString(h)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid base64: %w", ErrMalformedHandle, err)
	}

	i := strings.LastIndexByte(string(b), '|')
	if i <= 0 {
		return "", 0, ErrMalformedHandle
	}
	table = string(b[:i])
	n, err := strconv.ParseInt(string(b[i+1:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: row key: %w", ErrMalformedHandle, err)
	}
	return table, store.RowKey(n), nil
}
