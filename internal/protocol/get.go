package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Transfer types of a GET request.
const (
	TypeFile = "file"
	TypeTree = "tthl"
	TypeList = "list"
)

const tthPrefix = "TTH/"

var (
	ErrInvalidRequest = errors.New("invalid get request")
	ErrInvalidRange   = errors.New("invalid range")
)

// GetRequest is the logical content-range request sent to a source. Bytes of
// -1 requests everything from Start to the end of the file.
type GetRequest struct {
	Type       string
	Identifier string
	Start      int64
	Bytes      int64
}

// TTHIdentifier names content by its base32 root hash.
func TTHIdentifier(b32 string) string {
	return tthPrefix + b32
}

// TTH returns the base32 hash of a TTH identifier.
func (g GetRequest) TTH() (string, bool) {
	if !strings.HasPrefix(g.Identifier, tthPrefix) {
		return "", false
	}
	return strings.TrimPrefix(g.Identifier, tthPrefix), true
}

func (g GetRequest) String() string {
	return fmt.Sprintf("GET %s %s %d %d", g.Type, escape(g.Identifier), g.Start, g.Bytes)
}

// ParseGet parses the String form.
func ParseGet(line string) (GetRequest, error) {
	parts := strings.Fields(line)
	if len(parts) != 5 || parts[0] != "GET" {
		return GetRequest{}, ErrInvalidRequest
	}

	start, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return GetRequest{}, fmt.Errorf("invalid start: %w", err)
	}
	n, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return GetRequest{}, fmt.Errorf("invalid length: %w", err)
	}
	if start < 0 || n < -1 || n == 0 {
		return GetRequest{}, ErrInvalidRange
	}

	switch parts[1] {
	case TypeFile, TypeTree, TypeList:
	default:
		return GetRequest{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, parts[1])
	}

	return GetRequest{
		Type:       parts[1],
		Identifier: unescape(parts[2]),
		Start:      start,
		Bytes:      n,
	}, nil
}

var (
	escaper   = strings.NewReplacer(`\`, `\\`, " ", `\s`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\s`, " ")
)

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }
