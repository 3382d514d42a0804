package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRequestString(t *testing.T) {
	g := GetRequest{Type: TypeFile, Identifier: TTHIdentifier("ABCD"), Start: 65536, Bytes: 262144}
	assert.Equal(t, "GET file TTH/ABCD 65536 262144", g.String())

	b32, ok := g.TTH()
	assert.True(t, ok)
	assert.Equal(t, "ABCD", b32)
}

func TestParseGet(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    GetRequest
		wantErr bool
	}{
		{
			name: "file range",
			line: "GET file TTH/ABCD 0 1000",
			want: GetRequest{Type: TypeFile, Identifier: "TTH/ABCD", Start: 0, Bytes: 1000},
		},
		{
			name: "whole list with escaped name",
			line: `GET list /My\sShare/ 0 -1`,
			want: GetRequest{Type: TypeList, Identifier: "/My Share/", Start: 0, Bytes: -1},
		},
		{name: "missing fields", line: "GET file TTH/ABCD 0", wantErr: true},
		{name: "bad verb", line: "PUT file TTH/ABCD 0 1", wantErr: true},
		{name: "unknown type", line: "GET blob TTH/ABCD 0 1", wantErr: true},
		{name: "negative start", line: "GET file TTH/ABCD -5 1", wantErr: true},
		{name: "zero length", line: "GET file TTH/ABCD 0 0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGet(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.line, got.String())
		})
	}
}
