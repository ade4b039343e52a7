package proxypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Record
		wantErr bool
	}{
		{
			name:  "credentials and bare entries",
			input: "alice:s3cret@192.0.2.1:1080, 192.0.2.2:3128",
			want: []Record{
				{Host: "192.0.2.1", Port: "1080", Username: "alice", Password: "s3cret", Alive: true},
				{Host: "192.0.2.2", Port: "3128", Alive: true},
			},
		},
		{
			name:  "password containing at sign",
			input: "bob:p@ss@proxy.example.net:8000",
			want:  []Record{{Host: "proxy.example.net", Port: "8000", Username: "bob", Password: "p@ss", Alive: true}},
		},
		{
			name:  "scheme prefix, blanks and duplicates",
			input: "socks5://192.0.2.9:1080,,192.0.2.9:1080 ,",
			want:  []Record{{Host: "192.0.2.9", Port: "1080", Alive: true}},
		},
		{name: "empty list", input: "", want: nil},
		{name: "missing port", input: "192.0.2.1", wantErr: true},
		{name: "bad port", input: "192.0.2.1:99999", wantErr: true},
		{name: "empty username", input: ":pass@192.0.2.1:1080", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecord_Identity(t *testing.T) {
	rec := Record{Host: "192.0.2.1", Port: "1080", Username: "alice", Password: "s3cret"}
	assert.Equal(t, "alice@192.0.2.1:1080", rec.ID())
	assert.NotContains(t, rec.ID(), "s3cret")
	assert.Equal(t, "alice:s3cret@192.0.2.1:1080", rec.URLHost())
	assert.Equal(t, "192.0.2.1:1080", Record{Host: "192.0.2.1", Port: "1080"}.URLHost())
}
