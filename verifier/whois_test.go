package verifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWhois struct {
	info    string
	err     error
	domains []string
}

func (f *fakeWhois) Lookup(_ context.Context, domain string) (string, error) {
	f.domains = append(f.domains, domain)
	return f.info, f.err
}

func TestEngine_Whois(t *testing.T) {
	ctx := context.Background()

	t.Run("enriches the result", func(t *testing.T) {
		w := &fakeWhois{info: "Registrar: Example Registrar"}
		r := newEngine(t, func(c *Config) { c.Whois = w }).Verify(ctx, "jane.doe@acme.io")
		assert.Equal(t, StatusValid, r.Status)
		assert.Equal(t, "Registrar: Example Registrar", r.Whois)
		assert.Equal(t, []string{"acme.io"}, w.domains)
	})

	t.Run("lookup errors are informational", func(t *testing.T) {
		w := &fakeWhois{err: errors.New("connection refused")}
		r := newEngine(t, func(c *Config) { c.Whois = w }).Verify(ctx, "jane.doe@acme.io")
		assert.Equal(t, StatusValid, r.Status)
		assert.Equal(t, 100, r.Score)
		assert.Empty(t, r.Whois)
	})

	t.Run("not consulted for terminal results", func(t *testing.T) {
		w := &fakeWhois{info: "x"}
		r := newEngine(t, func(c *Config) { c.Whois = w }).Verify(ctx, "not-an-address")
		assert.Equal(t, StatusInvalid, r.Status)
		assert.Empty(t, w.domains)
	})
}

func TestWhoisClient_Cache(t *testing.T) {
	w := NewWhoisClient(0)
	w.cache["acme.io"] = "Registrar: cached"

	info, err := w.Lookup(context.Background(), "ACME.io")
	require.NoError(t, err)
	assert.Equal(t, "Registrar: cached", info)
}

func TestTruncateWhois(t *testing.T) {
	short := "Registrar: Example"
	assert.Equal(t, short, truncateWhois(short))

	exact := strings.Repeat("a", maxWhoisLength)
	assert.Equal(t, exact, truncateWhois(exact))

	// "é" is two bytes; its first byte sits on the last allowed index.
	long := strings.Repeat("a", maxWhoisLength-1) + "é" + "tail"
	got := truncateWhois(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxWhoisLength-1), got)
}
