package verifier

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/likexian/whois"
)

const maxWhoisLength = 2048

type WhoisLookup interface {
	Lookup(ctx context.Context, domain string) (string, error)
}

// WhoisClient queries WHOIS servers and remembers answers per domain for the
// life of the process. Answers are truncated to a few kilobytes.
type WhoisClient struct {
	client *whois.Client

	mu    sync.RWMutex
	cache map[string]string
}

func NewWhoisClient(timeout time.Duration) *WhoisClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WhoisClient{
		client: whois.NewClient().SetTimeout(timeout),
		cache:  make(map[string]string),
	}
}

func (w *WhoisClient) Lookup(ctx context.Context, domain string) (string, error) {
	domain = strings.ToLower(domain)

	w.mu.RLock()
	info, ok := w.cache[domain]
	w.mu.RUnlock()
	if ok {
		return info, nil
	}

	type answer struct {
		info string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		info, err := w.client.Whois(domain)
		done <- answer{info, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-done:
		if a.err != nil {
			return "", a.err
		}
		info = truncateWhois(strings.TrimSpace(a.info))
		w.mu.Lock()
		w.cache[domain] = info
		w.mu.Unlock()
		return info, nil
	}
}

// truncateWhois cuts s to at most maxWhoisLength bytes on a rune boundary.
func truncateWhois(s string) string {
	if len(s) <= maxWhoisLength {
		return s
	}
	n := maxWhoisLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
