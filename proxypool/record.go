package proxypool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Record is one outbound proxy endpoint and its health bookkeeping.
type Record struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	Failures    int       `json:"failures"`
	LastSuccess time.Time `json:"last_success"`
	Alive       bool      `json:"alive"`
}

// ID identifies the record in the pool. Passwords are never part of it.
func (r Record) ID() string {
	if r.Username != "" {
		return r.Username + "@" + r.Addr()
	}
	return r.Addr()
}

// Addr is the proxy's host:port.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// URLHost renders the record as user:pass@host:port, the form the fasthttp
// proxy dialers expect.
func (r Record) URLHost() string {
	if r.Username == "" && r.Password == "" {
		return r.Addr()
	}
	return r.Username + ":" + r.Password + "@" + r.Addr()
}

// ParseList parses a comma separated list of user:pass@host:port or
// host:port entries. Blank entries are skipped; an optional scheme prefix is
// ignored.
func ParseList(list string) ([]Record, error) {
	var records []Record
	seen := make(map[string]bool)

	for _, raw := range strings.Split(list, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if i := strings.Index(entry, "://"); i >= 0 {
			entry = entry[i+3:]
		}

		rec, err := parseEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("proxy entry %q: %w", raw, err)
		}
		if seen[rec.ID()] {
			continue
		}
		seen[rec.ID()] = true
		records = append(records, rec)
	}
	return records, nil
}

func parseEntry(entry string) (Record, error) {
	var rec Record

	hostPort := entry
	if at := strings.LastIndex(entry, "@"); at >= 0 {
		creds := entry[:at]
		hostPort = entry[at+1:]
		user, pass, _ := strings.Cut(creds, ":")
		if user == "" {
			return rec, fmt.Errorf("empty username")
		}
		rec.Username, rec.Password = user, pass
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return rec, err
	}
	if host == "" {
		return rec, fmt.Errorf("empty host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return rec, fmt.Errorf("invalid port %q", port)
	}

	rec.Host, rec.Port = host, port
	rec.Alive = true
	return rec, nil
}
