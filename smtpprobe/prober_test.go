package smtpprobe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailverifier/proxypool"
)

// step is one exchange of the scripted server: wait for a command starting
// with expect (skipped when empty), then write reply.
type step struct {
	expect string
	reply  string
}

type fakeMX struct {
	mu       sync.Mutex
	commands []string
	dialed   []string
}

func (f *fakeMX) record(cmd string) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeMX) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// dialer returns a DialFunc that connects to a scripted in-memory server.
func (f *fakeMX) dialer(script []step, hold time.Duration) DialFunc {
	return func(_ context.Context, _ proxypool.Record, addr string) (net.Conn, error) {
		f.mu.Lock()
		f.dialed = append(f.dialed, addr)
		f.mu.Unlock()

		client, server := net.Pipe()
		go func() {
			defer server.Close()
			r := bufio.NewReader(server)
			for _, s := range script {
				if s.expect != "" {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					f.record(line)
					if !strings.HasPrefix(line, s.expect) {
						return
					}
				}
				if _, err := server.Write([]byte(s.reply)); err != nil {
					return
				}
			}
			if hold > 0 {
				time.Sleep(hold)
			}
		}()
		return client, nil
	}
}

var proxyRec = &proxypool.Record{Host: "10.0.0.1", Port: "1080"}

func newProber(dial DialFunc, timeout time.Duration) *Prober {
	return New(dial, Config{
		HeloName: "verify.mailverifier.local",
		MailFrom: "probe@mailverifier.local",
		Timeout:  timeout,
	})
}

func happyPrefix() []step {
	return []step{
		{reply: "220 mx.acme.io ESMTP ready\r\n"},
		{expect: "HELO verify.mailverifier.local", reply: "250 mx.acme.io\r\n"},
		{expect: "MAIL FROM:<probe@mailverifier.local>", reply: "250 2.1.0 Ok\r\n"},
	}
}

func TestProber_Accepted(t *testing.T) {
	mx := &fakeMX{}
	script := append(happyPrefix(), step{expect: "RCPT TO:<jane@acme.io>", reply: "250 2.1.5 Ok\r\n"})
	p := newProber(mx.dialer(script, 0), time.Second)

	res := p.Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)

	require.NoError(t, res.Err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 250, res.Code)
	require.NotNil(t, res.Valid())
	assert.True(t, *res.Valid())
	assert.Equal(t, []string{"mx.acme.io:25"}, mx.dialed)
	assert.Equal(t, []string{
		"HELO verify.mailverifier.local",
		"MAIL FROM:<probe@mailverifier.local>",
		"RCPT TO:<jane@acme.io>",
	}, mx.seen())
}

func TestProber_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		code  int
	}{
		{name: "mailbox unavailable", reply: "550 5.1.1 No such user\r\n", code: 550},
		{name: "greylisted is conservative reject", reply: "450 4.2.0 Greylisted, try later\r\n", code: 450},
		{name: "relay denied", reply: "554 5.7.1 Relay access denied\r\n", code: 554},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mx := &fakeMX{}
			script := append(happyPrefix(), step{expect: "RCPT TO:", reply: tt.reply})
			p := newProber(mx.dialer(script, 0), time.Second)

			res := p.Probe(context.Background(), "mx.acme.io", "ghost@acme.io", proxyRec)

			assert.Equal(t, Rejected, res.Outcome)
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, StateDone, res.State)
			require.NotNil(t, res.Valid())
			assert.False(t, *res.Valid())
		})
	}
}

func TestProber_Unknown(t *testing.T) {
	t.Run("server never greets", func(t *testing.T) {
		mx := &fakeMX{}
		p := newProber(mx.dialer(nil, time.Second), 100*time.Millisecond)

		start := time.Now()
		res := p.Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)

		assert.Equal(t, Unknown, res.Outcome)
		assert.Nil(t, res.Valid())
		assert.Equal(t, StateConnecting, res.State)
		assert.False(t, res.ProxyFault)
		assert.Error(t, res.Err)
		assert.Less(t, time.Since(start), 900*time.Millisecond)
	})

	t.Run("bad greeting code", func(t *testing.T) {
		mx := &fakeMX{}
		p := newProber(mx.dialer([]step{{reply: "554 no service\r\n"}}, 0), time.Second)

		res := p.Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)
		assert.Equal(t, Unknown, res.Outcome)
		assert.Equal(t, 554, res.Code)
	})

	t.Run("HELO refused", func(t *testing.T) {
		mx := &fakeMX{}
		script := []step{
			{reply: "220 ready\r\n"},
			{expect: "HELO", reply: "501 bad helo\r\n"},
		}
		p := newProber(mx.dialer(script, 0), time.Second)

		res := p.Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)
		assert.Equal(t, Unknown, res.Outcome)
		assert.Equal(t, StateHeloSent, res.State)
		assert.Equal(t, 501, res.Code)
	})

	t.Run("connection dropped before RCPT TO", func(t *testing.T) {
		mx := &fakeMX{}
		p := newProber(mx.dialer(happyPrefix(), 0), time.Second)

		res := p.Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)
		assert.Equal(t, Unknown, res.Outcome)
		assert.Equal(t, StateMailSent, res.State)
	})

	t.Run("proxy dial failure", func(t *testing.T) {
		dial := func(context.Context, proxypool.Record, string) (net.Conn, error) {
			return nil, errors.New("socks connect: connection refused")
		}
		res := newProber(dial, time.Second).Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)

		assert.Equal(t, Unknown, res.Outcome)
		assert.True(t, res.ProxyFault)
	})

	t.Run("no proxy", func(t *testing.T) {
		mx := &fakeMX{}
		res := newProber(mx.dialer(nil, 0), time.Second).Probe(context.Background(), "mx.acme.io", "jane@acme.io", nil)

		assert.Equal(t, Unknown, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrNoProxy)
		assert.Empty(t, mx.dialed)
	})

	t.Run("caller cancellation aborts the session", func(t *testing.T) {
		mx := &fakeMX{}
		p := newProber(mx.dialer(nil, 2*time.Second), 5*time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		start := time.Now()
		res := p.Probe(ctx, "mx.acme.io", "jane@acme.io", proxyRec)
		assert.Equal(t, Unknown, res.Outcome)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestProber_MultilineGreeting(t *testing.T) {
	mx := &fakeMX{}
	script := append([]step{{reply: "220-mx.acme.io ESMTP\r\n220 no UCE\r\n"}}, happyPrefix()[1:]...)
	script = append(script, step{expect: "RCPT TO:", reply: "250 Ok\r\n"})

	res := newProber(mx.dialer(script, 0), time.Second).Probe(context.Background(), "mx.acme.io", "jane@acme.io", proxyRec)
	assert.Equal(t, Accepted, res.Outcome)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "RCPT_SENT", StateRcptSent.String())
	assert.Equal(t, "rejected", Rejected.String())
}
