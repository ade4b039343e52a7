// Package smtpprobe asks a mail exchanger whether it accepts a mailbox,
// without sending mail. A probe is one SMTP session (HELO, MAIL FROM,
// RCPT TO, QUIT) over one TCP connection tunneled through a proxy.
package smtpprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"mailverifier/proxypool"
)

const (
	DefaultPort    = "25"
	DefaultTimeout = 3500 * time.Millisecond
)

// ErrNoProxy is returned in Result.Err when the caller had no proxy to use.
var ErrNoProxy = errors.New("no proxy available")

// State is the last step of the SMTP conversation that was reached.
type State int

const (
	StateConnecting State = iota
	StateGreeted
	StateHeloSent
	StateMailSent
	StateRcptSent
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateGreeted:
		return "GREETED"
	case StateHeloSent:
		return "HELO_SENT"
	case StateMailSent:
		return "MAIL_SENT"
	case StateRcptSent:
		return "RCPT_SENT"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Outcome int

const (
	// Unknown covers transport errors, protocol violations and timeouts.
	Unknown Outcome = iota
	Accepted
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	State   State
	Code    int
	Message string
	// ProxyFault is set when the tunnel through the proxy could not be
	// opened, so the caller can charge the failure to the proxy.
	ProxyFault bool
	Err        error
	Duration   time.Duration
}

// Valid maps the outcome onto the tri-state smtpValid flag.
func (r Result) Valid() *bool {
	var v bool
	switch r.Outcome {
	case Accepted:
		v = true
	case Rejected:
		v = false
	default:
		return nil
	}
	return &v
}

// DialFunc opens a connection to addr through rec.
type DialFunc func(ctx context.Context, rec proxypool.Record, addr string) (net.Conn, error)

type Config struct {
	HeloName string
	MailFrom string
	Port     string
	Timeout  time.Duration
}

type Prober struct {
	dial     DialFunc
	heloName string
	mailFrom string
	port     string
	timeout  time.Duration
}

func New(dial DialFunc, cfg Config) *Prober {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Prober{
		dial:     dial,
		heloName: cfg.HeloName,
		mailFrom: cfg.MailFrom,
		port:     cfg.Port,
		timeout:  cfg.Timeout,
	}
}

// Probe runs one session against mxHost for address. The whole session,
// dial included, is bounded by the prober timeout.
func (p *Prober) Probe(ctx context.Context, mxHost, address string, rec *proxypool.Record) Result {
	start := time.Now()
	if rec == nil {
		return Result{Outcome: Unknown, State: StateConnecting, Err: ErrNoProxy}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := p.session(ctx, mxHost, address, *rec)
	res.Duration = time.Since(start)
	return res
}

func (p *Prober) session(ctx context.Context, mxHost, address string, rec proxypool.Record) Result {
	res := Result{State: StateConnecting}

	conn, err := p.dial(ctx, rec, net.JoinHostPort(mxHost, p.port))
	if err != nil {
		res.Err = fmt.Errorf("dial %s: %w", mxHost, err)
		res.ProxyFault = true
		return res
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	tp := textproto.NewConn(conn)

	if res.Code, res.Message, err = tp.ReadResponse(220); err != nil {
		return abort(res, "greeting", err)
	}
	res.State = StateGreeted

	if err = tp.PrintfLine("HELO %s", p.heloName); err != nil {
		return abort(res, "HELO", err)
	}
	res.State = StateHeloSent
	if res.Code, res.Message, err = tp.ReadResponse(250); err != nil {
		return abort(res, "HELO", err)
	}

	if err = tp.PrintfLine("MAIL FROM:<%s>", p.mailFrom); err != nil {
		return abort(res, "MAIL FROM", err)
	}
	res.State = StateMailSent
	if res.Code, res.Message, err = tp.ReadResponse(250); err != nil {
		return abort(res, "MAIL FROM", err)
	}

	if err = tp.PrintfLine("RCPT TO:<%s>", address); err != nil {
		return abort(res, "RCPT TO", err)
	}
	res.State = StateRcptSent
	res.Code, res.Message, err = tp.ReadResponse(2)

	var protoErr *textproto.Error
	switch {
	case err == nil:
		res.Outcome = Accepted
	case errors.As(err, &protoErr) && (protoErr.Code/100 == 5 || protoErr.Code/100 == 4):
		// 4xx is treated as a rejection on purpose: greylisting is too
		// ambiguous to count as acceptance.
		res.Outcome = Rejected
		res.Code, res.Message = protoErr.Code, protoErr.Msg
	default:
		return abort(res, "RCPT TO", err)
	}

	_ = tp.PrintfLine("QUIT")
	res.State = StateDone
	return res
}

func abort(res Result, step string, err error) Result {
	res.Outcome = Unknown
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		res.Code, res.Message = protoErr.Code, protoErr.Msg
	}
	res.Err = fmt.Errorf("%s: %w", step, err)
	return res
}
