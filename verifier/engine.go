package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mailverifier/dnscache"
	"mailverifier/proxypool"
	"mailverifier/quota"
	"mailverifier/retry"
	"mailverifier/smtpprobe"
)

// DNS is the view of the resolver cache the engine needs.
type DNS interface {
	Lookup(ctx context.Context, domain string) (dnscache.Entry, error)
	TXT(ctx context.Context, name string) ([]string, error)
}

type ProxySource interface {
	Next() *proxypool.Record
	HealthyProxy(ctx context.Context) *proxypool.Record
	ReportSuccess(id string)
	ReportFailure(id string)
}

type MailboxProber interface {
	Probe(ctx context.Context, mxHost, address string, rec *proxypool.Record) smtpprobe.Result
}

// Observer receives counts for metrics. Any method may be called
// concurrently.
type Observer interface {
	VerificationDone(status Status)
	ProbeDone(outcome smtpprobe.Outcome)
	QuotaRejected()
}

type Config struct {
	DNS     DNS
	Quota   quota.Tracker
	Proxies ProxySource
	Prober  MailboxProber
	Lists   *Lists
	// Identity is the outbound identity the daily quota is charged to.
	Identity    string
	SMTPEnabled bool
	Retry       retry.Policy
	Whois       WhoisLookup
	Logger      logrus.FieldLogger
	Observer    Observer
	Now         func() time.Time
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.Lists == nil {
		cfg.Lists = DefaultLists()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Identity == "" {
		cfg.Identity = "default"
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.NoRetry()
	}
	return &Engine{cfg: cfg}
}

// verification carries the state of one Verify call.
type verification struct {
	res           *Result
	notes         []string
	quotaExceeded bool
}

func (v *verification) note(format string, args ...interface{}) {
	v.notes = append(v.notes, fmt.Sprintf(format, args...))
}

// Verify runs the layers in order and stops at the first terminal
// determination. It never returns nil.
func (e *Engine) Verify(ctx context.Context, address string) *Result {
	v := &verification{res: &Result{Address: Normalize(address)}}
	r := v.res
	e.run(ctx, v)

	r.CheckedAt = e.cfg.Now()
	if len(v.notes) > 0 && r.Reason == "" {
		r.Reason = strings.Join(v.notes, "; ")
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.VerificationDone(r.Status)
	}
	return r
}

func (e *Engine) run(ctx context.Context, v *verification) {
	r := v.res
	lists := e.cfg.Lists

	local, domain, err := checkSyntax(r.Address)
	if err != nil {
		r.SyntaxValid = boolPtr(false)
		e.invalid(v, "invalid syntax: %v", err)
		return
	}
	r.SyntaxValid = boolPtr(true)

	if !validTLD(domain) {
		r.HasValidTLD = boolPtr(false)
		e.invalid(v, "invalid top-level domain")
		return
	}
	r.HasValidTLD = boolPtr(true)

	r.IsGibberish = boolPtr(isGibberish(local))
	if *r.IsGibberish {
		v.note("local part looks generated")
	}

	if fix, ok := lists.Typos[domain]; ok {
		r.Suggestion = local + "@" + fix
		e.invalid(v, "possible typo, did you mean %s", r.Suggestion)
		return
	}

	if lists.isFake(local, domain) {
		e.invalid(v, "fake or test address")
		return
	}

	r.IsDisposable = boolPtr(lists.Disposable[domain])
	if *r.IsDisposable {
		v.note("disposable domain")
		e.finish(v)
		return
	}

	r.IsRoleAccount = boolPtr(lists.RoleAccounts[local])
	if *r.IsRoleAccount {
		v.note("role account")
	}
	r.IsFreeProvider = boolPtr(lists.Free[domain])

	if e.cfg.DNS == nil {
		v.note("dns check skipped")
		e.finish(v)
		return
	}

	var entry dnscache.Entry
	err = e.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		entry, err = e.cfg.DNS.Lookup(ctx, domain)
		return err
	})
	if err != nil {
		e.cfg.Logger.WithFields(logrus.Fields{
			"domain": domain,
			"error":  err,
		}).Warn("DNS lookup failed")
		r.Score = score(r)
		r.Status = StatusUnknown
		v.note("dns lookup failed: %v", err)
		return
	}

	r.DNSValid = boolPtr(entry.HasA)
	r.MXValid = boolPtr(entry.HasMX)
	if !entry.HasMX {
		e.invalid(v, "no MX records")
		return
	}
	r.MXRecords = entry.MX

	if txt, err := e.cfg.DNS.TXT(ctx, domain); err == nil {
		r.SPFValid = boolPtr(hasRecordWithPrefix(txt, "v=spf1"))
	} else {
		e.cfg.Logger.WithField("domain", domain).WithError(err).Debug("SPF lookup failed")
	}
	if txt, err := e.cfg.DNS.TXT(ctx, "_dmarc."+domain); err == nil {
		r.DMARCValid = boolPtr(hasRecordWithPrefix(txt, "v=DMARC1"))
	} else {
		e.cfg.Logger.WithField("domain", domain).WithError(err).Debug("DMARC lookup failed")
	}

	if e.cfg.SMTPEnabled {
		e.checkMailbox(ctx, v, entry.MX[0])
	}

	if e.cfg.Whois != nil {
		if info, err := e.cfg.Whois.Lookup(ctx, domain); err == nil {
			r.Whois = info
		} else {
			e.cfg.Logger.WithField("domain", domain).WithError(err).Debug("WHOIS lookup failed")
		}
	}

	e.finish(v)
}

// checkMailbox runs layer 12: for each attempt a proxy, a quota charge, then
// the SMTP conversation.
func (e *Engine) checkMailbox(ctx context.Context, v *verification, mxHost string) {
	r := v.res
	log := e.cfg.Logger.WithFields(logrus.Fields{
		"domain":   r.Domain(),
		"mx":       mxHost,
		"identity": e.cfg.Identity,
	})

	if e.cfg.Proxies == nil || e.cfg.Prober == nil {
		v.note(ReasonNoProxy)
		return
	}

	var (
		last     smtpprobe.Result
		sessions int
	)
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var rec *proxypool.Record
		if attempt == 1 {
			rec = e.cfg.Proxies.Next()
		} else {
			rec = e.cfg.Proxies.HealthyProxy(ctx)
		}
		if rec == nil {
			return smtpprobe.ErrNoProxy
		}

		// Every session is charged to the identity, retries included.
		if err := e.allowSession(ctx); err != nil {
			return err
		}

		sessions++
		last = e.cfg.Prober.Probe(ctx, mxHost, r.Address, rec)
		e.reportProxy(*rec, last)
		if e.cfg.Observer != nil {
			e.cfg.Observer.ProbeDone(last.Outcome)
		}
		if last.Outcome != smtpprobe.Unknown {
			return nil
		}
		if last.Err == nil {
			return retry.MarkRetryable(errors.New("inconclusive probe"))
		}
		return retry.MarkRetryable(last.Err)
	})

	switch {
	case errors.Is(err, errQuotaExceeded):
		v.quotaExceeded = true
	case errors.Is(err, errQuotaUnavailable):
		log.WithError(err).Warn("Quota check failed, skipping SMTP")
		v.note("smtp check skipped: quota unavailable")
	}
	if sessions == 0 {
		if errors.Is(err, smtpprobe.ErrNoProxy) {
			v.note(ReasonNoProxy)
		}
		return
	}

	r.SMTPValid = last.Valid()
	r.SMTPCode = last.Code
	switch {
	case v.quotaExceeded, errors.Is(err, errQuotaUnavailable):
	case errors.Is(err, smtpprobe.ErrNoProxy):
		v.note("smtp retry skipped: no healthy proxy")
	case err != nil:
		log.WithError(err).Info("SMTP probe inconclusive")
		v.note("smtp check inconclusive: %v", err)
	case last.Outcome == smtpprobe.Rejected:
		v.note("mailbox rejected (%d)", last.Code)
	}
}

var (
	errQuotaExceeded    = errors.New("daily quota exceeded")
	errQuotaUnavailable = errors.New("quota unavailable")
)

// allowSession charges one SMTP session to the identity.
func (e *Engine) allowSession(ctx context.Context) error {
	if e.cfg.Quota == nil {
		return nil
	}
	ok, err := e.cfg.Quota.Allow(ctx, e.cfg.Identity)
	if err != nil {
		return fmt.Errorf("%w: %v", errQuotaUnavailable, err)
	}
	if !ok {
		if e.cfg.Observer != nil {
			e.cfg.Observer.QuotaRejected()
		}
		return errQuotaExceeded
	}
	return nil
}

func (e *Engine) reportProxy(rec proxypool.Record, res smtpprobe.Result) {
	switch {
	case res.ProxyFault:
		e.cfg.Proxies.ReportFailure(rec.ID())
	case res.State >= smtpprobe.StateGreeted:
		e.cfg.Proxies.ReportSuccess(rec.ID())
	case res.Outcome == smtpprobe.Unknown:
		// Tunnel opened but no greeting arrived.
		e.cfg.Proxies.ReportFailure(rec.ID())
	}
}

func (e *Engine) invalid(v *verification, format string, args ...interface{}) {
	v.res.Status = StatusInvalid
	v.res.Score = 0
	v.note(format, args...)
}

func (e *Engine) finish(v *verification) {
	r := v.res
	r.Score = score(r)
	r.Status = classify(r.Score, r)
	if v.quotaExceeded {
		r.Status = StatusRisky
		r.Reason = ReasonQuotaExceeded
	}
}

func boolPtr(b bool) *bool { return &b }
