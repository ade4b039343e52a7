package verifier

import (
	"errors"
	"strings"
	"unicode"

	"github.com/badoux/checkmail"
)

var (
	errTooLong        = errors.New("address longer than 254 characters")
	errAtSign         = errors.New("address must contain exactly one @")
	errLocalLength    = errors.New("local part must be 1-64 characters")
	errDomainLength   = errors.New("domain must be 1-253 characters")
	errConsecutiveDot = errors.New("consecutive dots")
	errEdgeDot        = errors.New("local part starts or ends with a dot")
	errDomainDot      = errors.New("domain has no dot")
	errMalformed      = errors.New("malformed address")
)

// checkSyntax validates the shape of a normalized address.
func checkSyntax(addr string) (local, domain string, err error) {
	if len(addr) > 254 {
		return "", "", errTooLong
	}
	if strings.Count(addr, "@") != 1 {
		return "", "", errAtSign
	}
	local, domain = SplitAddress(addr)

	switch {
	case len(local) == 0 || len(local) > 64:
		return "", "", errLocalLength
	case len(domain) == 0 || len(domain) > 253:
		return "", "", errDomainLength
	case strings.Contains(addr, ".."):
		return "", "", errConsecutiveDot
	case strings.HasPrefix(local, ".") || strings.HasSuffix(local, "."):
		return "", "", errEdgeDot
	case !strings.Contains(domain, "."):
		return "", "", errDomainDot
	}
	if err := checkmail.ValidateFormat(addr); err != nil {
		return "", "", errMalformed
	}
	return local, domain, nil
}

func validTLD(domain string) bool {
	tld := domain[strings.LastIndex(domain, ".")+1:]
	return len(tld) >= 2 && len(tld) <= 6
}

// isGibberish flags local parts that look machine generated: too few vowels
// once digits and separators are removed, or one character repeated four
// times in a row.
func isGibberish(local string) bool {
	letters := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '.' || r == '_' || r == '-' {
			return -1
		}
		return r
	}, local)

	run, prev := 0, rune(0)
	for _, r := range letters {
		if r == prev {
			run++
		} else {
			run, prev = 1, r
		}
		if run >= 4 {
			return true
		}
	}

	n := len([]rune(letters))
	if n < 3 {
		return false
	}
	vowels := 0
	for _, r := range letters {
		switch r {
		case 'a', 'e', 'i', 'o', 'u':
			vowels++
		}
	}
	return float64(vowels)/float64(n) < 0.2
}

func (l *Lists) isFake(local, domain string) bool {
	if l.FakeDomains[domain] {
		return true
	}
	for _, p := range l.FakePatterns {
		if strings.Contains(local, p) {
			return true
		}
	}
	return false
}

func hasRecordWithPrefix(records []string, prefix string) bool {
	for _, r := range records {
		if len(r) >= len(prefix) && strings.EqualFold(r[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
