package verifier

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed disposable_domains.txt
var disposableDomainList string

// Lists holds the reputation data the heuristic layers match against. All
// matching is exact on lower-cased input, except FakePatterns which are
// substrings of the local part.
type Lists struct {
	Disposable   map[string]bool
	RoleAccounts map[string]bool
	Free         map[string]bool
	FakeDomains  map[string]bool
	FakePatterns []string
	// Typos maps a misspelled domain to its correction.
	Typos map[string]string
}

var (
	roleAccounts = []string{
		"abuse", "admin", "administrator", "billing", "careers", "contact",
		"customerservice", "dev", "enquiries", "feedback", "help", "hello",
		"hostmaster", "hr", "info", "jobs", "legal", "mail", "marketing",
		"media", "newsletter", "no-reply", "noreply", "office", "operations",
		"postmaster", "press", "privacy", "root", "sales", "security",
		"service", "spam", "support", "sysadmin", "team", "webmaster",
	}

	freeProviders = []string{
		"gmail.com", "googlemail.com", "yahoo.com", "yahoo.co.uk", "ymail.com",
		"outlook.com", "hotmail.com", "hotmail.co.uk", "live.com", "msn.com",
		"aol.com", "protonmail.com", "proton.me", "icloud.com", "me.com",
		"mail.com", "yandex.com", "yandex.ru", "zoho.com", "gmx.com", "gmx.de",
		"web.de", "mail.ru", "qq.com", "163.com", "tutanota.com",
	}

	fakeDomains = []string{
		"example.com", "example.net", "example.org", "test.com", "test.net",
		"test.org", "domain.com", "sample.com", "localhost", "localhost.localdomain",
		"invalid.com", "fake.com",
	}

	fakePatterns = []string{"test", "example", "fake", "dummy", "sample", "asdf", "qwerty"}

	commonTypos = map[string]string{
		"gmial.com":   "gmail.com",
		"gmai.com":    "gmail.com",
		"gmal.com":    "gmail.com",
		"gmail.co":    "gmail.com",
		"gmaill.com":  "gmail.com",
		"gamil.com":   "gmail.com",
		"gnail.com":   "gmail.com",
		"gmail.con":   "gmail.com",
		"yaho.com":    "yahoo.com",
		"yahooo.com":  "yahoo.com",
		"yhoo.com":    "yahoo.com",
		"yahoo.con":   "yahoo.com",
		"hotmai.com":  "hotmail.com",
		"hotmial.com": "hotmail.com",
		"hotmal.com":  "hotmail.com",
		"hotmail.co":  "hotmail.com",
		"outlok.com":  "outlook.com",
		"outloo.com":  "outlook.com",
		"outlook.co":  "outlook.com",
		"iclod.com":   "icloud.com",
		"icloud.co":   "icloud.com",
	}
)

// DefaultLists returns a fresh copy of the built-in lists.
func DefaultLists() *Lists {
	l := &Lists{
		Disposable:   make(map[string]bool),
		RoleAccounts: toSet(roleAccounts),
		Free:         toSet(freeProviders),
		FakeDomains:  toSet(fakeDomains),
		FakePatterns: append([]string(nil), fakePatterns...),
		Typos:        make(map[string]string, len(commonTypos)),
	}
	for _, d := range strings.Split(disposableDomainList, "\n") {
		if d = normalizeEntry(d); d != "" {
			l.Disposable[d] = true
		}
	}
	for k, v := range commonTypos {
		l.Typos[k] = v
	}
	return l
}

type listsFile struct {
	Disposable    []string          `yaml:"disposable"`
	RoleAccounts  []string          `yaml:"role_accounts"`
	FreeProviders []string          `yaml:"free_providers"`
	FakeDomains   []string          `yaml:"fake_domains"`
	FakePatterns  []string          `yaml:"fake_patterns"`
	Typos         map[string]string `yaml:"typos"`
}

// LoadListsFile extends the built-in lists with the entries of a YAML file.
// An empty path returns the defaults.
func LoadListsFile(path string) (*Lists, error) {
	lists := DefaultLists()
	if path == "" {
		return lists, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lists file: %w", err)
	}
	var f listsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse lists file %s: %w", path, err)
	}

	addAll(lists.Disposable, f.Disposable)
	addAll(lists.RoleAccounts, f.RoleAccounts)
	addAll(lists.Free, f.FreeProviders)
	addAll(lists.FakeDomains, f.FakeDomains)
	for _, p := range f.FakePatterns {
		if p = normalizeEntry(p); p != "" {
			lists.FakePatterns = append(lists.FakePatterns, p)
		}
	}
	for typo, fix := range f.Typos {
		lists.Typos[normalizeEntry(typo)] = normalizeEntry(fix)
	}
	return lists, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	addAll(set, items)
	return set
}

func addAll(set map[string]bool, items []string) {
	for _, it := range items {
		if it = normalizeEntry(it); it != "" {
			set[it] = true
		}
	}
}

func normalizeEntry(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
