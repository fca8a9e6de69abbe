package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

var ErrNoTrustedSenders = errors.New("trusted sender list is empty")

// Options captures the filtering configuration.
type Options struct {
	TrustedSenders []string
}

// Filter is an allow-list of sender addresses.
type Filter struct {
	trusted map[string]struct{}
	ordered []string
}

// New creates a new Filter from the provided options. Entries may be bare
// addresses or full "Name <addr>" forms; matching is on the address only.
func New(opts Options) (*Filter, error) {
	f := &Filter{trusted: make(map[string]struct{}, len(opts.TrustedSenders))}
	for _, entry := range opts.TrustedSenders {
		addr := Address(entry)
		if addr == "" {
			continue
		}
		if !strings.Contains(addr, "@") {
			return nil, fmt.Errorf("trusted sender %q is not an email address", entry)
		}
		if _, dup := f.trusted[addr]; dup {
			continue
		}
		f.trusted[addr] = struct{}{}
		f.ordered = append(f.ordered, addr)
	}
	if len(f.trusted) == 0 {
		return nil, ErrNoTrustedSenders
	}
	return f, nil
}

// Allows reports whether address exactly matches a trusted sender,
// ignoring case.
func (f *Filter) Allows(address string) bool {
	if f == nil {
		return false
	}
	addr := Address(address)
	if addr == "" {
		return false
	}
	_, ok := f.trusted[addr]
	return ok
}

// Senders returns the normalized allow-list in configuration order.
func (f *Filter) Senders() []string {
	out := make([]string, len(f.ordered))
	copy(out, f.ordered)
	return out
}

// Address extracts the bare, lower-cased address from a header value such as
// `"Jane Doe" <Jane@Example.org>`.
func Address(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(parsed.Address)
	}
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.LastIndex(value, ">"); end > start {
			value = value[start+1 : end]
		}
	}
	return strings.ToLower(strings.Trim(value, " <>\"'"))
}
