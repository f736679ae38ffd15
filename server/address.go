package server

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)*[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a validated mailbox address. The domain is stored in its
// lowercase ASCII (punycode) form; the local part keeps its case for
// display but compares case-insensitively through FullAddress.
type Address struct {
	localPart string
	domain    string
	detail    string
}

// ParseAddress validates addr ("local@domain"). Internationalised domains
// are converted to their ASCII form.
func ParseAddress(addr string) (Address, error) {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return Address{}, fmt.Errorf("invalid address %q: missing local part or domain", addr)
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) > 64 {
		return Address{}, fmt.Errorf("invalid address %q: local part too long", addr)
	}
	if !localPartRe.MatchString(local) {
		return Address{}, fmt.Errorf("invalid address %q: bad local part", addr)
	}

	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) > 253 || !domainNameRe.MatchString(ascii) {
		return Address{}, fmt.Errorf("invalid address %q: bad domain", addr)
	}

	a := Address{localPart: local, domain: ascii}
	if plus := strings.Index(local, "+"); plus != -1 {
		a.detail = local[plus+1:]
	}
	return a, nil
}

// FullAddress is the normalised lowercase form used as mailbox owner.
func (a Address) FullAddress() string {
	return strings.ToLower(a.localPart) + "@" + a.domain
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress drops the +detail: "user+tag@example.com" → "user@example.com".
func (a Address) BaseAddress() string {
	return strings.ToLower(a.BaseLocalPart()) + "@" + a.domain
}

func (a Address) String() string {
	return a.localPart + "@" + a.domain
}
