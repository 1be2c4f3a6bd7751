package spf

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxLabelLen  = 63
	maxDomainLen = 253
)

// ValidateDomain validates a fully expanded (post-macro) domain name per
// spec §4.2: label lengths, total length, and the not-purely-numeric rule.
// It IDNA-normalizes the name the way mjl-mox's dns.ParseDomain does before
// applying those rules, and returns the ASCII (A-label) form to use for DNS
// lookups.
func ValidateDomain(s string) (string, error) {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidDomain)
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	if err := checkLabels(ascii, true); err != nil {
		return "", err
	}
	return ascii, nil
}

// ValidateMacroString runs the same label/length rules against a
// pre-expansion domain-spec (spec §4.2), tolerating macro tokens mixed with
// literal characters: any label containing a '%' is opaque to the length
// check since its expanded width isn't known yet. The not-purely-numeric
// rule is not applied here; it is checked only after expansion, by
// ValidateDomain.
func ValidateMacroString(s string) error {
	return checkLabels(s, false)
}

func checkLabels(s string, requireNonDigit bool) error {
	if len(s) > maxDomainLen {
		return fmt.Errorf("%w: %d chars exceeds %d", ErrInvalidDomain, len(s), maxDomainLen)
	}
	if s == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidDomain)
	}
	labels := strings.Split(s, ".")
	allDigits := true
	sawNonDigit := false
	for _, label := range labels {
		if strings.Contains(label, "%") {
			sawNonDigit = true
			continue
		}
		if len(label) == 0 || len(label) > maxLabelLen {
			return fmt.Errorf("%w: label %q has invalid length", ErrInvalidDomain, label)
		}
		for _, c := range label {
			if c < '0' || c > '9' {
				allDigits = false
				sawNonDigit = true
			}
		}
	}
	if requireNonDigit && (allDigits || !sawNonDigit) {
		return fmt.Errorf("%w: %q is purely numeric", ErrInvalidDomain, s)
	}
	return nil
}
