package spf

import (
	"net"
	"strings"

	"github.com/relaymint/spf/spf/dnsmsg"
)

const ptrNameLimit = 10

// ptrState tracks one client IP's reverse-lookup progress across the
// lifetime of an evaluation. Both the "ptr" mechanism and the %{p} macro
// drive through it, so a name validated for one is remembered for the
// other (spec §3 invariant 6, §8 property 7).
type ptrState struct {
	names  []string // raw PTR answer, lowercased, no trailing dot
	loaded bool

	validated map[string]bool // name -> validated, filled lazily, written once per name

	// macroResult is nil until the unrestricted %{p} resolution has run to
	// completion; *macroResult == "" means it ran and found nothing ("unknown").
	macroResult *string
}

func newPTRState() *ptrState {
	return &ptrState{validated: map[string]bool{}}
}

func (s *ptrState) reverseQuestion(ip net.IP) (dnsmsg.Question, error) {
	name, err := dnsmsg.ReverseName(ip)
	if err != nil {
		return dnsmsg.Question{}, err
	}
	return dnsmsg.Question{Name: name, Type: dnsmsg.TypePTR}, nil
}

// loadNames records the candidate PTR names from the reverse lookup. It is
// called at most once per evaluation (subsequent PTR resolutions for the
// same client IP reuse s.names), matching the cached-lookup property.
func (s *ptrState) loadNames(msg dnsmsg.Message) {
	s.loaded = true
	if msg == nil || msg.Rcode() != dnsmsg.RcodeSuccess {
		return
	}
	for _, rr := range msg.Answer() {
		if rr.Type != dnsmsg.TypePTR {
			continue
		}
		s.names = append(s.names, strings.ToLower(rr.Data))
	}
}

// candidates returns the PTR names to try, filtered to domain (spec §4.5
// step 2) and capped at ptrNameLimit (step 3). An empty domain means
// unrestricted.
func (s *ptrState) candidates(domain string) []string {
	var filtered []string
	if domain == "" {
		filtered = s.names
	} else {
		domain = strings.ToLower(domain)
		suffix := "." + domain
		for _, name := range s.names {
			if name == domain || strings.HasSuffix(name, suffix) {
				filtered = append(filtered, name)
			}
		}
	}
	if len(filtered) > ptrNameLimit {
		filtered = filtered[:ptrNameLimit]
	}
	return filtered
}

// tieredForMacro orders the unrestricted candidate list by relation to
// domain, per the %{p} priority rule in spec §4.4: exact match, then
// sub-domain, then anything else.
func (s *ptrState) tieredForMacro(domain string) []string {
	all := s.candidates("")
	domain = strings.ToLower(domain)
	suffix := "." + domain
	var exact, sub, other []string
	for _, name := range all {
		switch {
		case name == domain:
			exact = append(exact, name)
		case strings.HasSuffix(name, suffix):
			sub = append(sub, name)
		default:
			other = append(other, name)
		}
	}
	return append(append(exact, sub...), other...)
}

// addressesFrom collects the A/AAAA addresses in msg, following CNAME
// chains by pairing answer-section CNAMEs with additional-section records
// (spec §4.6 "a" mechanism note). Used by the "a" mechanism and, through
// matchesIP, by PTR forward validation; "mx" and "exists" inspect their
// responses directly.
func addressesFrom(msg dnsmsg.Message) []net.IP {
	if msg == nil || msg.Rcode() != dnsmsg.RcodeSuccess {
		return nil
	}
	targets := map[string]bool{strings.ToLower(msg.Question().Name): true}
	var ips []net.IP
	for _, rr := range msg.Answer() {
		if !targets[strings.ToLower(rr.Name)] {
			continue
		}
		if rr.CNAME {
			targets[strings.ToLower(rr.Data)] = true
			continue
		}
		if ip := rr.IP(); ip != nil {
			ips = append(ips, ip)
		}
	}
	for _, rr := range msg.Additional() {
		if !targets[strings.ToLower(rr.Name)] {
			continue
		}
		if rr.CNAME {
			targets[strings.ToLower(rr.Data)] = true
			continue
		}
		if ip := rr.IP(); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// matchesIP reports whether any address in msg equals ip.
func matchesIP(msg dnsmsg.Message, ip net.IP) bool {
	for _, a := range addressesFrom(msg) {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}
