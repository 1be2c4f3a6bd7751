// Package dnsmsg defines the wire-shaped contract between the SPF evaluator
// and whatever DNS resolver the caller drives it with.
//
// The evaluator never performs I/O. It emits Question descriptors and
// consumes Message values; this package is the shape of both, plus a
// Failure carrier for resolver-side errors (timeouts, SERVFAIL, ...). A
// Message is usually backed by a *dns.Msg from github.com/miekg/dns — see
// FromMsg — but callers feeding a dnstest fake or any other resolver need
// only satisfy the Message interface.
package dnsmsg

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// QType is the DNS RR type of a Question, restricted to the types the SPF
// evaluator ever asks for.
type QType uint16

const (
	TypeA    QType = QType(dns.TypeA)
	TypeAAAA QType = QType(dns.TypeAAAA)
	TypeTXT  QType = QType(dns.TypeTXT)
	TypeSPF  QType = QType(dns.TypeSPF)
	TypeMX   QType = QType(dns.TypeMX)
	TypePTR  QType = QType(dns.TypePTR)
)

func (t QType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeAAAA:
		return "AAAA"
	case TypeTXT:
		return "TXT"
	case TypeSPF:
		return "SPF"
	case TypeMX:
		return "MX"
	case TypePTR:
		return "PTR"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// Question is one outbound DNS query descriptor. Class is always IN; it is
// not a field because the evaluator never asks for anything else.
type Question struct {
	Name string
	Type QType
}

func (q Question) String() string {
	return q.Type.String() + " " + q.Name
}

// Rcode is a DNS response code. The evaluator only distinguishes NOERROR
// and NXDOMAIN from everything else (treated as transient, see spec §6).
type Rcode int

const (
	RcodeSuccess Rcode = dns.RcodeSuccess
	RcodeNXDomain Rcode = dns.RcodeNameError
)

// Transient reports whether rc should be treated as a temporary failure
// rather than an authoritative "no such name".
func (rc Rcode) Transient() bool {
	return rc != RcodeSuccess && rc != RcodeNXDomain
}

// RR is one answer or additional-section resource record, reduced to the
// fields the evaluator's mechanisms inspect.
type RR struct {
	Name  string
	Type  QType
	Data  string // presentation-form target: an IP for A/AAAA, a domain for MX/PTR/CNAME, joined strings for TXT
	CNAME bool   // true if this RR is a CNAME (Data is the canonical name)
}

// IP parses Data as an IP address. Only meaningful for A/AAAA records.
func (r RR) IP() net.IP {
	return net.ParseIP(r.Data)
}

// Message is an opaque carrier for one DNS response, exposing exactly the
// fields the evaluator needs: the question it answers, the response code,
// and the answer/additional sections (CNAME chains are resolved by pairing
// answer-section CNAMEs with additional-section records, per spec §4.6).
type Message interface {
	Question() Question
	Rcode() Rcode
	Answer() []RR
	Additional() []RR
}

// Failure signals that the resolver could not complete a Question at all
// (timeout, network error, SERVFAIL after retries). It is fed to Step in
// place of a Message.
type Failure struct {
	Question Question
	Reason   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("dns: %s: %v", f.Question, f.Reason)
}

// msg adapts a *dns.Msg into Message.
type msg struct {
	q    Question
	resp *dns.Msg
}

// FromMsg adapts a github.com/miekg/dns response to a Question into the
// evaluator's Message contract.
func FromMsg(q Question, resp *dns.Msg) Message {
	return msg{q: q, resp: resp}
}

func (m msg) Question() Question { return m.q }

func (m msg) Rcode() Rcode { return Rcode(m.resp.Rcode) }

func (m msg) Answer() []RR { return rrsFrom(m.resp.Answer) }

func (m msg) Additional() []RR { return rrsFrom(m.resp.Extra) }

func rrsFrom(in []dns.RR) []RR {
	out := make([]RR, 0, len(in))
	for _, rr := range in {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, RR{Name: trimDot(v.Hdr.Name), Type: TypeA, Data: v.A.String()})
		case *dns.AAAA:
			out = append(out, RR{Name: trimDot(v.Hdr.Name), Type: TypeAAAA, Data: v.AAAA.String()})
		case *dns.TXT:
			out = append(out, RR{Name: trimDot(v.Hdr.Name), Type: TypeTXT, Data: strings.Join(v.Txt, "")})
		case *dns.MX:
			out = append(out, RR{Name: trimDot(v.Hdr.Name), Type: TypeMX, Data: trimDot(v.Mx)})
		case *dns.PTR:
			out = append(out, RR{Name: trimDot(v.Hdr.Name), Type: TypePTR, Data: trimDot(v.Ptr)})
		case *dns.CNAME:
			out = append(out, RR{Name: trimDot(v.Hdr.Name), Type: TypeA, Data: trimDot(v.Target), CNAME: true})
		}
	}
	return out
}

func trimDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

// ReverseName returns the in-addr.arpa/ip6.arpa query name for ip, as used
// by the ptr mechanism and the %{p} macro.
func ReverseName(ip net.IP) (string, error) {
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", fmt.Errorf("dnsmsg: reverse name for %s: %w", ip, err)
	}
	return trimDot(name), nil
}
