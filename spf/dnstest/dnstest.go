// Package dnstest provides an in-memory DNS authority for driving the SPF
// evaluator's Step loop in tests, without a network.
//
// It is the non-blocking analogue of the teacher library's dns.MockResolver:
// instead of implementing a resolver interface the evaluator calls, it
// answers Question descriptors with dnsmsg.Message values the test feeds
// back into Step, the way the spec's caller-owned event loop does.
package dnstest

import (
	"fmt"
	"strings"

	"github.com/relaymint/spf/spf/dnsmsg"
)

// Authority is a scripted set of DNS answers, keyed by FQDN (trailing dot
// optional; normalized on insert and lookup).
type Authority struct {
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string]string // not read by Respond and not initialized by NewAuthority; MX answers come only from AddMX
	PTR  map[string][]string

	// Fail lists "type name" pairs (lowercase type, FQDN without trailing
	// dot) that answer with a Failure instead of a Message.
	Fail map[string]bool

	mxOrder map[string][]mxRecord
}

type mxRecord struct {
	pref uint16
	host string
}

// NewAuthority returns an empty Authority.
func NewAuthority() *Authority {
	return &Authority{
		A:       map[string][]string{},
		AAAA:    map[string][]string{},
		TXT:     map[string][]string{},
		PTR:     map[string][]string{},
		Fail:    map[string]bool{},
		mxOrder: map[string][]mxRecord{},
	}
}

func norm(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// SetTXT sets the TXT records returned for name.
func (a *Authority) SetTXT(name string, records ...string) {
	a.TXT[norm(name)] = records
}

// SetA sets the A records returned for name.
func (a *Authority) SetA(name string, ips ...string) {
	a.A[norm(name)] = ips
}

// SetAAAA sets the AAAA records returned for name.
func (a *Authority) SetAAAA(name string, ips ...string) {
	a.AAAA[norm(name)] = ips
}

// SetPTR sets the PTR records returned for an in-addr.arpa/ip6.arpa name.
func (a *Authority) SetPTR(arpaName string, hosts ...string) {
	a.PTR[norm(arpaName)] = hosts
}

// AddMX appends an MX record (preference, exchange host) for name.
func (a *Authority) AddMX(name string, pref uint16, host string) {
	key := norm(name)
	a.mxOrder[key] = append(a.mxOrder[key], mxRecord{pref: pref, host: norm(host)})
}

// Failf marks qtype/name as answering with a Failure.
func (a *Authority) Failf(qtype dnsmsg.QType, name string) {
	a.Fail[strings.ToLower(qtype.String())+" "+norm(name)] = true
}

// Respond answers q, returning either a Message or a Failure (never both).
func (a *Authority) Respond(q dnsmsg.Question) (dnsmsg.Message, *dnsmsg.Failure) {
	key := strings.ToLower(q.Type.String()) + " " + norm(q.Name)
	if a.Fail[key] {
		return nil, &dnsmsg.Failure{Question: q, Reason: fmt.Errorf("dnstest: scripted failure for %s", q)}
	}

	switch q.Type {
	case dnsmsg.TypeTXT:
		recs := a.TXT[norm(q.Name)]
		return a.build(q, recs, func(v string) dnsmsg.RR {
			return dnsmsg.RR{Name: q.Name, Type: dnsmsg.TypeTXT, Data: v}
		}), nil

	case dnsmsg.TypeA:
		recs := a.A[norm(q.Name)]
		return a.build(q, recs, func(v string) dnsmsg.RR {
			return dnsmsg.RR{Name: q.Name, Type: dnsmsg.TypeA, Data: v}
		}), nil

	case dnsmsg.TypeAAAA:
		recs := a.AAAA[norm(q.Name)]
		return a.build(q, recs, func(v string) dnsmsg.RR {
			return dnsmsg.RR{Name: q.Name, Type: dnsmsg.TypeAAAA, Data: v}
		}), nil

	case dnsmsg.TypePTR:
		recs := a.PTR[norm(q.Name)]
		return a.build(q, recs, func(v string) dnsmsg.RR {
			return dnsmsg.RR{Name: q.Name, Type: dnsmsg.TypePTR, Data: v}
		}), nil

	case dnsmsg.TypeMX:
		mxs := a.mxOrder[norm(q.Name)]
		recs := make([]string, len(mxs))
		for i, m := range mxs {
			recs[i] = m.host
		}
		msg := a.build(q, recs, func(v string) dnsmsg.RR {
			return dnsmsg.RR{Name: q.Name, Type: dnsmsg.TypeMX, Data: v}
		})
		// Populate additional section with A/AAAA for each exchange, the
		// way a real authority glues MX answers (spec §4.6 "mx" note).
		fm := msg.(*fakeMessage)
		for _, m := range mxs {
			for _, ip := range a.A[m.host] {
				fm.additional = append(fm.additional, dnsmsg.RR{Name: m.host, Type: dnsmsg.TypeA, Data: ip})
			}
			for _, ip := range a.AAAA[m.host] {
				fm.additional = append(fm.additional, dnsmsg.RR{Name: m.host, Type: dnsmsg.TypeAAAA, Data: ip})
			}
		}
		return fm, nil

	case dnsmsg.TypeSPF:
		// No authority in this pack publishes RRTYPE SPF records separately;
		// always answer empty so the evaluator falls through to the TXT
		// answer, matching real-world DNS deployment (spec §4.7).
		return &fakeMessage{q: q, rcode: dnsmsg.RcodeNXDomain}, nil

	default:
		return &fakeMessage{q: q, rcode: dnsmsg.RcodeNXDomain}, nil
	}
}

func (a *Authority) build(q dnsmsg.Question, recs []string, toRR func(string) dnsmsg.RR) dnsmsg.Message {
	if len(recs) == 0 {
		return &fakeMessage{q: q, rcode: dnsmsg.RcodeNXDomain}
	}
	fm := &fakeMessage{q: q, rcode: dnsmsg.RcodeSuccess}
	for _, v := range recs {
		fm.answer = append(fm.answer, toRR(v))
	}
	return fm
}

type fakeMessage struct {
	q          dnsmsg.Question
	rcode      dnsmsg.Rcode
	answer     []dnsmsg.RR
	additional []dnsmsg.RR
}

func (m *fakeMessage) Question() dnsmsg.Question { return m.q }
func (m *fakeMessage) Rcode() dnsmsg.Rcode       { return m.rcode }
func (m *fakeMessage) Answer() []dnsmsg.RR       { return m.answer }
func (m *fakeMessage) Additional() []dnsmsg.RR   { return m.additional }
