package spf

import (
	"fmt"
	"net"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/relaymint/spf/spf/dnsmsg"
)

// dnsRequestsMax is the starting dnsMechanismBudget (spec §3).
const dnsRequestsMax = 10

// voidLookupsMax is the RFC 7208 §4.6.4 void-lookup cap. The base spec
// leaves enforcement to the implementer (§9 open questions); this engine
// enforces it, grounded on the teacher's voidLookupsMax constant.
const voidLookupsMax = 2

// mxExchangeLimit caps how many MX exchanges a single "mx" dispatch
// inspects. Not a normative part of the evaluation; a defensive bound
// against a pathological number of MX records, the same role the
// teacher's mxPtrLimit constant plays for PTR answers.
const mxExchangeLimit = 10

type state int

const (
	stateIdle state = iota
	stateAwaitingRecord
	stateAwaitingA
	stateAwaitingMX
	stateAwaitingExistsA
	stateAwaitingPTRReverse
	stateAwaitingPTRForward
	stateAwaitingExplainTXT
	stateDone
)

type resumeKind int

const (
	resumeNone resumeKind = iota
	resumeMechanism      // resuming the "ptr" mechanism at e.cursor
	resumeMacroMechanism // resuming a DNS mechanism's domain-spec at e.cursor
	resumeMacroRedirect  // resuming beginRedirect after %{p} resolves
)

// frame is one saved include context (spec §9 "explicit stack of value
// frames").
type frame struct {
	domain     string
	mechanisms []Directive
	cursor     int
	redirect   string
	explain    string
	qualifier  Qualifier
}

// Args are the constructor inputs (spec §6).
type Args struct {
	ClientIP   string
	MailFrom   string // bare local@domain; empty denotes a bounce
	Helo       string
	MyHostName string
}

// FinalResult is the terminal triple Step returns once evaluation concludes.
type FinalResult struct {
	Result  Result
	Comment string
	Problem string // set only for the two *Error results; a Fail's exp text goes in Comment
}

// Outcome is everything a Step call can return: exactly one of Final set,
// or Queries non-empty, or neither (the response was ignored).
type Outcome struct {
	Final      *FinalResult
	Queries    []Query
	CallbackID CallbackID
}

func (o Outcome) IsFinal() bool    { return o.Final != nil }
func (o Outcome) IsIgnored() bool  { return o.Final == nil && len(o.Queries) == 0 }

// Evaluator is one SPF check in progress. It performs no I/O; Step is the
// only entry point, driven by a caller-owned DNS resolver.
type Evaluator struct {
	clientIP   net.IP
	clientIsV4 bool

	senderLocal  string
	senderDomain string
	helo         string
	myHostName   string

	domain     string
	mechanisms []Directive
	cursor     int
	redirect   string
	explain    string
	nested     bool // true once we're resolving a record due to include/redirect, not the initial lookup

	includeStack []frame

	budget      int
	voidLookups int

	ptr *ptrState

	state state
	pending []pendingQuery

	// bound arguments for the active state
	sideRecord [2]*Record
	sideRaw    [2]string

	waitPTRDomain string
	waitResume    resumeKind
	waitPTROrder  []string
	waitPTRCursor int

	pendingComment string

	callbackID CallbackID
	idSource   *ulid.MonotonicEntropy
}

// New constructs an Evaluator ready for an initial Step(nil) call.
func New(args Args) (*Evaluator, error) {
	ip := net.ParseIP(args.ClientIP)
	if ip == nil {
		return nil, fmt.Errorf("spf: invalid client IP %q", args.ClientIP)
	}
	norm, isV4 := normalizeClientIP(ip)

	e := &Evaluator{
		clientIP:   norm,
		clientIsV4: isV4,
		helo:       args.Helo,
		myHostName: args.MyHostName,
		budget:     dnsRequestsMax,
		ptr:        newPTRState(),
		idSource:   newIDSource(),
	}

	if args.MailFrom != "" {
		local, domain := splitSender(args.MailFrom)
		if local == "" {
			local = "postmaster"
		}
		e.senderLocal, e.senderDomain = local, domain
	} else {
		e.senderLocal = "postmaster"
		e.senderDomain = args.Helo
	}
	e.domain = e.senderDomain
	return e, nil
}

func splitSender(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return "", addr
	}
	return addr[:i], addr[i+1:]
}

// Step advances the evaluation. resp is nil for the initial call; every
// subsequent call carries the caller's response to a previously emitted
// Query.
func (e *Evaluator) Step(resp *Response) Outcome {
	if e.state == stateDone {
		return Outcome{}
	}
	if resp == nil {
		if e.state != stateIdle {
			return Outcome{}
		}
		return e.start()
	}
	if resp.CallbackID != e.callbackID {
		return Outcome{}
	}
	idx := e.findPending(resp.Question)
	if idx < 0 {
		return e.propagateFinal(TempError, "", fmt.Sprintf("unexpected response to %s", resp.Question))
	}
	if e.pending[idx].done {
		return Outcome{}
	}
	e.pending[idx].done = true

	if resp.Failure != nil && resp.Message == nil {
		if !e.allDone() {
			return Outcome{}
		}
		return e.propagateFinal(TempError, "", resp.Failure.Error())
	}

	// An rcode other than NOERROR/NXDOMAIN is transient: record and
	// mechanism lookups treat it like a resolver failure, while the PTR and
	// explain lookups keep their own silent handling.
	if resp.Message != nil && resp.Message.Rcode().Transient() {
		switch e.state {
		case stateAwaitingRecord, stateAwaitingA, stateAwaitingMX, stateAwaitingExistsA:
			if !e.allDone() {
				return Outcome{}
			}
			return e.propagateFinal(TempError, "", fmt.Sprintf("dns: %s: rcode %d", resp.Question, resp.Message.Rcode()))
		}
	}

	return e.dispatchResponse(resp.Question, resp.Message)
}

func (e *Evaluator) findPending(q dnsmsg.Question) int {
	for i, p := range e.pending {
		if p.question == q {
			return i
		}
	}
	return -1
}

func (e *Evaluator) allDone() bool {
	for _, p := range e.pending {
		if !p.done {
			return false
		}
	}
	return true
}

func (e *Evaluator) start() Outcome {
	ascii, err := ValidateDomain(e.domain)
	if err != nil {
		// Initial-domain leniency (spec §4.2): None, not PermError.
		return e.terminal(None, "not a domain name", "")
	}
	e.domain = ascii
	return e.emitRecordQuery()
}

func (e *Evaluator) emitRecordQuery() Outcome {
	e.sideRecord = [2]*Record{}
	e.sideRaw = [2]string{}
	spfQ := dnsmsg.Question{Name: e.domain, Type: dnsmsg.TypeSPF}
	txtQ := dnsmsg.Question{Name: e.domain, Type: dnsmsg.TypeTXT}
	e.pending = []pendingQuery{{question: spfQ}, {question: txtQ}}
	e.state = stateAwaitingRecord
	return e.emit(spfQ, txtQ)
}

func (e *Evaluator) emit(queries ...dnsmsg.Question) Outcome {
	e.callbackID = e.nextCallbackID()
	return Outcome{Queries: queries, CallbackID: e.callbackID}
}

func (e *Evaluator) emitSingle(q dnsmsg.Question) Outcome {
	e.pending = []pendingQuery{{question: q}}
	return e.emit(q)
}

func (e *Evaluator) sideIndex(t dnsmsg.QType) int {
	if t == dnsmsg.TypeSPF {
		return 0
	}
	return 1
}

func (e *Evaluator) dispatchResponse(q dnsmsg.Question, msg dnsmsg.Message) Outcome {
	switch e.state {
	case stateAwaitingRecord:
		return e.handleRecordResponse(q, msg)
	case stateAwaitingA:
		return e.handleAResponse(msg)
	case stateAwaitingMX:
		return e.handleMXResponse(msg)
	case stateAwaitingExistsA:
		return e.handleExistsResponse(msg)
	case stateAwaitingPTRReverse:
		e.ptr.loadNames(msg)
		e.bumpVoidIfEmpty(msg)
		return e.continuePTR()
	case stateAwaitingPTRForward:
		return e.handlePTRForwardResponse(q, msg)
	case stateAwaitingExplainTXT:
		return e.handleExplainResponse(msg)
	default:
		return e.propagateFinal(TempError, "", "response received in unexpected state")
	}
}

func (e *Evaluator) bumpVoidIfEmpty(msg dnsmsg.Message) {
	if msg == nil || msg.Rcode() != dnsmsg.RcodeSuccess || len(msg.Answer()) == 0 {
		e.voidLookups++
	}
}

// --- record resolution (initial lookup, and every include/redirect) ---

func parseRecordFromMessage(q dnsmsg.Question, msg dnsmsg.Message) (rec *Record, raw string, usable bool, err error) {
	if msg == nil || msg.Rcode() != dnsmsg.RcodeSuccess {
		return nil, "", false, nil
	}
	for _, rr := range msg.Answer() {
		if rr.Type != q.Type {
			continue
		}
		text := rr.Data
		parsed, isSPF, perr := ParseRecord(text)
		if !isSPF {
			continue
		}
		if perr != nil {
			return nil, "", false, fmt.Errorf("%w: %v", ErrRecordSyntax, perr)
		}
		if rec != nil {
			return nil, "", false, ErrMultipleRecords
		}
		rec, raw = parsed, text
	}
	if rec == nil {
		return nil, "", false, nil
	}
	return rec, raw, true, nil
}

func (e *Evaluator) handleRecordResponse(q dnsmsg.Question, msg dnsmsg.Message) Outcome {
	rec, raw, usable, err := parseRecordFromMessage(q, msg)
	if err != nil {
		return e.propagateFinal(PermError, "", err.Error())
	}
	idx := e.sideIndex(q.Type)
	other := 1 - idx
	e.sideRecord[idx], e.sideRaw[idx] = rec, raw

	if usable && e.sideRecord[other] != nil {
		if e.sideRaw[idx] != e.sideRaw[other] {
			return e.propagateFinal(PermError, "", ErrMultipleRecords.Error())
		}
		return e.installRecord(rec)
	}
	if usable {
		return e.installRecord(rec)
	}
	if e.pending[other].done {
		if e.sideRecord[other] != nil {
			return e.installRecord(e.sideRecord[other])
		}
		return e.noRecordFound()
	}
	return Outcome{} // WaitMore: the sibling SPF/TXT query hasn't answered yet
}

func (e *Evaluator) noRecordFound() Outcome {
	if e.nested {
		return e.propagateFinal(PermError, "", "no usable SPF record")
	}
	return e.propagateFinal(None, "no SPF record", "")
}

func (e *Evaluator) installRecord(rec *Record) Outcome {
	e.mechanisms = rec.Directives
	e.cursor = 0
	e.redirect = rec.Redirect
	e.explain = rec.Explanation
	return e.dispatchNext()
}

// --- mechanism dispatch loop ---

func (e *Evaluator) dispatchNext() Outcome {
	for e.cursor < len(e.mechanisms) {
		d := e.mechanisms[e.cursor]
		switch d.Mechanism {
		case "all":
			return e.propagateFinal(d.Qualifier.Result(), "matches default", "")
		case "ip4":
			if e.clientIsV4 && matchIP4(e.clientIP, d.IP, prefixOr(d.IP4Prefix, maxIP4Prefix)) {
				return e.propagateFinal(d.Qualifier.Result(), "matches "+d.String(), "")
			}
			e.cursor++
		case "ip6":
			if !e.clientIsV4 && matchIP6(e.clientIP, d.IP, prefixOr(d.IP6Prefix, maxIP6Prefix)) {
				return e.propagateFinal(d.Qualifier.Result(), "matches "+d.String(), "")
			}
			e.cursor++
		case "a", "mx", "ptr", "exists", "include":
			return e.dispatchDNSMechanism(d)
		default:
			return e.propagateFinal(PermError, "", fmt.Sprintf("unknown mechanism %q", d.Mechanism))
		}
	}
	return e.dispatchEndOfList()
}

func prefixOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func (e *Evaluator) dispatchEndOfList() Outcome {
	if e.redirect != "" {
		return e.beginRedirect()
	}
	return e.propagateFinal(Neutral, "default", "")
}

func (e *Evaluator) dispatchDNSMechanism(d Directive) Outcome {
	if e.budget <= 0 {
		return e.propagateFinal(PermError, "", ErrTooManyDNSLookups.Error())
	}
	if e.voidLookups > voidLookupsMax {
		return e.propagateFinal(PermError, "", ErrTooManyVoidLookups.Error())
	}

	host := e.domain
	if d.DomainSpec != "" {
		expanded, ok, err := e.expand(d.DomainSpec, false)
		if err != nil {
			return e.propagateFinal(PermError, "", err.Error())
		}
		if !ok {
			return e.beginPTR("", resumeMacroMechanism)
		}
		host = expanded
	}

	ascii, verr := ValidateDomain(host)
	if verr != nil {
		return e.propagateFinal(PermError, "", verr.Error())
	}
	host = ascii

	e.budget--
	switch d.Mechanism {
	case "a":
		return e.emitA(host)
	case "mx":
		return e.emitMX(host)
	case "ptr":
		return e.beginPTR(host, resumeMechanism)
	case "exists":
		return e.emitExists(host)
	case "include":
		return e.emitInclude(host, d.Qualifier)
	}
	panic("spf: unreachable mechanism " + d.Mechanism)
}

func (e *Evaluator) emitA(host string) Outcome {
	qtype := dnsmsg.TypeA
	if !e.clientIsV4 {
		qtype = dnsmsg.TypeAAAA
	}
	e.state = stateAwaitingA
	return e.emitSingle(dnsmsg.Question{Name: host, Type: qtype})
}

func (e *Evaluator) handleAResponse(msg dnsmsg.Message) Outcome {
	d := e.mechanisms[e.cursor]
	e.bumpVoidIfEmpty(msg)
	for _, ip := range addressesFrom(msg) {
		if e.ipMatches(ip, d) {
			return e.propagateFinal(d.Qualifier.Result(), "matches "+d.String(), "")
		}
	}
	e.cursor++
	return e.dispatchNext()
}

func (e *Evaluator) ipMatches(ip net.IP, d Directive) bool {
	if e.clientIsV4 {
		return matchIP4(e.clientIP, ip, prefixOr(d.IP4Prefix, maxIP4Prefix))
	}
	return matchIP6(e.clientIP, ip, prefixOr(d.IP6Prefix, maxIP6Prefix))
}

func (e *Evaluator) emitMX(host string) Outcome {
	e.state = stateAwaitingMX
	return e.emitSingle(dnsmsg.Question{Name: host, Type: dnsmsg.TypeMX})
}

func (e *Evaluator) handleMXResponse(msg dnsmsg.Message) Outcome {
	d := e.mechanisms[e.cursor]
	e.bumpVoidIfEmpty(msg)
	if msg != nil && msg.Rcode() == dnsmsg.RcodeSuccess {
		exchanges := 0
		for _, rr := range msg.Answer() {
			if rr.Type != dnsmsg.TypeMX {
				continue
			}
			exchanges++
			if exchanges > mxExchangeLimit {
				break
			}
			for _, add := range msg.Additional() {
				if !strings.EqualFold(add.Name, rr.Data) {
					continue
				}
				if ip := add.IP(); ip != nil && e.ipMatches(ip, d) {
					return e.propagateFinal(d.Qualifier.Result(), "matches "+d.String(), "")
				}
			}
		}
	}
	e.cursor++
	return e.dispatchNext()
}

func (e *Evaluator) emitExists(host string) Outcome {
	e.state = stateAwaitingExistsA
	return e.emitSingle(dnsmsg.Question{Name: host, Type: dnsmsg.TypeA})
}

func (e *Evaluator) handleExistsResponse(msg dnsmsg.Message) Outcome {
	d := e.mechanisms[e.cursor]
	matched := msg != nil && msg.Rcode() == dnsmsg.RcodeSuccess && len(msg.Answer()) > 0
	if !matched {
		e.bumpVoidIfEmpty(msg)
	}
	if matched {
		return e.propagateFinal(d.Qualifier.Result(), "exists "+d.String(), "")
	}
	e.cursor++
	return e.dispatchNext()
}

func (e *Evaluator) emitInclude(host string, qual Qualifier) Outcome {
	e.includeStack = append(e.includeStack, frame{
		domain:     e.domain,
		mechanisms: e.mechanisms,
		cursor:     e.cursor,
		redirect:   e.redirect,
		explain:    e.explain,
		qualifier:  qual,
	})
	e.domain = host
	e.mechanisms = nil
	e.cursor = 0
	e.redirect = ""
	e.explain = ""
	e.nested = true
	return e.emitRecordQuery()
}

func (e *Evaluator) beginRedirect() Outcome {
	if e.budget <= 0 {
		return e.propagateFinal(PermError, "", ErrTooManyDNSLookups.Error())
	}
	expanded, ok, err := e.expand(e.redirect, false)
	if err != nil {
		return e.propagateFinal(PermError, "", err.Error())
	}
	if !ok {
		return e.beginPTR("", resumeMacroRedirect)
	}
	ascii, verr := ValidateDomain(expanded)
	if verr != nil {
		return e.propagateFinal(PermError, "", verr.Error())
	}
	e.budget--
	e.domain = ascii
	e.mechanisms = nil
	e.cursor = 0
	e.redirect = ""
	e.explain = ""
	e.nested = true
	return e.emitRecordQuery()
}

// --- PTR sub-machine, shared by the "ptr" mechanism and the %{p} macro ---

func (e *Evaluator) beginPTR(domain string, resume resumeKind) Outcome {
	e.waitPTRDomain = domain
	e.waitResume = resume
	e.waitPTRCursor = 0
	if !e.ptr.loaded {
		q, err := e.ptr.reverseQuestion(e.clientIP)
		if err != nil {
			return e.propagateFinal(PermError, "", err.Error())
		}
		e.state = stateAwaitingPTRReverse
		return e.emitSingle(q)
	}
	return e.continuePTR()
}

func (e *Evaluator) continuePTR() Outcome {
	var order []string
	if e.waitResume == resumeMechanism {
		order = e.ptr.candidates(e.waitPTRDomain)
	} else {
		order = e.ptr.tieredForMacro(e.domain)
	}
	e.waitPTROrder = order
	for e.waitPTRCursor < len(order) {
		name := order[e.waitPTRCursor]
		if v, known := e.ptr.validated[name]; known {
			if v {
				return e.finishPTR(name)
			}
			e.waitPTRCursor++
			continue
		}
		qtype := dnsmsg.TypeA
		if !e.clientIsV4 {
			qtype = dnsmsg.TypeAAAA
		}
		e.state = stateAwaitingPTRForward
		return e.emitSingle(dnsmsg.Question{Name: name, Type: qtype})
	}
	return e.finishPTR("")
}

func (e *Evaluator) handlePTRForwardResponse(q dnsmsg.Question, msg dnsmsg.Message) Outcome {
	if msg != nil && msg.Rcode().Transient() {
		// Non-NOERROR/non-NXDOMAIN: abort this PTR round silently (spec §4.5).
		e.ptr.validated[q.Name] = false
		return e.finishPTR("")
	}
	matched := matchesIP(msg, e.clientIP)
	if !matched {
		e.bumpVoidIfEmpty(msg)
	}
	e.ptr.validated[q.Name] = matched
	if matched {
		return e.finishPTR(q.Name)
	}
	e.waitPTRCursor++
	return e.continuePTR()
}

func (e *Evaluator) finishPTR(name string) Outcome {
	switch e.waitResume {
	case resumeMechanism:
		d := e.mechanisms[e.cursor]
		if name != "" {
			return e.propagateFinal(d.Qualifier.Result(), "matches "+d.String(), "")
		}
		e.cursor++
		return e.dispatchNext()
	case resumeMacroMechanism:
		e.ptr.macroResult = &name
		return e.dispatchNext()
	case resumeMacroRedirect:
		e.ptr.macroResult = &name
		return e.beginRedirect()
	default:
		panic("spf: finishPTR with no resume kind")
	}
}

// --- final-result propagation (spec §4.6 "result-propagation loop") ---

func (e *Evaluator) propagateFinal(result Result, comment, problem string) Outcome {
	for {
		if len(e.includeStack) == 0 {
			return e.finalizeTop(result, comment, problem)
		}
		switch result {
		case TempError, PermError:
			return e.terminal(result, comment, problem)
		case None:
			return e.terminal(PermError, "", "no usable SPF record")
		}

		fr := e.popInclude()
		if result == Pass {
			result = fr.qualifier.Result()
			comment = "included"
			problem = ""
			continue
		}
		// Fail / SoftFail / Neutral inside the include: non-match, resume
		// scanning the outer mechanism list.
		e.cursor++
		return e.dispatchNext()
	}
}

func (e *Evaluator) popInclude() frame {
	fr := e.includeStack[len(e.includeStack)-1]
	e.includeStack = e.includeStack[:len(e.includeStack)-1]
	e.domain = fr.domain
	e.mechanisms = fr.mechanisms
	e.cursor = fr.cursor
	e.redirect = fr.redirect
	e.explain = fr.explain
	return fr
}

func (e *Evaluator) finalizeTop(result Result, comment, problem string) Outcome {
	if result == Fail && problem == "" && e.explain != "" {
		return e.beginExplain(comment)
	}
	return e.terminal(result, comment, problem)
}

func (e *Evaluator) terminal(result Result, comment, problem string) Outcome {
	e.state = stateDone
	return Outcome{Final: &FinalResult{Result: result, Comment: comment, Problem: problem}}
}

// --- explain mode ---

func (e *Evaluator) beginExplain(comment string) Outcome {
	expanded, ok, err := e.expand(e.explain, false)
	if err != nil || !ok {
		// Per §9 open questions: skip the explanation rather than suspend
		// into a fresh PTR round from inside explain mode.
		return e.terminal(Fail, comment, "")
	}
	ascii, verr := ValidateDomain(expanded)
	if verr != nil {
		return e.terminal(Fail, comment, "")
	}
	e.pendingComment = comment
	e.state = stateAwaitingExplainTXT
	return e.emitSingle(dnsmsg.Question{Name: ascii, Type: dnsmsg.TypeTXT})
}

func (e *Evaluator) handleExplainResponse(msg dnsmsg.Message) Outcome {
	comment := e.pendingComment
	if msg != nil && msg.Rcode() == dnsmsg.RcodeSuccess && len(msg.Answer()) > 0 {
		raw := msg.Answer()[0].Data
		expanded, ok, err := e.expand(raw, true)
		if err == nil && ok {
			comment = restrictPrintableASCII(expanded)
		}
	}
	return e.terminal(Fail, comment, "")
}
