package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Qualifier is the prefix on an SPF mechanism controlling the Result it
// yields on a match. The zero value is the default, "+".
type Qualifier byte

const (
	QualPass     Qualifier = '+'
	QualFail     Qualifier = '-'
	QualSoftFail Qualifier = '~'
	QualNeutral  Qualifier = '?'
)

// Result maps q to the Result a matching mechanism produces.
func (q Qualifier) Result() Result {
	switch q {
	case QualFail:
		return Fail
	case QualSoftFail:
		return SoftFail
	case QualNeutral:
		return Neutral
	default:
		return Pass
	}
}

// String renders the qualifier the way it appears in a record: the
// default "+" is always implicit and omitted, matching conventional SPF
// record notation ("ip4:..." rather than "+ip4:...").
func (q Qualifier) String() string {
	if q == 0 || q == QualPass {
		return ""
	}
	return string([]byte{byte(q)})
}

// Directive is one mechanism token from a record, in textual order.
type Directive struct {
	Qualifier  Qualifier
	Mechanism  string // "all", "ip4", "ip6", "a", "mx", "ptr", "exists", "include"
	DomainSpec string // raw domain-spec (may contain macros); empty when the mechanism has no domain argument
	IP         net.IP // ip4/ip6 only
	IP4Prefix  *int   // a/mx/ip4 only
	IP6Prefix  *int   // a/mx/ip6 only
}

func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Qualifier.String())
	b.WriteString(d.Mechanism)
	switch d.Mechanism {
	case "ip4", "ip6":
		b.WriteByte(':')
		b.WriteString(d.IP.String())
	case "a", "mx":
		if d.DomainSpec != "" {
			b.WriteByte(':')
			b.WriteString(d.DomainSpec)
		}
	case "ptr", "exists", "include":
		if d.DomainSpec != "" {
			b.WriteByte(':')
			b.WriteString(d.DomainSpec)
		}
	}
	if d.IP4Prefix != nil {
		fmt.Fprintf(&b, "/%d", *d.IP4Prefix)
	}
	if d.IP6Prefix != nil {
		fmt.Fprintf(&b, "//%d", *d.IP6Prefix)
	}
	return b.String()
}

// Modifier is a "name=macro-string" token other than redirect/exp.
type Modifier struct {
	Name  string
	Value string
}

// Record is one parsed v=spf1 record.
type Record struct {
	Directives  []Directive
	Redirect    string // domain-spec, empty if absent
	Explanation string // domain-spec, empty if absent
	Unknown     []Modifier
}

// ParseRecord parses text as an SPF record. isSPF reports whether text
// begins with the case-insensitive "v=spf1" prefix at all; a TXT value that
// isn't an SPF record (isSPF == false) is not a parse error, it's simply
// ignored by the caller scanning a TXT RRset for the one that matters.
func ParseRecord(text string) (rec *Record, isSPF bool, err error) {
	const prefix = "v=spf1"
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return nil, false, nil
	}
	if len(text) > len(prefix) && text[len(prefix)] != ' ' {
		// "v=spf1foo" is not this record; something else happens to share
		// the prefix.
		return nil, false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(parseError); ok {
				err = pe.err
				return
			}
			panic(r)
		}
	}()

	p := &parser{toks: strings.Fields(text[len(prefix):])}
	rec = &Record{}
	for _, tok := range p.toks {
		p.parseToken(rec, tok)
	}
	return rec, true, nil
}

type parseError struct{ err error }

func (p *parser) fail(format string, args ...any) {
	panic(parseError{fmt.Errorf("%w: "+format, append([]any{ErrRecordSyntax}, args...)...)})
}

type parser struct {
	toks []string
}

func (p *parser) parseToken(rec *Record, tok string) {
	if name, val, ok := cutModifier(tok); ok {
		p.parseModifier(rec, name, val)
		return
	}
	p.parseMechanism(rec, tok)
}

// cutModifier splits "name=value" from a mechanism token. A mechanism's
// argument may itself contain '=' (a macro delimiter, as in "%{l=}"), so
// '=' marks a modifier only when no ':' or '/' comes before it.
func cutModifier(tok string) (name, value string, ok bool) {
	i := strings.IndexByte(tok, '=')
	if i < 0 || strings.ContainsAny(tok[:i], ":/") {
		return "", "", false
	}
	return tok[:i], tok[i+1:], true
}

func (p *parser) parseModifier(rec *Record, name, value string) {
	if err := ValidateMacroString(value); err != nil {
		p.fail("%s=%s: %v", name, value, err)
	}
	if err := validateMacroGrammar(value); err != nil {
		p.fail("%s=%s: %v", name, value, err)
	}
	switch strings.ToLower(name) {
	case "redirect":
		if rec.Redirect != "" {
			p.fail("duplicate redirect modifier")
		}
		rec.Redirect = value
	case "exp":
		if rec.Explanation != "" {
			p.fail("duplicate exp modifier")
		}
		rec.Explanation = value
	default:
		rec.Unknown = append(rec.Unknown, Modifier{Name: name, Value: value})
	}
}

var mechanismNames = map[string]bool{
	"all": true, "ip4": true, "ip6": true, "a": true, "mx": true,
	"ptr": true, "exists": true, "include": true,
}

func (p *parser) parseMechanism(rec *Record, tok string) {
	qual := QualPass
	switch tok[0] {
	case '+', '-', '~', '?':
		qual = Qualifier(tok[0])
		tok = tok[1:]
	}
	if tok == "" {
		p.fail("empty mechanism token")
	}

	name, arg, hasArg := tok, "", false
	if i := strings.IndexByte(tok, ':'); i >= 0 {
		name, arg, hasArg = tok[:i], tok[i+1:], true
	} else if i := strings.IndexByte(tok, '/'); i >= 0 {
		name, arg, hasArg = tok[:i], tok[i:], true // a/mx with prefix but no domain: "a/24"
	}
	name = strings.ToLower(name)
	if !mechanismNames[name] {
		p.fail("unknown mechanism %q", name)
	}

	d := Directive{Qualifier: qual, Mechanism: name}
	switch name {
	case "all":
		if hasArg {
			p.fail("all takes no argument")
		}
	case "ip4":
		d.IP, d.IP4Prefix = p.parseIPArg(arg, false)
		if d.IP == nil {
			return // literal is not an IPv4 address; mechanism silently dropped at parse time
		}
	case "ip6":
		d.IP, d.IP6Prefix = p.parseIPArg(arg, true)
		if d.IP == nil {
			return
		}
	case "a", "mx":
		domain, v4, v6 := p.parseDomainAndPrefixes(arg)
		d.DomainSpec, d.IP4Prefix, d.IP6Prefix = domain, v4, v6
	case "ptr":
		d.DomainSpec = p.parseOptionalDomain(arg)
	case "exists", "include":
		if !hasArg || arg == "" {
			p.fail("%s requires a domain", name)
		}
		d.DomainSpec = p.xdomainSpec(arg)
	}
	rec.Directives = append(rec.Directives, d)
}

// parseIPArg parses "addr[/plen]" for ip4/ip6. It returns a nil IP (not an
// error) when the literal's address family doesn't match wantV6, signalling the caller to
// silently drop the mechanism per spec §4.3.
func (p *parser) parseIPArg(arg string, wantV6 bool) (net.IP, *int) {
	addrPart, plenPart := arg, ""
	if i := strings.IndexByte(arg, '/'); i >= 0 {
		addrPart, plenPart = arg[:i], arg[i+1:]
	}
	ip := net.ParseIP(addrPart)
	if ip == nil {
		p.fail("invalid IP address %q", addrPart)
	}
	isV6 := ip.To4() == nil
	if isV6 != wantV6 {
		return nil, nil
	}
	maxPrefix := maxIP4Prefix
	if wantV6 {
		maxPrefix = maxIP6Prefix
	}
	plen := maxPrefix
	if plenPart != "" {
		plen = p.parsePrefixLen(plenPart, maxPrefix)
	}
	return ip, &plen
}

func (p *parser) parsePrefixLen(s string, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		p.fail("invalid prefix length %q", s)
	}
	return n
}

// parseDomainAndPrefixes handles the a/mx argument grammar:
// [":" domain] ["/" v4plen] ["//" v6plen].
func (p *parser) parseDomainAndPrefixes(arg string) (domain string, v4, v6 *int) {
	if arg == "" {
		return "", nil, nil
	}
	rest := arg
	if rest[0] != '/' {
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return p.xdomainSpec(rest), nil, nil
		}
		domain = p.xdomainSpec(rest[:i])
		rest = rest[i:]
	}
	for len(rest) > 0 {
		if strings.HasPrefix(rest, "//") {
			rest = rest[2:]
			i := strings.IndexByte(rest, '/')
			var tok string
			if i < 0 {
				tok, rest = rest, ""
			} else {
				tok, rest = rest[:i], rest[i:]
			}
			n := p.parsePrefixLen(tok, maxIP6Prefix)
			v6 = &n
			continue
		}
		if rest[0] == '/' {
			rest = rest[1:]
			i := strings.IndexByte(rest, '/')
			var tok string
			if i < 0 {
				tok, rest = rest, ""
			} else {
				tok, rest = rest[:i], rest[i:]
			}
			n := p.parsePrefixLen(tok, maxIP4Prefix)
			v4 = &n
			continue
		}
		p.fail("malformed prefix-length suffix %q", rest)
	}
	return domain, v4, v6
}

func (p *parser) parseOptionalDomain(arg string) string {
	if arg == "" {
		return ""
	}
	return p.xdomainSpec(arg)
}

// xdomainSpec validates a raw domain-spec token (possibly containing
// macros) via C2 and returns it unchanged for later expansion.
func (p *parser) xdomainSpec(s string) string {
	if s == "" {
		p.fail("empty domain-spec")
	}
	if err := validateMacroGrammar(s); err != nil {
		p.fail("%v", err)
	}
	if err := ValidateMacroString(s); err != nil {
		p.fail("%v", err)
	}
	return s
}
