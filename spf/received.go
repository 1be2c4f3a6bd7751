package spf

import (
	"fmt"
	"strings"
)

// Received holds the fields needed to render an RFC 7208 §4.1 Received-SPF
// header from a completed evaluation. The evaluator itself never builds
// one — it's an ambient "present a result" piece every SPF repo in the
// corpus ships next to the checker, not part of the Step contract.
type Received struct {
	Result       Result
	Comment      string
	Problem      string
	ClientIP     string
	EnvelopeFrom string
	Helo         string
	Receiver     string
	Identity     string // "mailfrom" or "helo"
}

// Header renders the Received-SPF header value (everything after the
// colon). The identity, helo and envelope-from values are quoted when they
// contain whitespace, parens, '"' or ';'. The problem value is written
// unquoted, with only '\' and ')' escaped.
func (r Received) Header() string {
	var b strings.Builder
	b.WriteString(string(r.Result))

	if r.Comment != "" {
		fmt.Fprintf(&b, " (%s: %s)", r.Receiver, quoteComment(r.Comment))
	}
	if r.Identity != "" {
		fmt.Fprintf(&b, " %s=%s", r.Identity, encodeHeaderValue(r.EnvelopeFrom))
	}
	if r.ClientIP != "" {
		fmt.Fprintf(&b, "; client-ip=%s", r.ClientIP)
	}
	if r.Helo != "" {
		fmt.Fprintf(&b, "; helo=%s", encodeHeaderValue(r.Helo))
	}
	if r.EnvelopeFrom != "" {
		fmt.Fprintf(&b, "; envelope-from=%s", encodeHeaderValue(r.EnvelopeFrom))
	}
	if r.Problem != "" {
		fmt.Fprintf(&b, "; problem=%s", quoteComment(r.Problem))
	}
	return b.String()
}

func quoteComment(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `)`, `\)`)
	return s
}

func encodeHeaderValue(s string) string {
	if strings.ContainsAny(s, " \t()\";") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
