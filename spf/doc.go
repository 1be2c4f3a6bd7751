// Package spf implements an iterative Sender Policy Framework evaluator
// (RFC 7208). The evaluator never performs DNS I/O itself: it is driven by
// repeated calls to (*Evaluator).Step, which either emits DNS Query
// descriptors for the caller to resolve or returns a final Result.
//
// A typical driver loop:
//
//	e, _ := spf.New(spf.Args{ClientIP: "192.0.2.1", MailFrom: "alice@example.com"})
//	out := e.Step(nil)
//	for !out.IsFinal() {
//		resp := resolve(out.Queries, out.CallbackID) // caller-owned DNS
//		out = e.Step(resp)
//	}
//	fmt.Println(out.Final.Result, out.Final.Comment)
//
// See cmd/spfcheck for a complete driver against a real resolver, and
// spf/dnstest for driving Step without a network in tests.
package spf
