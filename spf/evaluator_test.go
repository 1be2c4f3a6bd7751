package spf

import (
	"net"
	"strings"
	"testing"

	"github.com/relaymint/spf/spf/dnsmsg"
	"github.com/relaymint/spf/spf/dnstest"
)

// runToFinal drives e against auth until a terminal Outcome is produced.
func runToFinal(t *testing.T, e *Evaluator, auth *dnstest.Authority) FinalResult {
	t.Helper()
	out := e.Step(nil)
	for i := 0; i < 200; i++ {
		if out.IsFinal() {
			return *out.Final
		}
		if len(out.Queries) == 0 {
			t.Fatal("evaluator stalled: no queries and no final result")
		}
		cbID := out.CallbackID
		var next Outcome
		haveNext := false
		for _, q := range out.Queries {
			msg, failure := auth.Respond(q)
			resp := &Response{CallbackID: cbID, Question: q}
			if failure != nil {
				resp.Failure = failure
			} else {
				resp.Message = msg
			}
			result := e.Step(resp)
			if !result.IsIgnored() {
				next, haveNext = result, true
			}
		}
		if !haveNext {
			t.Fatal("batch of responses produced no progress")
		}
		out = next
	}
	t.Fatal("evaluator did not terminate within step budget")
	panic("unreachable")
}

func TestScenarioS1PassViaIP4(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("example.com", "v=spf1 ip4:192.0.2.0/24 -all")

	e, err := New(Args{ClientIP: "192.0.2.17", MailFrom: "alice@example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Pass {
		t.Fatalf("Result = %v, want Pass", got.Result)
	}
	if !strings.Contains(got.Comment, "matches ip4:192.0.2.0/24") {
		t.Errorf("Comment = %q, want to contain %q", got.Comment, "matches ip4:192.0.2.0/24")
	}
}

func TestScenarioS2FailViaAllWithExplain(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("example.com", "v=spf1 ip4:192.0.2.0/24 -all exp=why.example.com")
	auth.SetTXT("why.example.com", "Nope %{s}")

	e, err := New(Args{ClientIP: "198.51.100.9", MailFrom: "alice@example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Fail {
		t.Fatalf("Result = %v, want Fail", got.Result)
	}
	if got.Comment != "Nope alice@example.com" {
		t.Errorf("Comment = %q, want %q", got.Comment, "Nope alice@example.com")
	}
}

func TestScenarioS2FailWithoutExplain(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("example.com", "v=spf1 ip4:192.0.2.0/24 -all")

	e, err := New(Args{ClientIP: "198.51.100.9", MailFrom: "alice@example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Fail {
		t.Fatalf("Result = %v, want Fail", got.Result)
	}
}

func TestScenarioS3RedirectChain(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 redirect=b.test")
	auth.SetTXT("b.test", "v=spf1 ip4:203.0.113.5 -all")

	e, err := New(Args{ClientIP: "203.0.113.5", MailFrom: "bob@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Pass {
		t.Fatalf("Result = %v, want Pass", got.Result)
	}
	if e.budget != dnsRequestsMax-1 {
		t.Errorf("budget = %d, want %d (one redirect)", e.budget, dnsRequestsMax-1)
	}
}

func TestScenarioS4IncludePromotesQualifier(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 include:b.test -all")
	auth.SetTXT("b.test", "v=spf1 ip4:10.0.0.1 ~all")

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "carol@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Pass {
		t.Fatalf("Result = %v, want Pass", got.Result)
	}
}

func TestScenarioS5IncludeNoneBecomesPermError(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 include:nosuch.test -all")

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "carol@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != PermError {
		t.Fatalf("Result = %v, want PermError", got.Result)
	}
}

func TestScenarioS6BudgetExhaustion(t *testing.T) {
	auth := dnstest.NewAuthority()
	var mechs []string
	for i := 0; i < 11; i++ {
		host := "h" + string(rune('a'+i)) + ".test"
		mechs = append(mechs, "a:"+host)
		auth.SetA(host, "192.0.2.1")
	}
	auth.SetTXT("a.test", "v=spf1 "+strings.Join(mechs, " ")+" -all")

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "dave@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != PermError {
		t.Fatalf("Result = %v, want PermError", got.Result)
	}
	if got.Problem != "Number of DNS mechanism exceeded" {
		t.Errorf("Problem = %q, want %q", got.Problem, "Number of DNS mechanism exceeded")
	}
}

func TestScenarioS7TwoSPFRecords(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 -all", "v=spf1 +all")

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "erin@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != PermError {
		t.Fatalf("Result = %v, want PermError", got.Result)
	}
	if got.Problem != "multiple SPF records" {
		t.Errorf("Problem = %q, want %q", got.Problem, "multiple SPF records")
	}
}

func TestNoRecordIsNoneAtTopLevel(t *testing.T) {
	auth := dnstest.NewAuthority()

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "frank@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != None {
		t.Fatalf("Result = %v, want None", got.Result)
	}
}

func TestUnknownModifiersOnlyRecordIsNeutral(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 op=custom.example.com")

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "grace@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Neutral {
		t.Fatalf("Result = %v, want Neutral", got.Result)
	}
}

func TestMXMechanismMatchesGluedAddress(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 mx -all")
	auth.AddMX("a.test", 10, "mail.a.test")
	auth.SetA("mail.a.test", "192.0.2.50")

	e, err := New(Args{ClientIP: "192.0.2.50", MailFrom: "heidi@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Pass {
		t.Fatalf("Result = %v, want Pass", got.Result)
	}
}

func TestExistsMechanism(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 exists:%{i}.spf.a.test -all")
	auth.SetA("10.0.0.1.spf.a.test", "127.0.0.2")

	e, err := New(Args{ClientIP: "10.0.0.1", MailFrom: "ivan@a.test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Pass {
		t.Fatalf("Result = %v, want Pass", got.Result)
	}
}

func TestPTRMechanism(t *testing.T) {
	auth := dnstest.NewAuthority()
	auth.SetTXT("a.test", "v=spf1 ptr -all")
	rev, err := dnsmsg.ReverseName(net.ParseIP("192.0.2.9"))
	if err != nil {
		t.Fatalf("ReverseName: %v", err)
	}
	auth.SetPTR(rev, "mail.a.test")
	auth.SetA("mail.a.test", "192.0.2.9")

	e, err2 := New(Args{ClientIP: "192.0.2.9", MailFrom: "judy@a.test"})
	if err2 != nil {
		t.Fatalf("New: %v", err2)
	}
	got := runToFinal(t, e, auth)
	if got.Result != Pass {
		t.Fatalf("Result = %v, want Pass", got.Result)
	}
}
