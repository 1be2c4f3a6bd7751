package spf

import "testing"

func TestParseRecordIgnoresNonSPFText(t *testing.T) {
	rec, isSPF, err := ParseRecord("google-site-verification=abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isSPF {
		t.Error("non-v=spf1 TXT should not be recognized as SPF")
	}
	if rec != nil {
		t.Error("rec should be nil when isSPF is false")
	}
}

func TestParseRecordBasic(t *testing.T) {
	rec, isSPF, err := ParseRecord("v=spf1 ip4:192.0.2.0/24 a mx:mail.example.com -all")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if !isSPF {
		t.Fatal("expected isSPF")
	}
	if len(rec.Directives) != 4 {
		t.Fatalf("got %d directives, want 4", len(rec.Directives))
	}
	if rec.Directives[0].Mechanism != "ip4" || *rec.Directives[0].IP4Prefix != 24 {
		t.Errorf("directive 0 = %+v", rec.Directives[0])
	}
	if rec.Directives[3].Mechanism != "all" || rec.Directives[3].Qualifier != QualFail {
		t.Errorf("directive 3 = %+v", rec.Directives[3])
	}
}

func TestParseRecordRedirectAndExp(t *testing.T) {
	rec, _, err := ParseRecord("v=spf1 redirect=_spf.example.com exp=why.example.com")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if rec.Redirect != "_spf.example.com" {
		t.Errorf("Redirect = %q", rec.Redirect)
	}
	if rec.Explanation != "why.example.com" {
		t.Errorf("Explanation = %q", rec.Explanation)
	}
}

func TestParseRecordDuplicateModifierFails(t *testing.T) {
	_, _, err := ParseRecord("v=spf1 redirect=a.example.com redirect=b.example.com")
	if err == nil {
		t.Error("expected duplicate redirect to fail")
	}
}

func TestParseRecordUnknownModifierKeptButIgnored(t *testing.T) {
	rec, _, err := ParseRecord("v=spf1 ptr op=custom.example.com")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if len(rec.Unknown) != 1 || rec.Unknown[0].Name != "op" || rec.Unknown[0].Value != "custom.example.com" {
		t.Errorf("Unknown = %+v", rec.Unknown)
	}
}

func TestParseRecordUnknownMechanismFails(t *testing.T) {
	_, _, err := ParseRecord("v=spf1 bogus:thing -all")
	if err == nil {
		t.Error("expected unknown mechanism to fail")
	}
}

func TestParseRecordExistsRequiresDomain(t *testing.T) {
	_, _, err := ParseRecord("v=spf1 exists -all")
	if err == nil {
		t.Error("expected exists with no domain to fail")
	}
}

func TestParseRecordAWithBothPrefixes(t *testing.T) {
	rec, _, err := ParseRecord("v=spf1 a:mail.example.com/24//64 -all")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	d := rec.Directives[0]
	if d.DomainSpec != "mail.example.com" || *d.IP4Prefix != 24 || *d.IP6Prefix != 64 {
		t.Errorf("directive = %+v", d)
	}
}

func TestParseRecordIP6WrongFamilySkipped(t *testing.T) {
	// An IPv6 literal given to the ip4 mechanism is silently dropped at
	// parse time rather than failing the whole record.
	rec, _, err := ParseRecord("v=spf1 ip4:2001:db8::1 -all")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if len(rec.Directives) != 1 || rec.Directives[0].Mechanism != "all" {
		t.Fatalf("expected only the all directive to survive, got %+v", rec.Directives)
	}
}

func TestParseRecordMalformedMacroFails(t *testing.T) {
	_, _, err := ParseRecord("v=spf1 exists:%{x}.example.com -all")
	if err == nil {
		t.Error("expected invalid macro letter to fail parsing")
	}
}
