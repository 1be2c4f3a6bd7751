package spf

import "errors"

// Sentinel errors for the parser, macro expander and domain validator.
// Step() never returns these directly — it folds them into a PermError and
// carries the message as the problem string, the way the teacher's
// evaluate() wraps d.MechanismString() around a sentinel. An invalid initial
// domain is the exception: it yields None with no problem string.
var (
	ErrRecordSyntax      = errors.New("spf: malformed record")
	ErrInvalidMechanism  = errors.New("spf: invalid mechanism")
	ErrInvalidModifier   = errors.New("spf: invalid modifier")
	ErrDuplicateModifier = errors.New("spf: duplicate modifier")
	ErrMacroSyntax       = errors.New("spf: malformed macro")
	ErrInvalidDomain     = errors.New("spf: invalid domain name")
	// These three are deliberately not prefixed, so their text is usable as
	// the problem string as is. The first and the third are part of the
	// external contract (S6/S7 in the testable-properties table).
	ErrTooManyDNSLookups  = errors.New("Number of DNS mechanism exceeded")
	ErrTooManyVoidLookups = errors.New("Number of void lookups exceeded")
	ErrMultipleRecords    = errors.New("multiple SPF records")
)
