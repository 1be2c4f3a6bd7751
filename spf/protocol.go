package spf

import (
	cryptorand "crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaymint/spf/spf/dnsmsg"
)

// CallbackID is the token echoed between Step calls to pair outbound
// queries with inbound responses and reject stale ones (spec §3 invariant
// 3). It is minted from a monotonic ULID source rather than a shared
// counter, so the sequence is strictly ordered within one evaluation and
// collision-free across evaluations without any coordination.
type CallbackID = ulid.ULID

// Query is one outbound DNS question the caller must resolve and feed back
// via Response.
type Query = dnsmsg.Question

// Response is fed into Step after the caller resolves a Query. Exactly one
// of Message or Failure should be set; Message wins if both are.
type Response struct {
	CallbackID CallbackID
	Question   dnsmsg.Question
	Message    dnsmsg.Message
	Failure    *dnsmsg.Failure
}

type pendingQuery struct {
	question dnsmsg.Question
	done     bool
}

func newIDSource() *ulid.MonotonicEntropy {
	return ulid.Monotonic(cryptorand.Reader, 0)
}

func (e *Evaluator) nextCallbackID() CallbackID {
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.idSource)
}
