// Command spfcheck evaluates the Sender Policy Framework for a single
// client IP and envelope, against real DNS.
//
//	spfcheck -ip 192.0.2.1 -from alice@example.com -helo mail.example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relaymint/spf/spf"
)

func main() {
	var (
		clientIP   = flag.String("ip", "", "client IP address (required)")
		mailFrom   = flag.String("from", "", "envelope sender, local@domain")
		helo       = flag.String("helo", "", "HELO/EHLO argument")
		myHostName = flag.String("myhostname", "", "receiver hostname, used for %{r} in exp text")
		receiver   = flag.String("receiver", "", "receiver domain for the Received-SPF header")
		nsList     = flag.String("ns", "", "comma-separated nameservers (host:port); default: system resolver")
		timeout    = flag.Duration("timeout", 5*time.Second, "per-query DNS timeout")
		retries    = flag.Int("retries", 2, "DNS query retries per nameserver")
	)
	flag.Parse()

	if *clientIP == "" {
		fmt.Fprintln(os.Stderr, "spfcheck: -ip is required")
		os.Exit(2)
	}

	var nameservers []string
	if *nsList != "" {
		nameservers = strings.Split(*nsList, ",")
	}
	res := newResolver(nameservers, *timeout, *retries)

	e, err := spf.New(spf.Args{
		ClientIP:   *clientIP,
		MailFrom:   *mailFrom,
		Helo:       *helo,
		MyHostName: *myHostName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "spfcheck: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	final := run(ctx, e, res)

	identity := "helo"
	if *mailFrom != "" {
		identity = "mailfrom"
	}
	header := spf.Received{
		Result:       final.Result,
		Comment:      final.Comment,
		Problem:      final.Problem,
		ClientIP:     *clientIP,
		EnvelopeFrom: *mailFrom,
		Helo:         *helo,
		Receiver:     *receiver,
		Identity:     identity,
	}
	fmt.Printf("%s\n", final.Result)
	fmt.Printf("Received-SPF: %s\n", header.Header())

	if final.Result == spf.PermError || final.Result == spf.TempError {
		os.Exit(1)
	}
}

// run drives e against res until a terminal result is produced.
func run(ctx context.Context, e *spf.Evaluator, res *resolver) spf.FinalResult {
	out := e.Step(nil)
	for {
		if out.IsFinal() {
			return *out.Final
		}
		if len(out.Queries) == 0 {
			return spf.FinalResult{Result: spf.TempError, Problem: "evaluator stalled"}
		}
		cbID := out.CallbackID
		var next spf.Outcome
		for _, q := range out.Queries {
			msg, failure := res.resolve(ctx, q)
			resp := &spf.Response{CallbackID: cbID, Question: q, Message: msg, Failure: failure}
			if result := e.Step(resp); !result.IsIgnored() {
				next = result
			}
		}
		out = next
	}
}
