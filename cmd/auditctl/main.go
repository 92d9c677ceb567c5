package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/audit"
)

const usage = "usage: auditctl verify --export <path>"

type taggedIssue struct {
	Source         audit.Source `json:"source"`
	SequenceNumber int64        `json:"sequenceNumber"`
	Problem        string       `json:"problem"`
}

type summary struct {
	Status            string        `json:"status"`
	DealID            string        `json:"dealId,omitempty"`
	LocalEvents       int           `json:"localEvents"`
	AuthorityEvents   int           `json:"authorityEvents"`
	Issues            []taggedIssue `json:"issues,omitempty"`
	ServerReportValid *bool         `json:"serverReportValid,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	TimestampUTC      string        `json:"timestampUtc"`
}

func main() {
	if len(os.Args) < 2 {
		fail(usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "verify":
		runVerify(os.Args[2:])
	default:
		fail(usage)
		os.Exit(2)
	}
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	exportPath := fs.String("export", "", "path to an audit export json file")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*exportPath) == "" {
		fail("--export is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*exportPath)
	if err != nil {
		fail("read export failed: " + err.Error())
		os.Exit(1)
	}
	var export audit.Export
	if err := json.Unmarshal(raw, &export); err != nil {
		fail("decode export failed: " + err.Error())
		os.Exit(1)
	}

	issues := verifyExport(export)
	out := summary{
		Status:          "PASS",
		DealID:          export.DealID,
		LocalEvents:     len(export.LocalEvents),
		AuthorityEvents: len(export.AuthorityEvents),
		Issues:          issues,
		TimestampUTC:    time.Now().UTC().Format(time.RFC3339),
	}
	if export.Report != nil {
		v := export.Report.OverallValid
		out.ServerReportValid = &v
	}
	if len(issues) > 0 {
		out.Status = "FAIL"
		emit(out)
		os.Exit(1)
	}
	emit(out)
}

// verifyExport walks both chains for linkage and sequencing, then recomputes
// every local event's content hash from the exported fields. Authority hashes
// are opaque to this tool and only checked for linkage.
func verifyExport(export audit.Export) []taggedIssue {
	issues := []taggedIssue{}
	for _, iss := range audit.VerifyChain(export.LocalEvents) {
		issues = append(issues, taggedIssue{Source: audit.SourceLocal, SequenceNumber: iss.SequenceNumber, Problem: iss.Problem})
	}
	for _, iss := range recomputeLocalHashes(export.DealID, export.LocalEvents) {
		issues = append(issues, taggedIssue{Source: audit.SourceLocal, SequenceNumber: iss.SequenceNumber, Problem: iss.Problem})
	}
	for _, iss := range audit.VerifyChain(export.AuthorityEvents) {
		issues = append(issues, taggedIssue{Source: audit.SourceAuthority, SequenceNumber: iss.SequenceNumber, Problem: iss.Problem})
	}
	return issues
}

func recomputeLocalHashes(dealID string, events []audit.Event) []audit.Issue {
	issues := []audit.Issue{}
	for _, e := range events {
		want, err := audit.ComputeLocalEventHash(dealID, e.Sequence, e.Type, e.ActorID, e.Payload, e.PreviousHash, e.OccurredAt)
		if err != nil {
			issues = append(issues, audit.Issue{SequenceNumber: e.Sequence, Problem: "hash recompute failed: " + err.Error()})
			continue
		}
		if want != e.Hash {
			issues = append(issues, audit.Issue{SequenceNumber: e.Sequence, Problem: "stored hash does not match recomputed content hash"})
		}
	}
	return issues
}

func emit(s summary) {
	b, _ := json.Marshal(s)
	fmt.Println(string(b))
}

func fail(reason string) {
	emit(summary{
		Status:       "FAIL",
		Reason:       reason,
		TimestampUTC: time.Now().UTC().Format(time.RFC3339),
	})
}
