package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/authority"
)

type LocalLog interface {
	ListLocal(ctx context.Context, dealID string) ([]Event, error)
}

type AuthorityLog interface {
	ListEvents(ctx context.Context, dealID string) ([]authority.Event, error)
	VerifyChain(ctx context.Context, dealID string) (*authority.RemoteVerification, error)
}

// Service reconciles the local chain with the authority's chain. Reads of
// the authority surface its unavailable/rejected classification unchanged so
// callers can distinguish a broken downstream from a broken chain.
type Service struct {
	Local     LocalLog
	Authority AuthorityLog
	Now       func() time.Time
}

func NewService(local LocalLog, authorityLog AuthorityLog) *Service {
	return &Service{Local: local, Authority: authorityLog, Now: time.Now}
}

type Timeline struct {
	DealID string  `json:"dealId"`
	Events []Event `json:"events"`
}

// SourceReport is the verification result for one chain on its own.
type SourceReport struct {
	Valid      bool    `json:"valid"`
	EventCount int     `json:"eventCount"`
	Issues     []Issue `json:"issues"`
}

// AuthorityReport extends SourceReport with the authority's own verifier
// output. Valid requires both this side's walk and the remote verifier to
// pass.
type AuthorityReport struct {
	Valid       bool    `json:"valid"`
	EventCount  int     `json:"eventCount"`
	Issues      []Issue `json:"issues"`
	TotalEvents int     `json:"totalEvents"`
}

// Report is the full verification result for a deal. OverallValid is the
// logical AND of both per-source verdicts; a corrupt local chain says
// nothing about the authority chain and vice versa.
type Report struct {
	DealID       string          `json:"dealId"`
	OverallValid bool            `json:"overallValid"`
	Local        SourceReport    `json:"local"`
	Authority    AuthorityReport `json:"authority"`
	VerifiedAt   time.Time       `json:"verifiedAt"`
}

// Export is a self-contained snapshot of both chains plus the verification
// report taken at export time, suitable for offline re-verification.
type Export struct {
	DealID          string    `json:"dealId"`
	ExportedAt      time.Time `json:"exportedAt"`
	Report          *Report   `json:"report"`
	LocalEvents     []Event   `json:"localEvents"`
	AuthorityEvents []Event   `json:"authorityEvents"`
}

// Timeline merges both chains into one display ordering.
func (s *Service) Timeline(ctx context.Context, dealID string) (*Timeline, error) {
	local, remote, err := s.bothChains(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return &Timeline{DealID: dealID, Events: Merge(local, remote)}, nil
}

// VerificationReport walks both chains independently and folds in the
// authority's self-verification.
func (s *Service) VerificationReport(ctx context.Context, dealID string) (*Report, error) {
	local, remote, err := s.bothChains(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return s.buildReport(ctx, dealID, local, remote)
}

func (s *Service) buildReport(ctx context.Context, dealID string, local, remote []Event) (*Report, error) {
	remoteVerdict, err := s.Authority.VerifyChain(ctx, dealID)
	if err != nil {
		return nil, err
	}

	localIssues := VerifyChain(local)
	authorityIssues := VerifyChain(remote)
	for _, issue := range remoteVerdict.Issues {
		authorityIssues = append(authorityIssues, Issue{SequenceNumber: issue.SequenceNumber, Problem: issue.Problem})
	}

	report := &Report{
		DealID: dealID,
		Local: SourceReport{
			Valid:      len(localIssues) == 0,
			EventCount: len(local),
			Issues:     localIssues,
		},
		Authority: AuthorityReport{
			Valid:       len(authorityIssues) == 0 && remoteVerdict.Valid,
			EventCount:  len(remote),
			Issues:      authorityIssues,
			TotalEvents: remoteVerdict.TotalEvents,
		},
		VerifiedAt: s.now(),
	}
	report.OverallValid = report.Local.Valid && report.Authority.Valid
	return report, nil
}

// Export snapshots both chains together with the report the server produced
// at export time, so an offline recheck can be compared against what the
// server believed when the bundle was cut.
func (s *Service) Export(ctx context.Context, dealID string) (*Export, error) {
	local, remote, err := s.bothChains(ctx, dealID)
	if err != nil {
		return nil, err
	}
	report, err := s.buildReport(ctx, dealID, local, remote)
	if err != nil {
		return nil, err
	}
	if local == nil {
		local = []Event{}
	}
	if remote == nil {
		remote = []Event{}
	}
	return &Export{
		DealID:          dealID,
		ExportedAt:      s.now(),
		Report:          report,
		LocalEvents:     local,
		AuthorityEvents: remote,
	}, nil
}

func (s *Service) bothChains(ctx context.Context, dealID string) (local, remote []Event, err error) {
	local, err = s.Local.ListLocal(ctx, dealID)
	if err != nil {
		return nil, nil, fmt.Errorf("list local audit events: %w", err)
	}
	remoteEvents, err := s.Authority.ListEvents(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}
	return local, FromAuthority(remoteEvents), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
