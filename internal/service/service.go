// Package service composes repository calls into console operations.
package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"lockbridge/internal/domain"
)

const defaultScanLimit = 4

type MachineSource interface {
	GetAll(ctx context.Context, searchBase string) ([]domain.Machine, error)
	Scan(ctx context.Context, hostname, outputDir string) (domain.ScanResult, error)
}

type ADSource interface {
	Groups(ctx context.Context, nameFilter string) ([]domain.ADGroup, error)
	Members(ctx context.Context, group string) ([]domain.ADMember, error)
	AddToGroup(ctx context.Context, user, group string) (domain.GroupChange, error)
	RemoveFromGroup(ctx context.Context, user, group string) (domain.GroupChange, error)
}

type EventSource interface {
	List(ctx context.Context, hostname string, maxEvents int) ([]domain.AuditEvent, error)
	Backup(ctx context.Context, hostname, outputPath string) (domain.EventBackup, error)
}

type PolicySource interface {
	Get(ctx context.Context, source string) (domain.PolicySnapshot, error)
	Deploy(ctx context.Context, gpoName, policyPath, mode string) (domain.DeployResult, error)
	GenerateRules(ctx context.Context, scanPath, ruleType, outputPath string) (domain.GeneratedRules, error)
}

type ComplianceSource interface {
	Collect(ctx context.Context, outputDir string) (domain.ComplianceArtifacts, error)
}

// MachineFilter narrows a machine listing. Empty fields match everything.
type MachineFilter struct {
	SearchBase string
	// OU matches machines in the unit or any unit nested below it.
	OU         string
	OS         string
	NamePrefix string
}

func (f MachineFilter) match(m domain.Machine) bool {
	if f.OU != "" {
		ou := strings.ToLower(m.OU())
		want := strings.ToLower(f.OU)
		if ou != want && !strings.HasSuffix(ou, ","+want) {
			return false
		}
	}
	if f.OS != "" && !strings.Contains(strings.ToLower(m.OperatingSystem), strings.ToLower(f.OS)) {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(m.Hostname), strings.ToLower(f.NamePrefix)) {
		return false
	}
	return true
}

type MachineService struct {
	Machines MachineSource
	// ScanLimit bounds concurrent scans; zero uses a small default.
	ScanLimit int
}

func (s MachineService) List(ctx context.Context, f MachineFilter) ([]domain.Machine, error) {
	all, err := s.Machines.GetAll(ctx, f.SearchBase)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Machine, 0, len(all))
	for _, m := range all {
		if f.match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ScanAll scans every distinct host. Results keep the order of hosts; the
// first failure cancels the remaining scans and is returned.
func (s MachineService) ScanAll(ctx context.Context, hosts []string, outputDir string) ([]domain.ScanResult, error) {
	hosts = distinct(hosts)
	limit := s.ScanLimit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	results := make([]domain.ScanResult, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, host := range hosts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.Machines.Scan(gctx, host, outputDir)
			if err != nil {
				return fmt.Errorf("scan %s: %w", host, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func distinct(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

type ADService struct {
	AD ADSource
}

func (s ADService) ListGroups(ctx context.Context, nameFilter string) ([]domain.ADGroup, error) {
	return s.AD.Groups(ctx, nameFilter)
}

func (s ADService) Members(ctx context.Context, group string) ([]domain.ADMember, error) {
	return s.AD.Members(ctx, group)
}

// AddMembers adds users one at a time and stops at the first failure. The
// changes applied before the failure are returned with the error.
func (s ADService) AddMembers(ctx context.Context, group string, users []string) ([]domain.GroupChange, error) {
	return s.apply(ctx, group, users, s.AD.AddToGroup)
}

func (s ADService) RemoveMembers(ctx context.Context, group string, users []string) ([]domain.GroupChange, error) {
	return s.apply(ctx, group, users, s.AD.RemoveFromGroup)
}

func (s ADService) apply(ctx context.Context, group string, users []string, op func(context.Context, string, string) (domain.GroupChange, error)) ([]domain.GroupChange, error) {
	changes := make([]domain.GroupChange, 0, len(users))
	for _, user := range distinct(users) {
		change, err := op(ctx, user, group)
		if err != nil {
			return changes, fmt.Errorf("member %s: %w", user, err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// EventQuery selects AppLocker events. Empty IDs keeps every event.
type EventQuery struct {
	Hostname  string
	MaxEvents int
	IDs       []int
}

type EventService struct {
	Events EventSource
}

func (s EventService) List(ctx context.Context, q EventQuery) ([]domain.AuditEvent, error) {
	events, err := s.Events.List(ctx, q.Hostname, q.MaxEvents)
	if err != nil {
		return nil, err
	}
	return FilterEvents(events, q.IDs...), nil
}

func (s EventService) Blocked(ctx context.Context, hostname string, maxEvents int) ([]domain.AuditEvent, error) {
	return s.List(ctx, EventQuery{Hostname: hostname, MaxEvents: maxEvents, IDs: []int{domain.EventBlocked}})
}

func (s EventService) Audited(ctx context.Context, hostname string, maxEvents int) ([]domain.AuditEvent, error) {
	return s.List(ctx, EventQuery{Hostname: hostname, MaxEvents: maxEvents, IDs: []int{domain.EventAuditBlock}})
}

func (s EventService) Backup(ctx context.Context, hostname, outputPath string) (domain.EventBackup, error) {
	return s.Events.Backup(ctx, hostname, outputPath)
}

// FilterEvents keeps events whose id is in ids; no ids keeps all.
func FilterEvents(events []domain.AuditEvent, ids ...int) []domain.AuditEvent {
	out := make([]domain.AuditEvent, 0, len(events))
	for _, e := range events {
		if len(ids) == 0 || slices.Contains(ids, e.EventID) {
			out = append(out, e)
		}
	}
	return out
}

// DeployMode is how a policy file is combined with the GPO's policy.
type DeployMode string

const (
	DeployMerge   DeployMode = "Merge"
	DeployReplace DeployMode = "Replace"
)

func ParseDeployMode(s string) (DeployMode, error) {
	switch {
	case strings.EqualFold(s, string(DeployMerge)):
		return DeployMerge, nil
	case strings.EqualFold(s, string(DeployReplace)):
		return DeployReplace, nil
	}
	return "", &domain.ValidationError{
		Op:  "policy:deploy",
		Err: &domain.CallerError{Reason: domain.ReasonInvalidArgument, Channel: "policy:deploy", Arg: "mode", Detail: fmt.Sprintf("unknown mode %q", s)},
	}
}

type PolicyService struct {
	Policy PolicySource
}

func (s PolicyService) Current(ctx context.Context, source string) (domain.PolicySnapshot, error) {
	return s.Policy.Get(ctx, source)
}

func (s PolicyService) Deploy(ctx context.Context, gpoName, policyPath string, mode DeployMode) (domain.DeployResult, error) {
	m, err := ParseDeployMode(string(mode))
	if err != nil {
		return domain.DeployResult{}, err
	}
	return s.Policy.Deploy(ctx, gpoName, policyPath, string(m))
}

func (s PolicyService) GenerateRules(ctx context.Context, scanPath, ruleType, outputPath string) (domain.GeneratedRules, error) {
	return s.Policy.GenerateRules(ctx, scanPath, ruleType, outputPath)
}

// EvidenceRequest scopes an evidence bundle. OutputDir, when set, also
// writes the evidence files on the execution host.
type EvidenceRequest struct {
	Hostname   string
	MaxEvents  int
	SearchBase string
	OutputDir  string
}

type ComplianceService struct {
	Policy     PolicySource
	Events     EventSource
	Machines   MachineSource
	Compliance ComplianceSource
	Now        func() time.Time
}

// CollectEvidence gathers the sections concurrently. Any failed section
// fails the bundle; a section is empty only when its source returned an
// empty list.
func (s ComplianceService) CollectEvidence(ctx context.Context, req EvidenceRequest) (domain.EvidenceBundle, error) {
	var (
		policy    domain.PolicySnapshot
		events    []domain.AuditEvent
		machines  []domain.Machine
		artifacts *domain.ComplianceArtifacts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		policy, err = s.Policy.Get(gctx, "Effective")
		return wrapSection("policy", err)
	})
	g.Go(func() error {
		var err error
		events, err = s.Events.List(gctx, req.Hostname, req.MaxEvents)
		return wrapSection("events", err)
	})
	g.Go(func() error {
		var err error
		machines, err = s.Machines.GetAll(gctx, req.SearchBase)
		return wrapSection("machines", err)
	})
	if req.OutputDir != "" && s.Compliance != nil {
		g.Go(func() error {
			a, err := s.Compliance.Collect(gctx, req.OutputDir)
			if err != nil {
				return wrapSection("artifacts", err)
			}
			artifacts = &a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.EvidenceBundle{}, err
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return domain.EvidenceBundle{
		GeneratedAt:   now().UTC().Format(time.RFC3339),
		Policy:        &policy,
		BlockedEvents: FilterEvents(events, domain.EventBlocked),
		AuditEvents:   FilterEvents(events, domain.EventAuditBlock),
		Machines:      machines,
		Artifacts:     artifacts,
	}, nil
}

func wrapSection(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("evidence %s: %w", name, err)
}
