package adapters

import (
	"context"
	"strings"

	"lockbridge/internal/domain"
)

const unknownOS = "Unknown"

type MachineRepository struct{ c caller }

// GetAll lists computer objects, optionally below searchBase.
func (r MachineRepository) GetAll(ctx context.Context, searchBase string) ([]domain.Machine, error) {
	machines, err := call[[]domain.Machine](ctx, r.c, "machine:getAll", true, optional(searchBase))
	if err != nil {
		return nil, err
	}
	for i := range machines {
		m := &machines[i]
		if strings.TrimSpace(m.OperatingSystem) == "" {
			m.OperatingSystem = unknownOS
		}
		if m.DNSHostName == "" {
			m.DNSHostName = m.Hostname
		}
	}
	return nonNil(machines), nil
}

func (r MachineRepository) Scan(ctx context.Context, hostname, outputDir string) (domain.ScanResult, error) {
	return call[domain.ScanResult](ctx, r.c, "machine:scan", false, hostname, outputDir)
}

type ADRepository struct{ c caller }

func (r ADRepository) Groups(ctx context.Context, nameFilter string) ([]domain.ADGroup, error) {
	groups, err := call[[]domain.ADGroup](ctx, r.c, "ad:getGroups", true, optional(nameFilter))
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].SamAccountName == "" {
			groups[i].SamAccountName = groups[i].Name
		}
	}
	return nonNil(groups), nil
}

func (r ADRepository) Members(ctx context.Context, group string) ([]domain.ADMember, error) {
	members, err := call[[]domain.ADMember](ctx, r.c, "ad:getGroupMembers", true, group)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].Name == "" {
			members[i].Name = members[i].SamAccountName
		}
	}
	return nonNil(members), nil
}

func (r ADRepository) AddToGroup(ctx context.Context, user, group string) (domain.GroupChange, error) {
	return call[domain.GroupChange](ctx, r.c, "ad:addToGroup", false, user, group)
}

func (r ADRepository) RemoveFromGroup(ctx context.Context, user, group string) (domain.GroupChange, error) {
	return call[domain.GroupChange](ctx, r.c, "ad:removeFromGroup", false, user, group)
}

type EventRepository struct{ c caller }

// List reads AppLocker events. An empty hostname reads the local log and a
// zero maxEvents uses the channel default.
func (r EventRepository) List(ctx context.Context, hostname string, maxEvents int) ([]domain.AuditEvent, error) {
	events, err := call[[]domain.AuditEvent](ctx, r.c, "events:getAll", true, optional(hostname), optional(maxEvents))
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].Level == "" {
			events[i].Level = levelFor(events[i].EventID)
		}
	}
	return nonNil(events), nil
}

func levelFor(id int) string {
	switch id {
	case domain.EventBlocked:
		return "Error"
	case domain.EventAuditBlock:
		return "Warning"
	default:
		return "Information"
	}
}

func (r EventRepository) Backup(ctx context.Context, hostname, outputPath string) (domain.EventBackup, error) {
	return call[domain.EventBackup](ctx, r.c, "events:backup", false, hostname, outputPath)
}

type PolicyRepository struct{ c caller }

// Get returns the policy from source, "Effective" when empty.
func (r PolicyRepository) Get(ctx context.Context, source string) (domain.PolicySnapshot, error) {
	p, err := call[domain.PolicySnapshot](ctx, r.c, "policy:get", true, optional(source))
	if err != nil {
		return domain.PolicySnapshot{}, err
	}
	p.RuleCollections = nonNil(p.RuleCollections)
	for i := range p.RuleCollections {
		if p.RuleCollections[i].EnforcementMode == "" {
			p.RuleCollections[i].EnforcementMode = "NotConfigured"
		}
	}
	return p, nil
}

func (r PolicyRepository) Deploy(ctx context.Context, gpoName, policyPath, mode string) (domain.DeployResult, error) {
	return call[domain.DeployResult](ctx, r.c, "policy:deploy", false, gpoName, policyPath, mode)
}

func (r PolicyRepository) GenerateRules(ctx context.Context, scanPath, ruleType, outputPath string) (domain.GeneratedRules, error) {
	return call[domain.GeneratedRules](ctx, r.c, "policy:generateRules", false, scanPath, ruleType, outputPath)
}

type ComplianceRepository struct{ c caller }

// Collect writes evidence files under outputDir on the execution host.
func (r ComplianceRepository) Collect(ctx context.Context, outputDir string) (domain.ComplianceArtifacts, error) {
	a, err := call[domain.ComplianceArtifacts](ctx, r.c, "compliance:collect", false, outputDir)
	if err != nil {
		return domain.ComplianceArtifacts{}, err
	}
	a.Files = nonNil(a.Files)
	return a, nil
}

type SystemRepository struct{ c caller }

func (r SystemRepository) CheckModule(ctx context.Context, name string) (domain.ModuleStatus, error) {
	return call[domain.ModuleStatus](ctx, r.c, "system:checkModule", true, name)
}
