package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/domain"
)

type fakeMachines struct {
	machines []domain.Machine
	err      error
	failHost string

	active, peak atomic.Int64
	mu           sync.Mutex
	scanned      []string
}

func (f *fakeMachines) GetAll(context.Context, string) ([]domain.Machine, error) {
	return f.machines, f.err
}

func (f *fakeMachines) Scan(ctx context.Context, host, dir string) (domain.ScanResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	f.mu.Lock()
	f.scanned = append(f.scanned, host)
	f.mu.Unlock()
	if host == f.failHost {
		return domain.ScanResult{}, &domain.ExternalServiceError{Op: "machine:scan", Kind: domain.KindTimeout, Message: "timed out"}
	}
	return domain.ScanResult{Hostname: host, OutputPath: dir + `\` + host + ".csv"}, nil
}

func TestMachineFilter(t *testing.T) {
	src := &fakeMachines{machines: []domain.Machine{
		{Hostname: "WS1", OperatingSystem: "Windows 11 Enterprise", DistinguishedName: "CN=WS1,OU=Workstations,DC=corp,DC=local"},
		{Hostname: "WS2", OperatingSystem: "Windows 10 Pro", DistinguishedName: "CN=WS2,OU=Lab,OU=Workstations,DC=corp,DC=local"},
		{Hostname: "SRV1", OperatingSystem: "Windows Server 2022", DistinguishedName: "CN=SRV1,OU=Servers,DC=corp,DC=local"},
	}}
	svc := MachineService{Machines: src}
	ctx := context.Background()

	names := func(ms []domain.Machine) []string {
		var out []string
		for _, m := range ms {
			out = append(out, m.Hostname)
		}
		return out
	}

	got, err := svc.List(ctx, MachineFilter{OU: "ou=workstations,DC=corp,DC=local"})
	require.NoError(t, err)
	assert.Equal(t, []string{"WS1", "WS2"}, names(got))

	got, err = svc.List(ctx, MachineFilter{OS: "server"})
	require.NoError(t, err)
	assert.Equal(t, []string{"SRV1"}, names(got))

	got, err = svc.List(ctx, MachineFilter{NamePrefix: "ws", OS: "11"})
	require.NoError(t, err)
	assert.Equal(t, []string{"WS1"}, names(got))

	got, err = svc.List(ctx, MachineFilter{NamePrefix: "nothing"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	src.err = &domain.ExternalServiceError{Op: "machine:getAll", Kind: domain.KindModuleUnavailable, Message: "module missing"}
	got, err = svc.List(ctx, MachineFilter{})
	assert.Nil(t, got)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindModuleUnavailable, kind)
}

func TestScanAllBoundsConcurrency(t *testing.T) {
	src := &fakeMachines{}
	svc := MachineService{Machines: src, ScanLimit: 2}

	res, err := svc.ScanAll(context.Background(), []string{"WS1", "ws1", "WS2", "WS3", "WS4", " "}, `C:\AppLocker\scans`)
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Equal(t, "WS1", res[0].Hostname)
	assert.Equal(t, "WS4", res[3].Hostname)
	assert.LessOrEqual(t, src.peak.Load(), int64(2))
}

func TestScanAllReturnsFirstFailure(t *testing.T) {
	src := &fakeMachines{failHost: "WS2"}
	svc := MachineService{Machines: src, ScanLimit: 1}

	res, err := svc.ScanAll(context.Background(), []string{"WS1", "WS2", "WS3"}, `C:\AppLocker\scans`)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "scan WS2")
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindTimeout, kind)
	assert.NotContains(t, src.scanned, "WS3")
}

type fakeAD struct {
	denied string
	calls  []string
}

func (f *fakeAD) Groups(context.Context, string) ([]domain.ADGroup, error) { return nil, nil }

func (f *fakeAD) Members(context.Context, string) ([]domain.ADMember, error) { return nil, nil }

func (f *fakeAD) AddToGroup(_ context.Context, user, group string) (domain.GroupChange, error) {
	f.calls = append(f.calls, user)
	if user == f.denied {
		return domain.GroupChange{}, &domain.ExternalServiceError{Op: "ad:addToGroup", Kind: domain.KindPermissionDenied, Message: "Access is denied"}
	}
	return domain.GroupChange{Group: group, Member: user, Action: "add", Changed: true}, nil
}

func (f *fakeAD) RemoveFromGroup(_ context.Context, user, group string) (domain.GroupChange, error) {
	f.calls = append(f.calls, user)
	return domain.GroupChange{Group: group, Member: user, Action: "remove"}, nil
}

func TestAddMembersStopsAtFirstError(t *testing.T) {
	ad := &fakeAD{denied: "bob"}
	svc := ADService{AD: ad}

	changes, err := svc.AddMembers(context.Background(), "AppLocker-Admins", []string{"alice", "bob", "carol"})
	require.Error(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ad.calls)
	require.Len(t, changes, 1)
	assert.Equal(t, "alice", changes[0].Member)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindPermissionDenied, kind)

	ad.calls = nil
	changes, err = svc.RemoveMembers(context.Background(), "AppLocker-Admins", []string{"alice", "ALICE"})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

type fakeEvents struct {
	events []domain.AuditEvent
	err    error
}

func (f fakeEvents) List(context.Context, string, int) ([]domain.AuditEvent, error) {
	return f.events, f.err
}

func (f fakeEvents) Backup(context.Context, string, string) (domain.EventBackup, error) {
	return domain.EventBackup{}, nil
}

var sampleEvents = []domain.AuditEvent{
	{Hostname: "WS1", EventID: domain.EventAllowed},
	{Hostname: "WS1", EventID: domain.EventAuditBlock, FilePath: `C:\Temp\a.exe`},
	{Hostname: "WS1", EventID: domain.EventBlocked, FilePath: `C:\Temp\b.exe`},
}

func TestEventFilters(t *testing.T) {
	svc := EventService{Events: fakeEvents{events: sampleEvents}}
	ctx := context.Background()

	blocked, err := svc.Blocked(ctx, "WS1", 100)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, `C:\Temp\b.exe`, blocked[0].FilePath)

	audited, err := svc.Audited(ctx, "WS1", 100)
	require.NoError(t, err)
	require.Len(t, audited, 1)
	assert.Equal(t, domain.EventAuditBlock, audited[0].EventID)

	all, err := svc.List(ctx, EventQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

type fakePolicy struct {
	snapshot domain.PolicySnapshot
	err      error
	mode     string
}

func (f *fakePolicy) Get(context.Context, string) (domain.PolicySnapshot, error) {
	return f.snapshot, f.err
}

func (f *fakePolicy) Deploy(_ context.Context, gpo, _ string, mode string) (domain.DeployResult, error) {
	f.mode = mode
	return domain.DeployResult{GPOName: gpo, Mode: mode}, nil
}

func (f *fakePolicy) GenerateRules(context.Context, string, string, string) (domain.GeneratedRules, error) {
	return domain.GeneratedRules{}, nil
}

func TestDeployMode(t *testing.T) {
	p := &fakePolicy{}
	svc := PolicyService{Policy: p}

	res, err := svc.Deploy(context.Background(), "Workstations", `C:\AppLocker\policy.xml`, "replace")
	require.NoError(t, err)
	assert.Equal(t, "Replace", res.Mode)

	p.mode = ""
	_, err = svc.Deploy(context.Background(), "Workstations", `C:\AppLocker\policy.xml`, "Overwrite")
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "mode", ve.Err.Arg)
	assert.Empty(t, p.mode)
}

type fakeCompliance struct{}

func (fakeCompliance) Collect(_ context.Context, dir string) (domain.ComplianceArtifacts, error) {
	return domain.ComplianceArtifacts{OutputDir: dir, Files: []string{"policy.xml"}}, nil
}

func TestCollectEvidence(t *testing.T) {
	svc := ComplianceService{
		Policy:     &fakePolicy{snapshot: domain.PolicySnapshot{Source: "Effective"}},
		Events:     fakeEvents{events: sampleEvents},
		Machines:   &fakeMachines{machines: []domain.Machine{}},
		Compliance: fakeCompliance{},
		Now:        func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}

	bundle, err := svc.CollectEvidence(context.Background(), EvidenceRequest{OutputDir: `C:\AppLocker\evidence`})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00Z", bundle.GeneratedAt)
	assert.Equal(t, "Effective", bundle.Policy.Source)
	assert.Len(t, bundle.BlockedEvents, 1)
	assert.Len(t, bundle.AuditEvents, 1)
	assert.NotNil(t, bundle.Machines)
	assert.Empty(t, bundle.Machines)
	require.NotNil(t, bundle.Artifacts)
	assert.Equal(t, []string{"policy.xml"}, bundle.Artifacts.Files)
}

func TestCollectEvidenceFailsOnAnySection(t *testing.T) {
	svc := ComplianceService{
		Policy:   &fakePolicy{},
		Events:   fakeEvents{err: &domain.NotFoundError{Op: "events:getAll", Message: "log not found"}},
		Machines: &fakeMachines{machines: []domain.Machine{}},
	}

	_, err := svc.CollectEvidence(context.Background(), EvidenceRequest{})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
	assert.Contains(t, err.Error(), "evidence events")
}
