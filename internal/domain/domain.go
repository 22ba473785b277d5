package domain

// Machine is a computer object known to the directory.
type Machine struct {
	Hostname          string `json:"hostname"`
	DNSHostName       string `json:"dnsHostName,omitempty"`
	OperatingSystem   string `json:"operatingSystem,omitempty"`
	DistinguishedName string `json:"distinguishedName,omitempty"`
	Enabled           bool   `json:"enabled"`
	LastLogon         string `json:"lastLogon,omitempty"`
	IPv4Address       string `json:"ipv4Address,omitempty"`
}

// OU returns the organizational unit path of the machine's distinguished name,
// or "" when the machine has none.
func (m Machine) OU() string {
	dn := m.DistinguishedName
	for i := 0; i < len(dn); i++ {
		if dn[i] == '\\' {
			i++
			continue
		}
		if dn[i] == ',' {
			return dn[i+1:]
		}
	}
	return ""
}

type ScanResult struct {
	Hostname   string `json:"hostname"`
	OutputPath string `json:"outputPath"`
	FileCount  int    `json:"fileCount"`
}

type ADGroup struct {
	Name              string `json:"name"`
	SamAccountName    string `json:"samAccountName,omitempty"`
	DistinguishedName string `json:"distinguishedName,omitempty"`
	Description       string `json:"description,omitempty"`
	MemberCount       int    `json:"memberCount"`
}

type ADMember struct {
	SamAccountName    string `json:"samAccountName"`
	Name              string `json:"name,omitempty"`
	ObjectClass       string `json:"objectClass,omitempty"`
	DistinguishedName string `json:"distinguishedName,omitempty"`
}

// GroupChange reports the effect of a membership change. Changed is false
// when the member was already in (or already absent from) the group.
type GroupChange struct {
	Group   string `json:"group"`
	Member  string `json:"member"`
	Action  string `json:"action"`
	Changed bool   `json:"changed"`
}

// AppLocker event IDs in the EXE and DLL log.
const (
	EventAllowed    = 8002
	EventAuditBlock = 8003
	EventBlocked    = 8004
)

type AuditEvent struct {
	Hostname    string `json:"hostname"`
	EventID     int    `json:"eventId"`
	TimeCreated string `json:"timeCreated"`
	Level       string `json:"level,omitempty"`
	Message     string `json:"message,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
	User        string `json:"user,omitempty"`
}

type EventBackup struct {
	Hostname   string `json:"hostname"`
	Path       string `json:"path"`
	EventCount int    `json:"eventCount"`
}

type RuleCollection struct {
	Type            string `json:"type"`
	EnforcementMode string `json:"enforcementMode"`
	RuleCount       int    `json:"ruleCount"`
}

type PolicySnapshot struct {
	Source          string           `json:"source"`
	XML             string           `json:"xml"`
	RuleCollections []RuleCollection `json:"ruleCollections"`
}

type DeployResult struct {
	GPOName      string `json:"gpoName"`
	Mode         string `json:"mode"`
	RulesApplied int    `json:"rulesApplied"`
	BackupPath   string `json:"backupPath,omitempty"`
}

type GeneratedRules struct {
	OutputPath string `json:"outputPath"`
	RuleType   string `json:"ruleType"`
	RuleCount  int    `json:"ruleCount"`
}

type ComplianceArtifacts struct {
	OutputDir   string   `json:"outputDir"`
	Files       []string `json:"files"`
	GeneratedAt string   `json:"generatedAt"`
}

type ModuleStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
}

// EvidenceBundle is the compliance report assembled from several channels.
type EvidenceBundle struct {
	GeneratedAt   string               `json:"generatedAt"`
	Policy        *PolicySnapshot      `json:"policy,omitempty"`
	BlockedEvents []AuditEvent         `json:"blockedEvents"`
	AuditEvents   []AuditEvent         `json:"auditEvents"`
	Machines      []Machine            `json:"machines"`
	Artifacts     *ComplianceArtifacts `json:"artifacts,omitempty"`
}

// Invocation is one ledger row: the audited result of a channel request.
type Invocation struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	Channel    string `json:"channel"`
	ActorID    string `json:"actor_id"`
	OK         bool   `json:"ok"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message,omitempty"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"key_hash"`
	Permissions []string `json:"permissions,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
