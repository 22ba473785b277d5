package registry

import "time"

// Modules referenced by the builtin channels.
const (
	ModuleActiveDirectory = "ActiveDirectory"
	ModuleGroupPolicy     = "GroupPolicy"
	ModuleAppLocker       = "AppLocker"
)

const appLockerLog = "Microsoft-Windows-AppLocker/EXE and DLL"

var (
	machineShape = Object(
		Req("hostname", String()),
		Opt("dnsHostName", String()),
		Opt("operatingSystem", String()),
		Opt("distinguishedName", String()),
		Opt("enabled", Bool()),
		Opt("lastLogon", String()),
		Opt("ipv4Address", String()),
	)
	groupShape = Object(
		Req("name", String()),
		Opt("samAccountName", String()),
		Opt("distinguishedName", String()),
		Opt("description", String()),
		Opt("memberCount", Number()),
	)
	memberShape = Object(
		Req("samAccountName", String()),
		Opt("name", String()),
		Opt("objectClass", String()),
		Opt("distinguishedName", String()),
	)
	groupChangeShape = Object(
		Req("group", String()),
		Req("member", String()),
		Req("action", String()),
		Req("changed", Bool()),
	)
	eventShape = Object(
		Req("hostname", String()),
		Req("eventId", Number()),
		Req("timeCreated", String()),
		Opt("level", String()),
		Opt("message", String()),
		Opt("filePath", String()),
		Opt("user", String()),
	)
)

// Builtin returns a registry holding every channel the console uses.
func Builtin() *Registry {
	return MustNew(BuiltinEntries()...)
}

func BuiltinEntries() []Entry {
	return []Entry{
		{
			Name:       "machine:getAll",
			Summary:    "List computer objects from Active Directory",
			Args:       []ArgSpec{{Name: "searchBase", Kind: ArgString, Optional: true}},
			Response:   ArrayOf(machineShape),
			Modules:    []string{ModuleActiveDirectory},
			Timeout:    2 * time.Minute,
			Idempotent: true,
			Script:     machineGetAllScript,
		},
		{
			Name:    "machine:scan",
			Summary: "Inventory executables on a remote host into a CSV file",
			Args: []ArgSpec{
				{Name: "hostname", Kind: ArgIdentifier},
				{Name: "outputDir", Kind: ArgPath},
			},
			Response: Object(Req("hostname", String()), Req("outputPath", String()), Req("fileCount", Number())),
			Timeout:  10 * time.Minute,
			Script:   machineScanScript,
		},
		{
			Name:       "ad:getGroups",
			Summary:    "List security groups, optionally filtered by name",
			Args:       []ArgSpec{{Name: "nameFilter", Kind: ArgString, Optional: true, MaxLen: 256}},
			Response:   ArrayOf(groupShape),
			Modules:    []string{ModuleActiveDirectory},
			Timeout:    time.Minute,
			Idempotent: true,
			Script:     adGetGroupsScript,
		},
		{
			Name:       "ad:getGroupMembers",
			Summary:    "List the direct members of a group",
			Args:       []ArgSpec{{Name: "groupName", Kind: ArgIdentifier}},
			Response:   ArrayOf(memberShape),
			Modules:    []string{ModuleActiveDirectory},
			Timeout:    time.Minute,
			Idempotent: true,
			Script:     adGetGroupMembersScript,
		},
		{
			Name:    "ad:addToGroup",
			Summary: "Add a user to a group",
			Args: []ArgSpec{
				{Name: "userName", Kind: ArgIdentifier},
				{Name: "groupName", Kind: ArgIdentifier},
			},
			Response: groupChangeShape,
			Modules:  []string{ModuleActiveDirectory},
			Timeout:  time.Minute,
			Script:   adAddToGroupScript,
		},
		{
			Name:    "ad:removeFromGroup",
			Summary: "Remove a user from a group",
			Args: []ArgSpec{
				{Name: "userName", Kind: ArgIdentifier},
				{Name: "groupName", Kind: ArgIdentifier},
			},
			Response: groupChangeShape,
			Modules:  []string{ModuleActiveDirectory},
			Timeout:  time.Minute,
			Script:   adRemoveFromGroupScript,
		},
		{
			Name:    "events:getAll",
			Summary: "Read AppLocker events from the local or a remote host",
			Args: []ArgSpec{
				{Name: "hostname", Kind: ArgIdentifier, Optional: true},
				{Name: "maxEvents", Kind: ArgInt, Optional: true, Min: 1, Max: 10000},
			},
			Response:   ArrayOf(eventShape),
			Timeout:    2 * time.Minute,
			Idempotent: true,
			Script:     eventsGetAllScript,
		},
		{
			Name:    "events:backup",
			Summary: "Export a host's AppLocker event log to CSV",
			Args: []ArgSpec{
				{Name: "hostname", Kind: ArgIdentifier},
				{Name: "outputPath", Kind: ArgPath},
			},
			Response: Object(Req("hostname", String()), Req("path", String()), Req("eventCount", Number())),
			Timeout:  5 * time.Minute,
			Script:   eventsBackupScript,
		},
		{
			Name:    "policy:get",
			Summary: "Read the effective or local AppLocker policy",
			Args:    []ArgSpec{{Name: "source", Kind: ArgEnum, Optional: true, Enum: []string{"Effective", "Local"}}},
			Response: Object(
				Req("source", String()),
				Req("xml", String()),
				Req("ruleCollections", ArrayOf(Object(
					Req("type", String()),
					Opt("enforcementMode", String()),
					Req("ruleCount", Number()),
				))),
			),
			Modules:    []string{ModuleAppLocker},
			Timeout:    time.Minute,
			Idempotent: true,
			Script:     policyGetScript,
		},
		{
			Name:    "policy:deploy",
			Summary: "Apply an AppLocker policy file to a GPO",
			Args: []ArgSpec{
				{Name: "gpoName", Kind: ArgString, MaxLen: 256},
				{Name: "policyPath", Kind: ArgPath},
				{Name: "mode", Kind: ArgEnum, Enum: []string{"Merge", "Replace"}},
			},
			Response: Object(
				Req("gpoName", String()),
				Req("mode", String()),
				Req("rulesApplied", Number()),
				Opt("backupPath", String()),
			),
			Modules: []string{ModuleGroupPolicy, ModuleAppLocker},
			Timeout: 5 * time.Minute,
			Script:  policyDeployScript,
		},
		{
			Name:    "policy:generateRules",
			Summary: "Generate AppLocker rules from the files under a directory",
			Args: []ArgSpec{
				{Name: "scanPath", Kind: ArgPath},
				{Name: "ruleType", Kind: ArgEnum, Enum: []string{"Publisher", "Hash", "Path"}},
				{Name: "outputPath", Kind: ArgPath},
			},
			Response: Object(Req("outputPath", String()), Req("ruleType", String()), Req("ruleCount", Number())),
			Modules:  []string{ModuleAppLocker},
			Timeout:  10 * time.Minute,
			Script:   policyGenerateRulesScript,
		},
		{
			Name:    "compliance:collect",
			Summary: "Write policy, event and service evidence files to a directory",
			Args:    []ArgSpec{{Name: "outputDir", Kind: ArgPath}},
			Response: Object(
				Req("outputDir", String()),
				Req("files", ArrayOf(String())),
				Req("generatedAt", String()),
			),
			Modules: []string{ModuleAppLocker},
			Timeout: 10 * time.Minute,
			Script:  complianceCollectScript,
		},
		{
			Name:       "system:checkModule",
			Summary:    "Report whether a PowerShell module is installed",
			Args:       []ArgSpec{{Name: "moduleName", Kind: ArgModule}},
			Response:   Object(Req("name", String()), Req("available", Bool()), Opt("version", String())),
			Timeout:    30 * time.Second,
			Idempotent: true,
			Script:     systemCheckModuleScript,
		},
	}
}

// Channel bodies. Each reads its arguments from $Params and leaves its result
// in the pipeline; the envelope is written by the encoder's wrapper.

const machineGetAllScript = `
$query = @{ Filter = '*'; Properties = @('DNSHostName', 'OperatingSystem', 'LastLogonDate', 'IPv4Address', 'Enabled') }
if ($Params.searchBase) { $query.SearchBase = $Params.searchBase }
Get-ADComputer @query | ForEach-Object {
    [pscustomobject]@{
        hostname          = $_.Name
        dnsHostName       = $_.DNSHostName
        operatingSystem   = $_.OperatingSystem
        distinguishedName = $_.DistinguishedName
        enabled           = [bool]$_.Enabled
        lastLogon         = if ($_.LastLogonDate) { $_.LastLogonDate.ToUniversalTime().ToString('o') } else { $null }
        ipv4Address       = $_.IPv4Address
    }
}
`

const machineScanScript = `
$target = Join-Path -Path $Params.outputDir -ChildPath ($Params.hostname + '.csv')
$files = Invoke-Command -ComputerName $Params.hostname -ErrorAction Stop -ScriptBlock {
    $roots = @($env:ProgramFiles, ${env:ProgramFiles(x86)}, $env:SystemRoot) | Where-Object { $_ }
    Get-ChildItem -LiteralPath $roots -Recurse -File -Include *.exe, *.dll, *.msi, *.ps1 -ErrorAction SilentlyContinue |
        Select-Object FullName, Length, LastWriteTime
}
$files | Select-Object FullName, Length, LastWriteTime | Export-Csv -LiteralPath $target -NoTypeInformation -Encoding UTF8
@{ hostname = $Params.hostname; outputPath = $target; fileCount = @($files).Count }
`

const adGetGroupsScript = `
$groups = Get-ADGroup -Filter * -Properties Description, Members
if ($Params.nameFilter) {
    $pattern = '*' + [System.Management.Automation.WildcardPattern]::Escape($Params.nameFilter) + '*'
    $groups = $groups | Where-Object { $_.Name -like $pattern }
}
$groups | ForEach-Object {
    [pscustomobject]@{
        name              = $_.Name
        samAccountName    = $_.SamAccountName
        distinguishedName = $_.DistinguishedName
        description       = $_.Description
        memberCount       = @($_.Members).Count
    }
}
`

const adGetGroupMembersScript = `
Get-ADGroupMember -Identity $Params.groupName | ForEach-Object {
    [pscustomobject]@{
        samAccountName    = $_.SamAccountName
        name              = $_.Name
        objectClass       = $_.objectClass
        distinguishedName = $_.DistinguishedName
    }
}
`

const adAddToGroupScript = `
$present = @(Get-ADGroupMember -Identity $Params.groupName | Where-Object { $_.SamAccountName -eq $Params.userName }).Count -gt 0
if (-not $present) { Add-ADGroupMember -Identity $Params.groupName -Members $Params.userName }
@{ group = $Params.groupName; member = $Params.userName; action = 'add'; changed = -not $present }
`

const adRemoveFromGroupScript = `
$present = @(Get-ADGroupMember -Identity $Params.groupName | Where-Object { $_.SamAccountName -eq $Params.userName }).Count -gt 0
if ($present) { Remove-ADGroupMember -Identity $Params.groupName -Members $Params.userName -Confirm:$false }
@{ group = $Params.groupName; member = $Params.userName; action = 'remove'; changed = $present }
`

const eventsGetAllScript = `
$query = @{ LogName = '` + appLockerLog + `'; MaxEvents = 500; ErrorAction = 'Stop' }
if ($Params.maxEvents) { $query.MaxEvents = [int]$Params.maxEvents }
$computer = $env:COMPUTERNAME
if ($Params.hostname) { $query.ComputerName = $Params.hostname; $computer = $Params.hostname }
try {
    $records = @(Get-WinEvent @query)
} catch {
    if ($_.FullyQualifiedErrorId -notlike 'NoMatchingEventsFound*') { throw }
    $records = @()
}
$records | ForEach-Object {
    $xml = [xml]$_.ToXml()
    $fields = @{}
    foreach ($node in $xml.Event.UserData.RuleAndFileData.ChildNodes) { $fields[$node.Name] = $node.InnerText }
    [pscustomobject]@{
        hostname    = $computer
        eventId     = $_.Id
        timeCreated = $_.TimeCreated.ToUniversalTime().ToString('o')
        level       = $_.LevelDisplayName
        message     = $_.Message
        filePath    = $fields['FilePath']
        user        = $fields['TargetUser']
    }
}
`

const eventsBackupScript = `
$events = @(Get-WinEvent -ComputerName $Params.hostname -LogName '` + appLockerLog + `' -ErrorAction Stop)
$events | Select-Object TimeCreated, Id, LevelDisplayName, Message |
    Export-Csv -LiteralPath $Params.outputPath -NoTypeInformation -Encoding UTF8
@{ hostname = $Params.hostname; path = $Params.outputPath; eventCount = $events.Count }
`

const policyGetScript = `
$source = if ($Params.source) { $Params.source } else { 'Effective' }
$raw = if ($source -eq 'Local') { Get-AppLockerPolicy -Local -Xml } else { Get-AppLockerPolicy -Effective -Xml }
$doc = [xml]$raw
$collections = @(foreach ($c in $doc.AppLockerPolicy.RuleCollection) {
    [pscustomobject]@{
        type            = $c.Type
        enforcementMode = $c.EnforcementMode
        ruleCount       = @($c.ChildNodes | Where-Object { $_.NodeType -eq 'Element' -and $_.Name -ne 'RuleCollectionExtensions' }).Count
    }
})
@{ source = $source; xml = [string]$raw; ruleCollections = $collections }
`

const policyDeployScript = `
$gpo = Get-GPO -Name $Params.gpoName -ErrorAction Stop
$ldap = 'LDAP://' + $gpo.Path
$backupDir = Join-Path -Path ([System.IO.Path]::GetTempPath()) -ChildPath ('lockbridge-gpo-' + $gpo.Id + '-' + (Get-Date).ToString('yyyyMMddHHmmss'))
New-Item -ItemType Directory -Path $backupDir -Force | Out-Null
Backup-GPO -Guid $gpo.Id -Path $backupDir | Out-Null
$doc = [xml](Get-Content -LiteralPath $Params.policyPath -Raw)
$count = 0
foreach ($c in $doc.AppLockerPolicy.RuleCollection) {
    $count += @($c.ChildNodes | Where-Object { $_.NodeType -eq 'Element' -and $_.Name -ne 'RuleCollectionExtensions' }).Count
}
if ($Params.mode -eq 'Merge') {
    Set-AppLockerPolicy -XmlPolicy $Params.policyPath -Ldap $ldap -Merge
} else {
    Set-AppLockerPolicy -XmlPolicy $Params.policyPath -Ldap $ldap
}
@{ gpoName = $gpo.DisplayName; mode = $Params.mode; rulesApplied = $count; backupPath = $backupDir }
`

const policyGenerateRulesScript = `
$info = Get-AppLockerFileInformation -Directory $Params.scanPath -Recurse -FileType Exe, Script, Msi -ErrorAction Stop
$policy = $info | New-AppLockerPolicy -RuleType $Params.ruleType -User Everyone -Optimize -IgnoreMissingFileInformation
$policy.ToXml() | Set-Content -LiteralPath $Params.outputPath -Encoding UTF8
$count = 0
foreach ($c in $policy.RuleCollections) { $count += @($c).Count }
@{ outputPath = $Params.outputPath; ruleType = $Params.ruleType; ruleCount = $count }
`

const complianceCollectScript = `
$stamp = (Get-Date).ToUniversalTime().ToString('yyyyMMddTHHmmssZ')
$dir = Join-Path -Path $Params.outputDir -ChildPath ('evidence-' + $stamp)
New-Item -ItemType Directory -Path $dir -Force | Out-Null
$policyFile = Join-Path -Path $dir -ChildPath 'effective-policy.xml'
Get-AppLockerPolicy -Effective -Xml | Set-Content -LiteralPath $policyFile -Encoding UTF8
$eventsFile = Join-Path -Path $dir -ChildPath 'applocker-events.csv'
try {
    $records = @(Get-WinEvent -LogName '` + appLockerLog + `' -MaxEvents 5000 -ErrorAction Stop)
} catch {
    if ($_.FullyQualifiedErrorId -notlike 'NoMatchingEventsFound*') { throw }
    $records = @()
}
$records | Select-Object TimeCreated, Id, LevelDisplayName, Message |
    Export-Csv -LiteralPath $eventsFile -NoTypeInformation -Encoding UTF8
$serviceFile = Join-Path -Path $dir -ChildPath 'appidsvc.json'
Get-Service -Name AppIDSvc | Select-Object Name, Status, StartType | ConvertTo-Json |
    Set-Content -LiteralPath $serviceFile -Encoding UTF8
@{
    outputDir   = $dir
    files       = @($policyFile, $eventsFile, $serviceFile)
    generatedAt = (Get-Date).ToUniversalTime().ToString('o')
}
`

const systemCheckModuleScript = `
$module = Get-Module -ListAvailable -Name $Params.moduleName | Sort-Object Version -Descending | Select-Object -First 1
@{
    name      = $Params.moduleName
    available = [bool]$module
    version   = if ($module) { $module.Version.ToString() } else { $null }
}
`
