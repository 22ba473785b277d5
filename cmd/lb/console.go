package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lockbridge/internal/adapters"
	"lockbridge/internal/app"
	"lockbridge/internal/db"
	"lockbridge/internal/domain"
	"lockbridge/internal/migrate"
	"lockbridge/internal/registry"
	"lockbridge/internal/service"
)

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func machinesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "machines", Short: "Directory computers"}
	cmd.AddCommand(machinesListCmd())
	cmd.AddCommand(machinesScanCmd())
	return cmd
}

func machinesListCmd() *cobra.Command {
	var f service.MachineFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List computers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				machines, err := service.MachineService{Machines: r.Machines}.List(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(machines)
				}
				if len(machines) == 0 {
					fmt.Println("no machines match")
					return nil
				}
				tw := newTable(table.Row{"Hostname", "OS", "OU", "Enabled", "Last Logon"})
				for _, m := range machines {
					tw.AppendRow(table.Row{m.Hostname, m.OperatingSystem, orDash(m.OU()), m.Enabled, orDash(m.LastLogon)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SearchBase, "search-base", "", "LDAP search base")
	cmd.Flags().StringVar(&f.OU, "ou", "", "only machines in this OU or below it")
	cmd.Flags().StringVar(&f.OS, "os", "", "operating system substring")
	cmd.Flags().StringVar(&f.NamePrefix, "prefix", "", "hostname prefix")
	return cmd
}

func machinesScanCmd() *cobra.Command {
	var outputDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "scan <host>...",
		Short: "Inventory executables on hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputDir == "" {
				return fmt.Errorf("--output-dir required")
			}
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				results, err := service.MachineService{Machines: r.Machines, ScanLimit: limit}.ScanAll(ctx, args, outputDir)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(results)
				}
				tw := newTable(table.Row{"Hostname", "Files", "Output"})
				for _, res := range results {
					tw.AppendRow(table.Row{res.Hostname, res.FileCount, res.OutputPath})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for scan CSV files")
	cmd.Flags().IntVar(&limit, "limit", 4, "concurrent scans")
	return cmd
}

func adCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ad", Short: "Active Directory groups"}
	cmd.AddCommand(adGroupsCmd())
	cmd.AddCommand(adMembersCmd())
	cmd.AddCommand(adChangeCmd("add", "Add users to a group", service.ADService.AddMembers))
	cmd.AddCommand(adChangeCmd("remove", "Remove users from a group", service.ADService.RemoveMembers))
	return cmd
}

func adGroupsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List security groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				groups, err := service.ADService{AD: r.AD}.ListGroups(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(groups)
				}
				tw := newTable(table.Row{"Name", "SAM", "Members", "Description"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.Name, g.SamAccountName, g.MemberCount, orDash(g.Description)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "group name filter (wildcards allowed)")
	return cmd
}

func adMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <group>",
		Short: "List group members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				members, err := service.ADService{AD: r.AD}.Members(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(members)
				}
				tw := newTable(table.Row{"SAM", "Name", "Class"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.SamAccountName, m.Name, orDash(m.ObjectClass)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func adChangeCmd(use, short string, apply func(service.ADService, context.Context, string, []string) ([]domain.GroupChange, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group> <user>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				changes, err := apply(service.ADService{AD: r.AD}, ctx, args[0], args[1:])
				for _, c := range changes {
					state := "unchanged"
					if c.Changed {
						state = c.Action
					}
					fmt.Printf("%s: %s\n", c.Member, state)
				}
				return err
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "AppLocker event log"}
	cmd.AddCommand(eventsListCmd())
	cmd.AddCommand(eventsBackupCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	var q service.EventQuery
	var blocked, audited bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List AppLocker events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if blocked {
				q.IDs = append(q.IDs, domain.EventBlocked)
			}
			if audited {
				q.IDs = append(q.IDs, domain.EventAuditBlock)
			}
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				events, err := service.EventService{Events: r.Events}.List(ctx, q)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(events)
				}
				tw := newTable(table.Row{"Time", "Host", "ID", "Level", "User", "File"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TimeCreated, e.Hostname, e.EventID, e.Level, orDash(e.User), orDash(e.FilePath)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Hostname, "host", "", "remote host (default: local log)")
	cmd.Flags().IntVar(&q.MaxEvents, "max", 0, "maximum events to read")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "only blocked executions (8004)")
	cmd.Flags().BoolVar(&audited, "audit", false, "only audit-mode would-block events (8003)")
	return cmd
}

func eventsBackupCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup <host>",
		Short: "Export a host's AppLocker log to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("--output required")
			}
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				res, err := service.EventService{Events: r.Events}.Backup(ctx, args[0], output)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("%d events from %s written to %s\n", res.EventCount, res.Hostname, res.Path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "CSV path (must be under an allowed prefix)")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "AppLocker policy"}
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policyDeployCmd())
	cmd.AddCommand(policyGenerateCmd())
	return cmd
}

func policyShowCmd() *cobra.Command {
	var source string
	var xml bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				p, err := service.PolicyService{Policy: r.Policy}.Current(ctx, source)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(p)
				}
				if xml {
					fmt.Println(p.XML)
					return nil
				}
				tw := newTable(table.Row{"Collection", "Enforcement", "Rules"})
				for _, rc := range p.RuleCollections {
					tw.AppendRow(table.Row{rc.Type, rc.EnforcementMode, rc.RuleCount})
				}
				tw.SetTitle(p.Source + " policy")
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Effective or Local (default Effective)")
	cmd.Flags().BoolVar(&xml, "xml", false, "print the policy XML")
	return cmd
}

func policyDeployCmd() *cobra.Command {
	var gpo, file, mode string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Apply a policy file to a GPO",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gpo == "" || file == "" {
				return fmt.Errorf("--gpo and --file required")
			}
			m, err := service.ParseDeployMode(mode)
			if err != nil {
				return present(err)
			}
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				res, err := service.PolicyService{Policy: r.Policy}.Deploy(ctx, gpo, file, m)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("%d rules applied to %s (%s)\n", res.RulesApplied, res.GPOName, res.Mode)
				if res.BackupPath != "" {
					fmt.Println("previous policy saved to", res.BackupPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gpo, "gpo", "", "target GPO name")
	cmd.Flags().StringVar(&file, "file", "", "policy XML path")
	cmd.Flags().StringVar(&mode, "mode", string(service.DeployMerge), "Merge or Replace")
	return cmd
}

func policyGenerateCmd() *cobra.Command {
	var scanPath, ruleType, output string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate rules from the files under a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scanPath == "" || output == "" {
				return fmt.Errorf("--scan-path and --output required")
			}
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				res, err := service.PolicyService{Policy: r.Policy}.GenerateRules(ctx, scanPath, ruleType, output)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("%d %s rules written to %s\n", res.RuleCount, res.RuleType, res.OutputPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scanPath, "scan-path", "", "directory to scan")
	cmd.Flags().StringVar(&ruleType, "rule-type", "Publisher", "Publisher, Hash or Path")
	cmd.Flags().StringVar(&output, "output", "", "output XML path")
	return cmd
}

func complianceCmd() *cobra.Command {
	var req service.EvidenceRequest
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Assemble a compliance evidence bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				svc := service.ComplianceService{
					Policy:     r.Policy,
					Events:     r.Events,
					Machines:   r.Machines,
					Compliance: r.Compliance,
				}
				bundle, err := svc.CollectEvidence(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(bundle)
			})
		},
	}
	cmd.Flags().StringVar(&req.Hostname, "host", "", "host whose events are included")
	cmd.Flags().IntVar(&req.MaxEvents, "max", 0, "maximum events to read")
	cmd.Flags().StringVar(&req.SearchBase, "search-base", "", "LDAP search base for the inventory")
	cmd.Flags().StringVar(&req.OutputDir, "output-dir", "", "also write evidence files on the execution host")

	parent := &cobra.Command{Use: "compliance", Short: "Compliance evidence"}
	parent.AddCommand(cmd)
	return parent
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the required PowerShell modules are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !remote() {
				if err := ledgerStatus(cmd.Context()); err != nil {
					return err
				}
			}
			return withRepos(cmd.Context(), func(ctx context.Context, r adapters.Repositories) error {
				names := []string{registry.ModuleActiveDirectory, registry.ModuleGroupPolicy, registry.ModuleAppLocker}
				var statuses []domain.ModuleStatus
				var missing []string
				for _, name := range names {
					st, err := r.System.CheckModule(ctx, name)
					if err != nil {
						return err
					}
					statuses = append(statuses, st)
					if !st.Available {
						missing = append(missing, name)
					}
				}
				if jsonOutput() {
					if err := printJSON(statuses); err != nil {
						return err
					}
				} else {
					tw := newTable(table.Row{"Module", "Available", "Version"})
					for _, st := range statuses {
						tw.AppendRow(table.Row{st.Name, st.Available, orDash(st.Version)})
					}
					tw.Render()
				}
				if len(missing) > 0 {
					return fmt.Errorf("missing modules: %s", strings.Join(missing, ", "))
				}
				return nil
			})
		},
	}
}

func ledgerStatus(ctx context.Context) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		v, err := migrate.Version(ctx, rt.DB)
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		if !jsonOutput() {
			fmt.Printf("ledger: %s (schema v%d)\n", db.Path(viper.GetString("workspace")), v)
		}
		return nil
	})
}
