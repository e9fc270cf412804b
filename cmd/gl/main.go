package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/lifecycle"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline governs clinical research datasets through their lifecycle.
Core concepts:
- Workspace: the .gateline directory holding the SQLite database; gateline.yml beside it carries overrides.
- Dataset: a registered extraction moving DRAFT -> SPEC_DEFINED -> ... -> FROZEN -> ARCHIVED; FROZEN and ARCHIVED are immutable.
- Attestation gates: QA_PASSED, ANALYSIS_READY and FROZEN require a human to affirm a checklist before entry.
- PHI gates: scans at pre-analysis, pre-generation and pre-export must PASS (or be overridden with a justification) before gated stages run.
- Stages: the numbered workflow steps; 'gl stage authorize' asks whether one may run, 'gl stage complete' records it.
- Topic versions: changing the topic version marks earlier stage work stale until redone or forced.
- Audit: every decision lands in the ledger, view with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(datasetCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(attestCmd())
	rootCmd.AddCommand(phiCmd())
	rootCmd.AddCommand(aiCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func datasetCmd() *cobra.Command {
	ds := &cobra.Command{
		Use:   "dataset",
		Short: "Manage datasets",
		Long:  "Datasets are the unit of governance. Each carries a lifecycle state, a topic version and a full audit trail of transitions, attestations and scans.",
	}
	ds.AddCommand(datasetRegisterCmd())
	ds.AddCommand(datasetListCmd())
	ds.AddCommand(datasetShowCmd())
	ds.AddCommand(datasetUpdateCmd())
	ds.AddCommand(datasetTransitionCmd())
	ds.AddCommand(datasetSetTopicCmd())
	return ds
}

func datasetRegisterCmd() *cobra.Command {
	var opts engine.RegisterDatasetOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RegisterDataset(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "dataset id (optional, derived when omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "research topic")
	cmd.Flags().StringVar(&opts.TopicVersion, "topic-version", "", "topic version")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func datasetListCmd() *cobra.Command {
	var f repo.DatasetFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDatasets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Topic", "Version"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.State, d.Topic, d.TopicVersion})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Topic, "topic", "", "topic filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func datasetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dataset with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDataset(ctx, id)
				if err != nil {
					return err
				}
				records, err := e.Repo.ListStageRecords(ctx, id)
				if err != nil {
					return err
				}
				outdated, err := e.OutdatedStages(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"dataset":        d,
						"stage_records":  records,
						"outdated_stage": outdated,
					})
				}
				fmt.Printf("Dataset: %s (%s)\n", d.ID, d.State)
				fmt.Printf("Title: %s\n", d.Title)
				if d.Topic != "" {
					fmt.Printf("Topic: %s @ %s\n", d.Topic, d.TopicVersion)
				}
				if len(records) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Stage", "Status", "Version At Execution", "Completed"})
					for _, r := range records {
						version, completed := "", ""
						if r.TopicVersionAtExecution != nil {
							version = *r.TopicVersionAtExecution
						}
						if r.CompletedAt != nil {
							completed = *r.CompletedAt
						}
						tw.AppendRow(table.Row{r.StageID, r.Status, version, completed})
					}
					tw.Render()
				}
				if len(outdated) > 0 {
					fmt.Printf("Stale stages (topic version changed): %v\n", outdated)
				}
				return nil
			})
		},
	}
	return cmd
}

func datasetUpdateCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update dataset metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var titlePtr, descPtr *string
			if cmd.Flags().Changed("title") {
				titlePtr = &title
			}
			if cmd.Flags().Changed("description") {
				descPtr = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDataset(ctx, id, titlePtr, descPtr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func datasetTransitionCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a dataset to a new lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Transition(ctx, engine.TransitionOptions{
					DatasetID: id,
					Target:    lifecycle.State(target),
					ActorID:   viper.GetString("actor-id"),
					Force:     viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func datasetSetTopicCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "set-topic <id>",
		Short: "Change the topic version (marks completed stages stale)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetTopicVersion(ctx, engine.SetTopicVersionOptions{
					DatasetID: id,
					Version:   version,
					ActorID:   viper.GetString("actor-id"),
					Force:     viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "new topic version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Authorize and record workflow stages",
		Long:  "Stages are the numbered workflow steps. Authorization checks the dataset state, attestation gates and PHI gates before a stage may run; completion records the stage with the topic version it executed under.",
	}
	st.AddCommand(stageAuthorizeCmd())
	st.AddCommand(stageCompleteCmd())
	st.AddCommand(stageRecordsCmd())
	return st
}

func stageAuthorizeCmd() *cobra.Command {
	var stageID int
	cmd := &cobra.Command{
		Use:   "authorize <dataset-id>",
		Short: "Ask whether a stage may execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dec, err := e.AuthorizeStage(ctx, id, stageID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dec)
				}
				if dec.Allowed {
					fmt.Printf("Stage %d may run (state %s)\n", stageID, dec.CurrentState)
				} else {
					fmt.Printf("Stage %d blocked: %s\n", stageID, dec.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&stageID, "stage", 0, "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stageCompleteCmd() *cobra.Command {
	var stageID int
	cmd := &cobra.Command{
		Use:   "complete <dataset-id>",
		Short: "Record a stage as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.CompleteStage(ctx, engine.CompleteStageOptions{
					DatasetID: id,
					StageID:   stageID,
					ActorID:   viper.GetString("actor-id"),
					Force:     viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().IntVar(&stageID, "stage", 0, "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stageRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records <dataset-id>",
		Short: "List stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Repo.ListStageRecords(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	return cmd
}

func attestCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "attest",
		Short: "Record and list gate attestations",
		Long:  "Attestation gates demand a human affirm every checklist item before a dataset enters QA_PASSED, ANALYSIS_READY or FROZEN. Run 'gl attest checklist' to see what a gate requires.",
	}
	a.AddCommand(attestAddCmd())
	a.AddCommand(attestListCmd())
	a.AddCommand(attestChecklistCmd())
	return a
}

func attestAddCmd() *cobra.Command {
	var targetState string
	var stageID int
	var affirmed []string
	var affirmAll bool
	cmd := &cobra.Command{
		Use:   "add <dataset-id>",
		Short: "Record an attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items := affirmed
				if affirmAll {
					gate, ok := e.Rules.AttestationGateFor(lifecycle.State(targetState))
					if !ok {
						return fmt.Errorf("state %s has no attestation gate", targetState)
					}
					items = gate.Checklist
				}
				att, err := e.Attest(ctx, engine.AttestOptions{
					DatasetID:   id,
					TargetState: lifecycle.State(targetState),
					StageID:     stageID,
					ActorID:     viper.GetString("actor-id"),
					Affirmed:    items,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	cmd.Flags().StringVar(&targetState, "target", "", "gated target state")
	cmd.Flags().IntVar(&stageID, "stage", 0, "triggering stage id (optional)")
	cmd.Flags().StringArrayVar(&affirmed, "affirm", []string{}, "checklist item, verbatim and in order (repeatable)")
	cmd.Flags().BoolVar(&affirmAll, "affirm-all", false, "affirm every checklist item of the gate")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func attestListCmd() *cobra.Command {
	var f repo.AttestationFilters
	cmd := &cobra.Command{
		Use:   "list <dataset-id>",
		Short: "List attestations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.DatasetID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttestations(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.TargetState, "target", "", "target state filter")
	return cmd
}

func attestChecklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checklist <state>",
		Short: "Show the checklist a gate requires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := lifecycle.State(args[0])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gate, ok := e.Rules.AttestationGateFor(state)
				if !ok {
					return fmt.Errorf("state %s has no attestation gate", state)
				}
				if viper.GetBool("json") {
					return printJSON(gate)
				}
				fmt.Printf("%s — %s\n", gate.Title, gate.Description)
				for i, item := range gate.Checklist {
					fmt.Printf("  %d. %s\n", i+1, item)
				}
				return nil
			})
		},
	}
	return cmd
}

func phiCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "phi",
		Short: "PHI scan gates",
		Long:  "Record the results of external PHI scans against the pre-analysis, pre-generation and pre-export gates, inspect effective gate status, and override blocking scans with a justification.",
	}
	p.AddCommand(phiScanCmd())
	p.AddCommand(phiListCmd())
	p.AddCommand(phiStatusCmd())
	p.AddCommand(phiOverrideCmd())
	return p
}

func phiScanCmd() *cobra.Command {
	var opts engine.RecordScanOptions
	var status, findingsJSON string
	cmd := &cobra.Command{
		Use:   "scan <dataset-id>",
		Short: "Record a PHI scan result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DatasetID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Status = lifecycle.PhiStatus(status)
			if findingsJSON != "" {
				if err := json.Unmarshal([]byte(findingsJSON), &opts.Findings); err != nil {
					return fmt.Errorf("invalid findings JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RecordScan(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.GateID, "gate", "", "gate id (pre-analysis, pre-generation, pre-export)")
	cmd.Flags().StringVar(&status, "status", "", "scan status (PASS, FAIL, QUARANTINED)")
	cmd.Flags().StringVar(&findingsJSON, "findings-json", "", "findings as a JSON array")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "scanned scope description")
	cmd.Flags().Int64Var(&opts.DurationMs, "duration-ms", 0, "scan duration in milliseconds")
	cmd.Flags().StringVar(&opts.ContentHash, "content-hash", "", "hash of the scanned content")
	_ = cmd.MarkFlagRequired("gate")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func phiListCmd() *cobra.Command {
	var f repo.PhiScanFilters
	cmd := &cobra.Command{
		Use:   "list <dataset-id>",
		Short: "List PHI scans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.DatasetID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPhiScans(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.GateID, "gate", "", "gate filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func phiStatusCmd() *cobra.Command {
	var gateID string
	cmd := &cobra.Command{
		Use:   "status <dataset-id>",
		Short: "Show the effective status of a PHI gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.EffectivePhiStatus(ctx, id, gateID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"gate_id":     gateID,
						"status":      status,
						"can_proceed": status.CanProceed(),
					})
				}
				fmt.Printf("Gate %s: %s (can proceed: %t)\n", gateID, status, status.CanProceed())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gateID, "gate", "", "gate id")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}

func phiOverrideCmd() *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   "override <scan-id>",
		Short: "Override a blocking PHI scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.OverrideScan(ctx, engine.OverrideScanOptions{
					ScanID:        scanID,
					ActorID:       viper.GetString("actor-id"),
					Justification: justification,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "override justification (at least 20 characters)")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func aiCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "ai",
		Short: "AI call gating",
	}
	a.AddCommand(aiCallCmd())
	return a
}

func aiCallCmd() *cobra.Command {
	var stageID int
	var purpose string
	cmd := &cobra.Command{
		Use:   "call <dataset-id>",
		Short: "Check and record an AI model call for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				err := e.RecordAICall(ctx, engine.AICallOptions{
					DatasetID: id,
					StageID:   stageID,
					ActorID:   viper.GetString("actor-id"),
					Purpose:   purpose,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stage_id": stageID, "approved": true})
				}
				fmt.Printf("AI call approved for stage %d\n", stageID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&stageID, "stage", 0, "stage id")
	cmd.Flags().StringVar(&purpose, "purpose", "", "what the call is for")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit ledger",
		Long:  "The append-only record of every governance decision: registrations, transitions, gate blocks, scans and overrides.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListAuditEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Dataset", "Actor", "PHI"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.TS, entry.Action, entry.DatasetID, entry.ActorID, entry.PhiStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DatasetID, "dataset", "", "dataset filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().BoolVar(&f.PhiOnly, "phi-only", false, "only PHI-related entries")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	return cmd
}

func statesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states",
		Short: "Show the lifecycle state graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Rules.MetadataTable())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Label", "Next", "Immutable", "Gate"})
				for _, s := range lifecycle.States() {
					meta := e.Rules.Metadata(s)
					next := make([]string, 0)
					for _, n := range e.Rules.AllowedNextStates(s) {
						next = append(next, string(n))
					}
					gate := ""
					if e.Rules.RequiresAttestation(s) {
						gate = "attestation"
					}
					tw.AppendRow(table.Row{s, meta.Label, strings.Join(next, ", "), e.Rules.IsImmutable(s), gate})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "gateline.yml carries deployment identity, checklist overrides, AI-enabled stages, RBAC roles and webhooks. Without it the built-in defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var deploymentID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(deploymentID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&deploymentID, "id", "gateline", "deployment id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			_, err := config.Load(workspace)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				seen := map[string]bool{}
				var perms []string
				for _, role := range roles {
					rolePerms, err := e.Repo.RolePermissions(ctx, role)
					if err != nil {
						return err
					}
					for _, p := range rolePerms {
						if !seen[p] {
							seen[p] = true
							perms = append(perms, p)
						}
					}
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    actorID,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Auth.EnsureActor(ctx, tx, target); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "keys",
		Short: "API key management",
	}
	k.AddCommand(keysCreateCmd())
	k.AddCommand(keysListCmd())
	k.AddCommand(keysDeleteCmd())
	return k
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := createAPIKey(ctx, e, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s for %s (store this, it is not shown again):\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(cmd.Context(), workspace, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GATELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

func createAPIKey(ctx context.Context, e engine.Engine, actorID, name string) (domain.APIKey, string, error) {
	raw := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Open(ctx, workspace, viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
