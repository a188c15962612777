package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/RegularizePGFN/regularize-bot/internal/config"
	"github.com/RegularizePGFN/regularize-bot/internal/core/cnpj"
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/core/probe"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/hibiken/asynq"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe <cnpj>...",
	Short: "Check CNPJs against the portal and print the verdicts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().Duration("delay", 0, "pause after each CNPJ (PROBE_DELAY)")
	probeCmd.Flags().String("rules", "", "classifier rules YAML (CLASSIFIER_RULES_FILE)")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "print the job as JSON")
	bindFlag(probeCmd, "delay", "PROBE_DELAY")
	bindFlag(probeCmd, "rules", "CLASSIFIER_RULES_FILE")

	rootCmd.AddCommand(probeCmd)
}

// inlineQueue drops the task; the command runs the job itself.
type inlineQueue struct{}

func (inlineQueue) Enqueue(*asynq.Task, string, int, ...asynq.Option) error { return nil }

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	// The CLI never talks to Redis or Postgres.
	viper.Set("JOB_STORE", "memory")
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewWithConfig("probe", logger.Config{AppEnv: cfg.AppEnv, Out: os.Stderr})

	p, classifier, solver, err := portalStack(cfg, log)
	if err != nil {
		return err
	}
	store := job.NewMemoryStore()
	svc := probe.NewService(store, inlineQueue{}, probe.NewProber(p, classifier, solver, cfg.MaxChallengeRounds),
		probe.Options{Delay: cfg.ProbeDelay})

	sub, err := svc.Enqueue(ctx, args)
	for _, r := range sub.Rejected {
		log.LogWarnf("Ignoring invalid CNPJ %q", r)
	}
	if err != nil {
		return err
	}
	if err := svc.Run(ctx, sub.JobID); err != nil {
		return err
	}
	j, err := store.Get(ctx, sub.JobID)
	if err != nil {
		return err
	}

	if probeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	}
	printResults(j)
	return nil
}

func printResults(j *job.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "CNPJ", "Cadastro", "Método", "Mensagem"})
	for i, r := range j.Results {
		verdict := "-"
		if r.Registered != nil {
			verdict = "não"
			if *r.Registered {
				verdict = "sim"
			}
		}
		tw.AppendRow(table.Row{i + 1, cnpj.Format(r.Identifier), verdict, r.Method, r.Message})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d", j.Progress, j.Total), "", "", string(j.Status)})
	tw.Render()
}
