package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/switchyard/pkg/budget"
	"github.com/zen-systems/switchyard/pkg/router"
	"github.com/zen-systems/switchyard/pkg/swarm"
)

// batchFile is the YAML layout accepted by the swarm command.
type batchFile struct {
	Requests []swarm.Request `yaml:"requests"`
}

func loadBatch(path string) ([]swarm.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var batch batchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(batch.Requests) == 0 {
		return nil, fmt.Errorf("%s: no requests", path)
	}
	for i, r := range batch.Requests {
		if r.Prompt == "" {
			return nil, fmt.Errorf("%s: request %d has no prompt", path, i)
		}
		if r.Constraints != nil {
			if err := r.Constraints.Validate(); err != nil {
				return nil, fmt.Errorf("%s: request %d: %w", path, i, err)
			}
		}
	}
	return batch.Requests, nil
}

func swarmRequest(agentID, taskType, prompt string, c *router.Constraints, speculative bool) swarm.Request {
	return swarm.Request{
		AgentID:     agentID,
		TaskType:    taskType,
		Prompt:      prompt,
		Constraints: c,
		Priority:    swarm.PriorityNormal,
		Speculative: speculative,
	}
}

func swarmCmd() *cobra.Command {
	var (
		concurrencyFlag int
		deadlineFlag    time.Duration
		speculativeFlag bool
		jsonFlag        bool
		windowFlag      string
	)

	cmd := &cobra.Command{
		Use:   "swarm [requests.yaml]",
		Short: "Run a batch of agent requests in parallel",
		Long: `Runs every request in the file concurrently under the shared budget.

	The file lists requests under a "requests" key; each request takes
	agent_id, prompt and optionally id, task_type, estimated_tokens,
	constraints, priority (normal or critical) and speculative.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := budget.ParseWindow(windowFlag)
			if err != nil {
				return err
			}
			requests, err := loadBatch(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if concurrencyFlag > 0 {
				cfg.RoutingConfig.Swarm.Concurrency = concurrencyFlag
			}
			if deadlineFlag > 0 {
				cfg.RoutingConfig.Swarm.Deadline = deadlineFlag
			}
			if speculativeFlag {
				cfg.RoutingConfig.Swarm.Speculative = true
			}
			cfg.RoutingConfig.Swarm.StableOrder = true

			eng, cleanup, err := buildEngineFrom(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			result := eng.Swarm.ExecuteParallel(cmd.Context(), requests)
			report := eng.Budget.SpendReport(window)

			if jsonFlag {
				return writeJSON(os.Stdout, struct {
					*swarm.BatchResult
					Spend     budget.SpendReport `json:"spend"`
					Breakdown []budget.Entry     `json:"breakdown"`
				}{result, report, eng.Budget.Breakdown()})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REQUEST\tTASK\tBACKEND\tSTRATEGY\tCOST\tLATENCY\tRESULT")
			for _, o := range result.Outcomes {
				status := "ok"
				if !o.Success {
					status = o.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.6f\t%.0fms\t%s\n",
					o.RequestID, o.TaskType, o.BackendID, o.Strategy, o.Cost, o.LatencyMs, status)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "completed %d, failed %d\n", result.Completed, result.Failed)
			fmt.Fprintf(w, "spent $%.4f of $%.2f (%s window $%.4f, projected daily $%.4f)\n",
				report.SpentToday, report.Limit, report.Window, report.Spent, report.ProjectedDaily)
			if err := w.Flush(); err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d requests failed", result.Failed, len(requests))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrencyFlag, "concurrency", 0, "requests in flight (config default when zero)")
	cmd.Flags().DurationVar(&deadlineFlag, "deadline", 0, "deadline for the whole batch")
	cmd.Flags().BoolVar(&speculativeFlag, "speculative", false, "draft every request on a cheap backend")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print results as JSON")
	cmd.Flags().StringVar(&windowFlag, "window", "hour", "spend report window (minute, hour, day)")
	return cmd
}
