package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zen-systems/switchyard/pkg/adapter"
	"github.com/zen-systems/switchyard/pkg/config"
	"github.com/zen-systems/switchyard/pkg/engine"
	"github.com/zen-systems/switchyard/pkg/observe"
	"github.com/zen-systems/switchyard/pkg/router"
)

var (
	configFile  string
	mockFlag    bool
	debugFlag   bool
	metricsFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchyard",
		Short: "Adaptive routing across interchangeable LLM backends",
		Long: `Switchyard routes each request to the backend with the best balance of
	observed quality and cost, drafts on cheap backends when it pays off,
	and fans batches of agent requests out under a shared daily budget.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().BoolVar(&mockFlag, "mock", false, "serve every provider with the mock adapter")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-out", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(swarmCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and whether they can be called",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tIN $/1M\tOUT $/1M\tQUALITY\tP99\tSTATUS")
			for _, d := range cfg.RoutingConfig.Backends {
				status := "no key"
				if mockFlag || cfg.HasProvider(d.Provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%s\t%s\n",
					d.ID, d.Provider, d.ModelName(),
					d.CostPerInputToken*1e6, d.CostPerOutputToken*1e6,
					d.Quality, d.LatencyP99, status)
			}
			return w.Flush()
		},
	}
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show task types and their triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK TYPE\tBACKENDS\tTRIGGERS")

			var taskTypes []string
			for name := range cfg.RoutingConfig.TaskTypes {
				taskTypes = append(taskTypes, name)
			}
			sort.Strings(taskTypes)

			for _, name := range taskTypes {
				var capable []string
				for _, d := range cfg.RoutingConfig.Backends {
					if d.Supports(name) {
						capable = append(capable, d.ID)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name,
					strings.Join(capable, ", "),
					strings.Join(cfg.RoutingConfig.TaskTypes[name].Triggers, ", "))
			}
			return w.Flush()
		},
	}
}

func modelsCmd() *cobra.Command {
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model aliases",
		Long: `Lists model aliases and what they resolve to.

	Use --validate to check every backend model against its provider's model list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if validateFlag {
				errs := cfg.Aliases.ValidateBackends(cfg.RoutingConfig.Backends)
				if len(errs) == 0 {
					fmt.Println("All backend models are valid.")
					return nil
				}
				fmt.Fprintf(os.Stderr, "Found %d validation errors:\n", len(errs))
				for _, err := range errs {
					fmt.Fprintf(os.Stderr, "  - %s\n", err)
				}
				return fmt.Errorf("validation failed")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tMODEL")
			var names []string
			for name := range cfg.Aliases.Aliases {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, cfg.Aliases.Aliases[name])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check backend models against provider model lists")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [routing.yaml]",
		Short: "Validate a routing config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadRoutingConfig(args[0]); err != nil {
				return err
			}
			fmt.Println("Routing config is valid.")
			return nil
		},
	}
}

func routeCmd() *cobra.Command {
	var (
		agentFlag  string
		taskFlag   string
		tokensFlag int
		flags      constraintFlags
	)

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Show the routing decision for a prompt without calling a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			taskType := taskFlag
			if taskType == "" {
				taskType = eng.Classifier.TaskType(args[0])
			}
			if tokensFlag == 0 {
				tokensFlag = adapter.EstimateTokens(args[0])
			}

			c := flags.constraints()
			decision, err := eng.Router.Route(agentFlag, taskType, &c, tokensFlag)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, struct {
				*router.Decision
				Tier router.Tier `json:"tier"`
			}{decision, decision.ConfidenceTier()})
		},
	}

	cmd.Flags().StringVar(&agentFlag, "agent", "cli", "agent id used for profile lookup")
	cmd.Flags().StringVar(&taskFlag, "task", "", "task type (classified from the prompt when empty)")
	cmd.Flags().IntVar(&tokensFlag, "tokens", 0, "input token estimate (estimated from the prompt when zero)")
	flags.register(cmd)
	return cmd
}

func askCmd() *cobra.Command {
	var (
		agentFlag       string
		taskFlag        string
		speculativeFlag bool
		flags           constraintFlags
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a prompt to the best backend",
		Long: `Routes the prompt and calls the chosen backend.

	Use --speculative to draft on the cheapest eligible backend and have the
	chosen backend verify the draft.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			c := flags.constraints()
			out := eng.Swarm.Execute(cmd.Context(), swarmRequest(agentFlag, taskFlag, args[0], &c, speculativeFlag))
			if !out.Success {
				return out.Err
			}
			fmt.Fprintf(os.Stderr, "Routed %s to %s (%s, $%.6f, %.0fms)\n",
				out.TaskType, out.BackendID, out.Strategy, out.Cost, out.LatencyMs)
			fmt.Println(out.Output)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentFlag, "agent", "cli", "agent id used for profile lookup and spend attribution")
	cmd.Flags().StringVar(&taskFlag, "task", "", "task type (classified from the prompt when empty)")
	cmd.Flags().BoolVar(&speculativeFlag, "speculative", false, "draft on a cheap backend, verify on the chosen one")
	flags.register(cmd)
	return cmd
}

// constraintFlags binds routing constraints to command flags.
type constraintFlags struct {
	maxCost     float64
	minQuality  float64
	maxLatency  time.Duration
	preferLocal bool
	exclude     []string
}

func (f *constraintFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "highest acceptable estimated cost in USD")
	cmd.Flags().Float64Var(&f.minQuality, "min-quality", 0, "lowest acceptable quality in [0, 1]")
	cmd.Flags().DurationVar(&f.maxLatency, "max-latency", 0, "highest acceptable latency")
	cmd.Flags().BoolVar(&f.preferLocal, "prefer-local", false, "favor local backends")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "backend ids to exclude")
}

func (f *constraintFlags) constraints() router.Constraints {
	return router.Constraints{
		MaxCost:     f.maxCost,
		MinQuality:  f.minQuality,
		MaxLatency:  f.maxLatency,
		PreferLocal: f.preferLocal,
		Exclude:     f.exclude,
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadWithRoutingFile(configFile)
	}
	return config.Load()
}

func buildEngine() (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return buildEngineFrom(cfg)
}

// buildEngineFrom creates adapters and sinks and assembles the routing
// stack. The returned cleanup writes metrics when requested.
func buildEngineFrom(cfg *config.Config) (*engine.Engine, func(), error) {
	adapters, err := createAdapters(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create adapters: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := observe.NewPrometheusSink(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	sinks := observe.Multi{metrics}
	if debugFlag {
		sinks = append(sinks, observe.LogSink{})
	}

	eng, err := engine.New(cfg.RoutingConfig, adapters,
		engine.WithSink(sinks),
		engine.WithDebug(debugFlag),
	)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if metricsFile == "" {
			return
		}
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			log.Printf("[metrics] write %s: %v", metricsFile, err)
		}
	}
	return eng, cleanup, nil
}

func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if mockFlag {
		for _, d := range cfg.RoutingConfig.Backends {
			if _, ok := adapters[d.Provider]; !ok {
				adapters[d.Provider] = adapter.NewMockAdapter().Named(d.Provider)
			}
		}
		return adapters, nil
	}

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	if cfg.OllamaHost != "" {
		adapters["ollama"] = adapter.NewOllamaAdapter(cfg.OllamaHost)
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
