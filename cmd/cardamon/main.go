//go:build linux

// Command cardamon measures the energy and carbon cost of developer-defined
// workloads: spawn the processes a scenario needs, run its command some
// number of times while sampling CPU utilization, and attribute the
// resulting energy/CO2 back to each observed process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ja7ad/cardamon/pkg/attribution"
	"github.com/ja7ad/cardamon/pkg/boavizta"
	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/carbon"
	"github.com/ja7ad/cardamon/pkg/config"
	"github.com/ja7ad/cardamon/pkg/dataset"
	"github.com/ja7ad/cardamon/pkg/driver"
	"github.com/ja7ad/cardamon/pkg/plan"
	"github.com/ja7ad/cardamon/pkg/queryapi"
	"github.com/ja7ad/cardamon/pkg/recorder"
	"github.com/ja7ad/cardamon/pkg/resourcemodel"
	"github.com/ja7ad/cardamon/pkg/sampler"
	"github.com/ja7ad/cardamon/pkg/store"
)

const (
	defaultConfigPath = "cardamon.toml"
	defaultDataDir    = "."
	daemonAddr        = ":3030"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		cardamonlog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose    bool
		configPath string
	)

	root := &cobra.Command{
		Use:   "cardamon",
		Short: "Measure the energy and carbon cost of a workload",
		Long: `cardamon spawns the processes a scenario needs, runs its command
some number of times while sampling CPU utilization, and attributes the
resulting energy (Wh) and CO2 (g) back to each observed process.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := cardamonlog.InfoLevel
			if verbose {
				level = cardamonlog.DebugLevel
			}
			cardamonlog.Init(cardamonlog.Config{Level: level})
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&configPath, "file", "f", defaultConfigPath, "path to cardamon.toml")

	root.AddCommand(newInitCmd(&configPath))
	root.AddCommand(newRunCmd(&configPath))
	return root
}

func newInitCmd(configPath *string) *cobra.Command {
	var tdp float64

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter cardamon.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cpuName := detectCPUName()
			avgPower := tdp

			if avgPower <= 0 {
				client := boavizta.New()
				watts, err := client.FetchAvgPower(cmd.Context(), cpuName)
				if err != nil {
					cardamonlog.WithComponent("init").Warn().Err(err).Msg("boavizta lookup failed, asking for the average CPU power")
					fmt.Print("average CPU power in watts: ")
					if _, scanErr := fmt.Fscan(os.Stdin, &watts); scanErr != nil || watts <= 0 {
						return fmt.Errorf("cardamon: could not resolve average CPU power, pass --tdp: %w", err)
					}
				}
				avgPower = watts
			}

			if err := config.WriteExample(*configPath, cpuName, avgPower); err != nil {
				return err
			}
			fmt.Printf("wrote %s (cpu=%q avg_power=%.1fW)\n", *configPath, cpuName, avgPower)
			return nil
		},
	}
	cmd.Flags().Float64Var(&tdp, "tdp", 0, "average CPU power in watts (skips the Boavizta lookup)")
	return cmd
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		pids          []string
		containers    []string
		externalOnly  bool
		daemon        bool
		resourceBreak bool
	)

	cmd := &cobra.Command{
		Use:   "run <observation|scenario>",
		Short: "Run a scenario or live observation and record its energy/CO2 cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			externalPids, err := parsePids(pids)
			if err != nil {
				return err
			}

			p, err := plan.BuildPlan(cfg, name, plan.Options{
				ExternalPids:       externalPids,
				ExternalContainers: containers,
				ExternalOnly:       externalOnly,
				Daemon:             daemon,
			})
			if err != nil {
				return err
			}

			st, err := store.NewBoltStore(defaultDataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			creader, closeReader := newContainerReader(p)
			if closeReader != nil {
				defer closeReader()
			}

			region, ci := carbon.Resolve(cmd.Context(), carbon.OfflineLookup{}, time.Now())
			rec := recorder.New(st)

			var tracker *resourceTrackerAdapter
			if resourceBreak {
				tracker, err = newResourceTrackerAdapter()
				if err != nil {
					cardamonlog.WithComponent("run").Warn().Err(err).Msg("--resource-breakdown requested but cgroup sampling is unavailable, continuing without it")
					tracker = nil
				} else {
					defer tracker.Close()
				}
			}

			switch p.Mode {
			case plan.ModeDaemon:
				return runDaemon(cmd.Context(), rec, creader, p, cfg.Computer.CPUName, cfg.Computer.CPUAvgPower, region, ci, st, tracker)
			case plan.ModeLive:
				return runLive(cmd.Context(), rec, creader, p, cfg.Computer.CPUName, cfg.Computer.CPUAvgPower, region, ci, tracker)
			default:
				return runScenario(cmd.Context(), rec, creader, p, cfg.Computer.CPUName, cfg.Computer.CPUAvgPower, region, ci, tracker, st)
			}
		},
	}

	cmd.Flags().StringSliceVar(&pids, "pids", nil, "already-running pids to observe alongside the plan")
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "already-running container names to observe alongside the plan")
	cmd.Flags().BoolVar(&externalOnly, "external-only", false, "skip starting cardamon-managed processes; only observe --pids/--containers")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "for a LiveMonitor observation, expose HTTP /start and /stop instead of running until Ctrl-C")
	cmd.Flags().BoolVar(&resourceBreak, "resource-breakdown", false, "additionally track a CPU+disk+RAM power breakdown via cgroup sampling")
	return cmd
}

func runScenario(ctx context.Context, rec *recorder.Recorder, creader sampler.ContainerReader, p *plan.ExecutionPlan, cpuName string, cpuAvgPower float64, region string, ci float64, tracker *resourceTrackerAdapter, st store.Store) error {
	d := driver.NewScenarioDriver(rec, creader)
	if tracker != nil {
		d.WithResourceTracker(tracker)
	}
	runID, err := d.Run(ctx, p, cpuName, cpuAvgPower, region, ci)
	if err != nil {
		return err
	}
	printRunSummary(st, runID)
	return nil
}

// printRunSummary renders a run's per-scenario Wh/CO2/trend totals as an
// aligned table, the way the teacher's own cmd/consumption prints its
// per-tick power readings.
func printRunSummary(st store.Store, runID string) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tPOW (Wh)\tCO2 (g)\tTREND (Wh)")
	fmt.Fprintln(tw, "--------\t--------\t-------\t----------")

	b := dataset.New(st).ScenariosInRun(runID)
	ds, err := b.LastNRuns(0)
	if err != nil {
		cardamonlog.WithRunID(runID).Warn().Err(err).Msg("failed to build run summary")
		return
	}
	for _, sd := range ds.ByScenario() {
		scData := attribution.AggregateScenario(sd, 5)
		trend := "--"
		if !isNaN(scData.Trend) {
			trend = fmt.Sprintf("%.4f", scData.Trend)
		}
		cur := scData.Data
		for _, rd := range scData.RunData {
			if rd.RunID == runID {
				cur = rd.Data
				break
			}
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%s\n", scData.ScenarioName, cur.PowWh, cur.CO2G, trend)
	}
	tw.Flush()
	fmt.Printf("run %s complete\n", runID)
}

func isNaN(f float64) bool { return f != f }

func runLive(ctx context.Context, rec *recorder.Recorder, creader sampler.ContainerReader, p *plan.ExecutionPlan, cpuName string, cpuAvgPower float64, region string, ci float64, tracker *resourceTrackerAdapter) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := driver.NewLiveDriver(rec, creader)
	if tracker != nil {
		d.WithResourceTracker(tracker)
	}
	fmt.Println("recording live, press Ctrl-C to stop...")
	runID, err := d.Run(ctx, p, "", cpuName, cpuAvgPower, region, ci)
	if err != nil {
		return err
	}
	fmt.Printf("run %s complete\n", runID)
	return nil
}

func runDaemon(ctx context.Context, rec *recorder.Recorder, creader sampler.ContainerReader, p *plan.ExecutionPlan, cpuName string, cpuAvgPower float64, region string, ci float64, st store.Store, tracker *resourceTrackerAdapter) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := driver.NewDaemonDriver(rec, creader)
	if tracker != nil {
		d.WithResourceTracker(tracker)
	}

	mux := http.NewServeMux()
	mux.Handle("/start", d.Handler(p, cpuName, cpuAvgPower, region, ci))
	mux.Handle("/stop", d.Handler(p, cpuName, cpuAvgPower, region, ci))
	mux.Handle("/scenarios", queryapi.NewHandler(st).Mux())
	// Both /start and /stop route into the same daemon driver's mux, which
	// matches on the full request path internally.

	srv := &http.Server{Addr: daemonAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	cardamonlog.WithComponent("daemon").Info().Str("addr", daemonAddr).Msg("daemon listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newContainerReader(p *plan.ExecutionPlan) (sampler.ContainerReader, func()) {
	if !planHasContainers(p) {
		return nil, nil
	}
	reader, err := sampler.NewDockerReader()
	if err != nil {
		cardamonlog.WithComponent("run").Warn().Err(err).Msg("docker client unavailable, container targets will not be sampled")
		return nil, nil
	}
	return reader, func() { _ = reader.Close() }
}

func planHasContainers(p *plan.ExecutionPlan) bool {
	for _, def := range p.Processes {
		if def.Process.Type == config.ProcessTypeDocker {
			return true
		}
	}
	for _, t := range p.ExternalTargets {
		if t.Kind == plan.TargetContainer {
			return true
		}
	}
	return false
}

func parsePids(raw []string) ([]int, error) {
	out := make([]int, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("cardamon: invalid pid %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func detectCPUName() string {
	return "unknown-cpu"
}

// resourceTrackerAdapter satisfies driver.ResourceTracker over a
// pkg/resourcemodel.Tracker, translating its consumption.Result-shaped
// return values into the plain floats the driver package (kept
// platform-agnostic) deals in.
type resourceTrackerAdapter struct {
	tracker *resourcemodel.Tracker
}

func newResourceTrackerAdapter() (*resourceTrackerAdapter, error) {
	t, err := resourcemodel.NewTracker(0)
	if err != nil {
		return nil, fmt.Errorf("cardamon: resource tracker: %w", err)
	}
	return &resourceTrackerAdapter{tracker: t}, nil
}

func (a *resourceTrackerAdapter) Tick(pids []int, dtSec float64) error {
	_, err := a.tracker.Tick(pids, dtSec)
	return err
}

func (a *resourceTrackerAdapter) Breakdown() (cpuW, diskW, ramW, energyJ float64) {
	b := a.tracker.Breakdown()
	return b.Cumulative.PCPU, b.Cumulative.PDisk, b.Cumulative.PRAM, b.EnergyCumJ
}

func (a *resourceTrackerAdapter) Close() error { return a.tracker.Close() }
