// Copyright 2026 Devport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command devport runs the developer portfolio assistant.
//
// Usage:
//
//	devport run <username>
//	devport ops list
//	devport history <username>
//	devport report
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/devport-labs/devport/pkg/config"
	"github.com/devport-labs/devport/pkg/evaluation"
	"github.com/devport-labs/devport/pkg/logger"
	"github.com/devport-labs/devport/pkg/memstore"
	"github.com/devport-labs/devport/pkg/runtime"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Run a portfolio update for a GitHub user."`
	Ops     OpsCmd     `cmd:"" help:"Inspect long-running operations."`
	History HistoryCmd `cmd:"" help:"Show past portfolio updates for a user."`
	Report  ReportCmd  `cmd:"" help:"Show the agent performance report."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("devport version %s\n", version)
	return nil
}

// RunCmd runs the portfolio update workflow.
type RunCmd struct {
	Username string `arg:"" help:"GitHub username to update the portfolio for."`
	Output   string `short:"o" help:"Override the output file path."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Output != "" {
		cfg.Portfolio.OutputPath = c.Output
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.Coordinator.UpdatePortfolio(ctx, c.Username)
	if err != nil {
		return err
	}

	fmt.Printf("Portfolio updated for %s\n", result.Username)
	fmt.Printf("  operation: %s\n", result.OperationID)
	fmt.Printf("  model:     %s\n", result.Model)
	fmt.Printf("  quality:   %.1f/100\n", result.QualityScore)
	fmt.Printf("  file:      %s\n", result.File)
	fmt.Printf("  elapsed:   %s\n", result.Elapsed.Round(time.Millisecond))
	return nil
}

// OpsCmd inspects operations recorded in the store.
type OpsCmd struct {
	List   OpsListCmd   `cmd:"" default:"1" help:"List recorded operation transitions."`
	Status OpsStatusCmd `cmd:"" help:"Show the current status of one operation."`
}

// OpsListCmd lists persisted operation transitions.
type OpsListCmd struct {
	Operation string `help:"Restrict to one operation id."`
	Limit     int    `help:"Maximum transitions to show." default:"20"`
}

func (c *OpsListCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, _, err := openRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := memstore.Filter{Limit: c.Limit}
	if c.Operation != "" {
		filter.SubjectKey = "op:" + c.Operation
	}
	entries, err := rt.Store.Query(ctx, filter)
	if err != nil {
		return err
	}

	shown := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.SubjectKey, "op:") {
			continue
		}
		fmt.Printf("%s  %s  %v -> %v  %v\n",
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.SubjectKey,
			entry.Payload["from"], entry.Payload["to"],
			entry.Payload["checkpoint"])
		shown++
	}
	if shown == 0 {
		fmt.Println("No operations recorded.")
	}
	return nil
}

// OpsStatusCmd derives an operation's current status from its persisted
// transition log.
type OpsStatusCmd struct {
	Operation string `arg:"" help:"Operation id."`
}

func (c *OpsStatusCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, _, err := openRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.Store.Query(ctx, memstore.Filter{SubjectKey: "op:" + c.Operation})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no transitions recorded for operation %s", c.Operation)
	}

	last := entries[len(entries)-1]
	fmt.Printf("operation:  %s\n", c.Operation)
	fmt.Printf("name:       %v\n", last.Payload["name"])
	fmt.Printf("owner:      %v\n", last.Payload["owner_agent"])
	fmt.Printf("status:     %v\n", last.Payload["to"])
	if cp, ok := last.Payload["checkpoint"]; ok {
		fmt.Printf("checkpoint: %v\n", cp)
	}
	if reason, ok := last.Payload["error"]; ok {
		fmt.Printf("error:      %v\n", reason)
	}
	fmt.Printf("updated:    %s\n", last.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("transitions: %d\n", len(entries))
	return nil
}

// HistoryCmd shows past portfolio updates for a user.
type HistoryCmd struct {
	Username string `arg:"" help:"GitHub username."`
	Limit    int    `help:"Maximum updates to show." default:"10"`
}

func (c *HistoryCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, _, err := openRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.Store.Query(ctx, memstore.Filter{
		SubjectKey: "portfolio:" + c.Username,
		Limit:      c.Limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No portfolio updates recorded for %s.\n", c.Username)
		return nil
	}

	for _, entry := range entries {
		fmt.Printf("[%s] %v", entry.CreatedAt.Format("2006-01-02 15:04:05"), entry.Payload["file"])
		if score, ok := entry.Metadata["quality_score"]; ok {
			fmt.Printf("  quality=%v", score)
		}
		fmt.Println()
	}
	return nil
}

// ReportCmd prints the evaluator's performance report.
type ReportCmd struct {
	JSON bool `help:"Emit the report as JSON."`
}

func (c *ReportCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, _, err := openRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Rebuilt from the store so past runs are visible, not just this
	// process's observations.
	report, err := evaluation.FromStore(ctx, rt.Store)
	if err != nil {
		return err
	}
	if c.JSON {
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	fmt.Printf("Operations: started=%d completed=%d failed=%d cancelled=%d\n",
		report.Operations.Started, report.Operations.Completed,
		report.Operations.Failed, report.Operations.Cancelled)
	fmt.Printf("Events: %d\n", report.Events)
	for _, agent := range report.Agents {
		fmt.Printf("%-20s attempts=%d success=%.0f%% avg_latency=%s",
			agent.Agent, agent.Attempts, agent.SuccessRate*100, agent.AvgLatency)
		if agent.AvgQuality > 0 {
			fmt.Printf(" avg_quality=%.1f", agent.AvgQuality)
		}
		fmt.Println()
	}
	return nil
}

func openRuntime(cli *CLI) (*runtime.Runtime, *config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, err
	}
	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("devport"),
		kong.Description("Developer portfolio assistant - agent orchestration core"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
