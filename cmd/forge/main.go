// Command forge runs the software-generation engine: `forge run` executes
// one workflow locally with live progress output, `forge serve` starts the
// HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"forge/internal/app"
	"forge/internal/config"
	"forge/internal/orchestrator"
	httpserver "forge/internal/server/http"
	"forge/internal/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "forge",
		Short:         "Multi-agent software generation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to forge-config.json")

	loadConfig := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}

	root.AddCommand(newRunCommand(loadConfig))
	root.AddCommand(newServeCommand(loadConfig))
	return root
}

func newRunCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var workflowID string
	var resumeID string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute one workflow locally and stream progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			services, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			taskID := resumeID
			resume := resumeID != ""
			if !resume {
				if len(args) == 0 {
					return fmt.Errorf("a prompt is required unless --resume is given")
				}
				result, err := services.Store.Create(ctx, task.CreateParams{
					Prompt:      args[0],
					WorkflowID:  workflowID,
					ProjectRoot: cfg.ProjectRoot,
				})
				if err != nil {
					return err
				}
				taskID = result.TaskID
				if result.Duplicate {
					fmt.Printf("%s task %s is already active for this prompt\n", yellow("duplicate:"), taskID)
					return nil
				}
			}
			fmt.Printf("%s %s\n", cyan("task:"), taskID)

			events, cancelSub := services.Orchestrator.Events().Subscribe(taskID)
			defer cancelSub()
			go printEvents(events)

			// Kill the active subprocess on Ctrl-C, then let the worker
			// observe the flag.
			go func() {
				<-ctx.Done()
				_ = services.Orchestrator.Cancel(taskID)
			}()

			if resume {
				err = services.Orchestrator.RunResume(ctx, taskID)
			} else {
				err = services.Orchestrator.Run(ctx, taskID)
			}
			if err != nil {
				return err
			}

			report, err := services.Orchestrator.Progress(context.Background(), taskID)
			if err != nil {
				return err
			}
			printOutcome(report)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id to execute")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing task by id")
	return cmd
}

func printEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		prefix := gray(ev.Timestamp.Format("15:04:05"))
		agent := ""
		if ev.Agent != "" {
			agent = cyan("["+ev.Agent+"] ")
		}
		switch ev.Level {
		case orchestrator.EventError:
			fmt.Printf("%s %s%s\n", prefix, agent, red(ev.Message))
		case orchestrator.EventWarn:
			fmt.Printf("%s %s%s\n", prefix, agent, yellow(ev.Message))
		default:
			fmt.Printf("%s %s%s\n", prefix, agent, ev.Message)
		}
	}
}

func printOutcome(report *orchestrator.ProgressReport) {
	switch report.Status {
	case task.StatusCompleted:
		fmt.Printf("%s all %d agents finished\n", green("done:"), len(report.CompletedAgents))
	case task.StatusCancelled:
		fmt.Printf("%s run cancelled at %s\n", yellow("cancelled:"), report.CurrentAgent)
	default:
		fmt.Printf("%s %s (status %s)\n", red("stopped:"), report.ErrorMessage, report.Status)
	}
}

func newServeCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			services, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := httpserver.NewServer(httpserver.Config{
				Host:        cfg.Host,
				Port:        cfg.Port,
				EnableCORS:  cfg.EnableCORS,
				ProjectRoot: cfg.ProjectRoot,
			}, services.Orchestrator, services.Store, services.Logger)

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return srv.ListenAndServe(groupCtx)
			})
			fmt.Printf("%s http://%s:%d\n", green("listening:"), cfg.Host, cfg.Port)
			return group.Wait()
		},
	}
}
