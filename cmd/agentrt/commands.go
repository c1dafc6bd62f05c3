package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentkernel/runtime/internal/kernel"
	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
	"github.com/agentkernel/runtime/internal/scheduler"
	"github.com/agentkernel/runtime/internal/usage"
)

// buildRunCmd drives one session end to end through the kernel: plan,
// execute every step, extract a lesson, print the outcome.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		taskText   string
		mode       string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single task through the kernel's plan/execute loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskText == "" {
				return fmt.Errorf("--task is required")
			}
			deps, closeFn, err := buildRuntimeDeps(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer closeFn()

			task := kernel.Task{
				Text:      taskText,
				CreatedAt: time.Now().UTC(),
			}
			limits := kernel.Limits{
				MaxSteps:      deps.cfg.Kernel.DefaultLimits.MaxSteps,
				MaxDurationMS: deps.cfg.Kernel.DefaultLimits.MaxDurationMS,
				MaxIterations: deps.cfg.Kernel.DefaultLimits.MaxIterations,
				MaxCostUSD:    deps.cfg.Kernel.DefaultLimits.MaxCostUSD,
			}
			policy := permission.PolicyProfile{
				AllowedPaths:             deps.cfg.Kernel.DefaultPolicy.AllowedPaths,
				AllowedEndpoints:         deps.cfg.Kernel.DefaultPolicy.AllowedEndpoints,
				AllowedCommands:          deps.cfg.Kernel.DefaultPolicy.AllowedCommands,
				RequireApprovalForWrites: deps.cfg.Kernel.DefaultPolicy.RequireApprovalForWrites,
			}

			session := deps.kernel.CreateSession(task, registry.DispatchMode(mode), limits, policy)
			runErr := deps.kernel.Run(cmd.Context(), session)

			if asJSON {
				out := map[string]any{
					"session_id":     session.SessionID,
					"status":         session.Status,
					"steps_executed": session.StepsExecuted,
					"cost_usd":       session.CostUSD,
					"task_state":     toTaskStateView(session.TaskState),
				}
				if session.FailureReason != nil {
					out["failure_reason"] = session.FailureReason
				}
				raw, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
			} else {
				elapsed := usage.FormatElapsed(time.Since(session.CreatedAt).Milliseconds())
				fmt.Printf("session %s: %s (%d steps, %s)\n", session.SessionID, session.Status, session.StepsExecuted, elapsed)
				if limits.MaxCostUSD > 0 {
					fmt.Printf("  cost: %s\n", usage.FormatBudgetUsed(session.CostUSD, limits.MaxCostUSD))
				}
				if session.FailureReason != nil {
					fmt.Printf("  failure: %s: %s\n", session.FailureReason.Code, session.FailureReason.Message)
				}
				snap := toTaskStateView(session.TaskState)
				for _, title := range snap.StepTitles {
					fmt.Printf("  - %s\n", title)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a runtime config file")
	cmd.Flags().StringVar(&taskText, "task", "", "the task text to run")
	cmd.Flags().StringVar(&mode, "mode", string(registry.ModeMock), "dispatch mode: mock, dry_run, or real")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

// buildScheduleCmd groups the scheduler's CRUD surface.
func buildScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage time-triggered jobs",
	}
	cmd.AddCommand(
		buildScheduleCreateCmd(),
		buildScheduleListCmd(),
		buildScheduleDeleteCmd(),
		buildSchedulePauseCmd(),
		buildScheduleResumeCmd(),
		buildScheduleTickCmd(),
	)
	return cmd
}

func buildScheduleCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		every      string
		cronExpr   string
		taskText   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, closeFn, err := buildRuntimeDeps(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer closeFn()

			trigger := scheduler.Trigger{}
			switch {
			case every != "":
				trigger.Kind = scheduler.TriggerEvery
				trigger.IntervalText = every
			case cronExpr != "":
				trigger.Kind = scheduler.TriggerCron
				trigger.CronExpr = cronExpr
			default:
				return fmt.Errorf("one of --every or --cron is required")
			}

			action := scheduler.Action{
				Kind:     scheduler.ActionCreateSession,
				TaskText: taskText,
			}

			sched, err := deps.scheduler.CreateSchedule(cmd.Context(), name, trigger, action, scheduler.DefaultOptions())
			if err != nil {
				return err
			}
			fmt.Printf("created schedule %s (%s)\n", sched.ScheduleID, sched.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a runtime config file")
	cmd.Flags().StringVar(&name, "name", "", "schedule name")
	cmd.Flags().StringVar(&every, "every", "", `interval trigger, e.g. "30m"`)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression trigger")
	cmd.Flags().StringVar(&taskText, "task", "", "task text the schedule's createSession action runs")
	return cmd
}

func buildScheduleListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, closeFn, err := buildRuntimeDeps(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer closeFn()

			schedules, err := deps.scheduler.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range schedules {
				fmt.Printf("%s\t%s\t%s\truns=%d\tfailures=%d\n", s.ScheduleID, s.Name, s.Status, s.RunCount, s.FailureCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a runtime config file")
	return cmd
}

func buildScheduleDeleteCmd() *cobra.Command {
	return scheduleIDCmd("delete", "Delete a schedule", func(ctx context.Context, s *scheduler.Scheduler, id string) error {
		return s.DeleteSchedule(ctx, id)
	})
}

func buildSchedulePauseCmd() *cobra.Command {
	return scheduleIDCmd("pause", "Pause a schedule", func(ctx context.Context, s *scheduler.Scheduler, id string) error {
		return s.PauseSchedule(ctx, id)
	})
}

func buildScheduleResumeCmd() *cobra.Command {
	return scheduleIDCmd("resume", "Resume a paused schedule", func(ctx context.Context, s *scheduler.Scheduler, id string) error {
		return s.ResumeSchedule(ctx, id)
	})
}

func scheduleIDCmd(use, short string, fn func(ctx context.Context, s *scheduler.Scheduler, id string) error) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, closeFn, err := buildRuntimeDeps(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer closeFn()
			return fn(cmd.Context(), deps.scheduler, args[0])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a runtime config file")
	return cmd
}

func buildScheduleTickCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Evaluate due schedules once and fire them (for cron-less environments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, closeFn, err := buildRuntimeDeps(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer closeFn()
			fired, tickErr := deps.scheduler.Tick(cmd.Context())
			fmt.Printf("fired %d schedule(s)\n", fired)
			return tickErr
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a runtime config file")
	return cmd
}

// buildMemoryCmd exposes Active Memory's keyword+tool-name query.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect Active Memory",
	}
	cmd.AddCommand(buildMemoryQueryCmd())
	return cmd
}

func buildMemoryQueryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "query <task text>",
		Short: "Query Active Memory by keyword and tool-name overlap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, closeFn, err := buildRuntimeDeps(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer closeFn()

			hits := deps.memory.Query(cmd.Context(), args[0], nil, limit)
			if len(hits) == 0 {
				fmt.Println("no matching lessons")
				return nil
			}
			for _, h := range hits {
				fmt.Printf("[%.2f] %s: %s\n", h.Score, h.TaskSummary, h.Lesson)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a runtime config file")
	cmd.Flags().IntVar(&limit, "limit", 3, "maximum number of lessons to return")
	return cmd
}
