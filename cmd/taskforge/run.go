package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/taskforge/config"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/planner"
	"github.com/mohammad-safakhou/taskforge/internal/runner"
	"github.com/mohammad-safakhou/taskforge/internal/runtime"
)

func runCMD() *cobra.Command {
	var jobPath, planPath, outPath, cfgPath string
	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute a job to completion and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := cmd.Context()

			job, err := readJob(jobPath)
			if err != nil {
				return err
			}
			comps, err := runtime.Build(ctx, cfg, log.New(os.Stderr, "[RUNTIME] ", log.LstdFlags))
			if err != nil {
				return err
			}
			defer comps.Close()

			var plan core.PlanSpec
			if planPath != "" {
				data, err := os.ReadFile(planPath)
				if err != nil {
					return fmt.Errorf("read plan: %w", err)
				}
				if plan, err = planner.DecodePlan(data); err != nil {
					return err
				}
			} else if plan, err = planner.Compile(job, comps.Skills, planner.WithPolicy(comps.Policy)); err != nil {
				return err
			}

			eng := comps.Runner(
				runner.WithLogger(log.New(os.Stderr, "[RUNNER] ", log.LstdFlags)),
				runner.WithAcceptance(runner.KeywordAcceptance{}),
			)
			res, runErr := eng.Submit(ctx, runner.RunRequest{Job: job, Plan: plan})
			if res != nil {
				if err := writeJSON(outPath, res); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if res.Status == core.ResultFailed {
				return errors.New("run failed")
			}
			return nil
		},
	}
	run.Flags().StringVar(&jobPath, "job", "", "job spec JSON file (- for stdin)")
	run.Flags().StringVar(&planPath, "plan", "", "plan JSON file (compiled from the job when empty)")
	run.Flags().StringVarP(&outPath, "out", "o", "", "write the result to this file instead of stdout")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = run.MarkFlagRequired("job")

	return run
}

func compileCMD() *cobra.Command {
	var jobPath, outPath, cfgPath string
	var compile = &cobra.Command{
		Use:   "compile",
		Short: "Compile a job spec into an execution plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			job, err := readJob(jobPath)
			if err != nil {
				return err
			}
			skills, err := runtime.BuildSkills(cfg.Capability)
			if err != nil {
				return err
			}
			plan, err := planner.Compile(job, skills, planner.WithPolicy(runtime.DomainPolicy(cfg.Security)))
			if err != nil {
				return err
			}
			return writeJSON(outPath, plan)
		},
	}
	compile.Flags().StringVar(&jobPath, "job", "", "job spec JSON file (- for stdin)")
	compile.Flags().StringVarP(&outPath, "out", "o", "", "write the plan to this file instead of stdout")
	compile.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = compile.MarkFlagRequired("job")

	return compile
}

func readJob(path string) (core.JobSpec, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return core.JobSpec{}, fmt.Errorf("read job: %w", err)
	}
	var job core.JobSpec
	if err := json.Unmarshal(data, &job); err != nil {
		return core.JobSpec{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
