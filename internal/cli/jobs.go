package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/tracker"
)

var (
	registerSession string
	registerDate    string
	registerNick    string
	registerUUID    string
	registerLab     string

	jobsVerdict   string
	jobsSinceDays int
	jobsLimit     int

	statusJSON bool
)

var registerCmd = &cobra.Command{
	Use:   "register <subject>",
	Short: "Request reprocessing of one session",
	Long: `Register a job for a subject's session. Registering the same session
on the same job date twice is a no-op.

Examples:
  patcher register mouse-7 --session 2026-03-02T10:30:00Z
  patcher register mouse-7 --session 2026-03-02T10:30:00Z --date 2026-03-04`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := time.Parse(time.RFC3339, registerSession)
		if err != nil {
			return fmt.Errorf("--session must be RFC 3339: %w", err)
		}
		jobDate := time.Now().UTC()
		if registerDate != "" {
			if jobDate, err = time.Parse("2006-01-02", registerDate); err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
		}
		job := models.NewJob(
			models.EntityKey{Subject: args[0], SessionStart: session},
			jobDate,
			models.Snapshot{Nickname: registerNick, SessionUUID: registerUUID, Lab: registerLab},
		)
		stored, created, err := backend.RegisterJob(cmd.Context(), job)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", stored.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "already registered %s\n", stored.ID)
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs with their last verdict",
	Long: `List jobs, newest first.

Examples:
  patcher jobs                                # every job
  patcher jobs --verdict error,partial-success --since-days 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var f tracker.JobFilter
		if jobsVerdict != "" {
			for _, part := range strings.Split(jobsVerdict, ",") {
				v, err := models.ParseVerdict(part)
				if err != nil {
					return err
				}
				f.Verdicts = append(f.Verdicts, v)
			}
		}
		if jobsSinceDays > 0 {
			f.Since = time.Now().UTC().AddDate(0, 0, -jobsSinceDays)
		}
		f.Limit = jobsLimit

		jobs, err := backend.ListJobs(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs found")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-12s %-20s %-10s %-16s %s\n", "ID", "SUBJECT", "SESSION", "JOB DATE", "VERDICT", "ATTEMPTS")
		for _, s := range jobs {
			attempts := 0
			if s.Run != nil {
				attempts = s.Run.Attempts
			}
			fmt.Fprintf(out, "%-36s %-12s %-20s %-10s %-16s %d\n",
				s.Job.ID, s.Job.Entity.Subject, s.Job.Entity.SessionStart.Format("2006-01-02T15:04:05"),
				s.Job.JobDate.Format("2006-01-02"), s.Verdict(), attempts)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's run and per-artifact status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		job, err := backend.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		run, hasRun, err := backend.GetRun(ctx, job.ID)
		if err != nil {
			return err
		}
		tables, err := backend.TableStatuses(ctx, job.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			detail := map[string]any{"job": job, "tables": tables}
			if hasRun {
				detail["run"] = run
			}
			return enc.Encode(detail)
		}

		fmt.Fprintf(out, "Job:      %s\n", job.ID)
		fmt.Fprintf(out, "Entity:   %s\n", job.Entity.String())
		fmt.Fprintf(out, "Job date: %s\n", job.JobDate.Format("2006-01-02"))
		if hasRun {
			fmt.Fprintf(out, "Verdict:  %s (attempt %d)\n", run.Verdict, run.Attempts)
			fmt.Fprintf(out, "Started:  %s\n", run.RunStart.Format(time.RFC3339))
			if run.RunRestart != nil {
				fmt.Fprintf(out, "Restart:  %s\n", run.RunRestart.Format(time.RFC3339))
			}
			if run.RunEnd != nil {
				fmt.Fprintf(out, "Ended:    %s\n", run.RunEnd.Format(time.RFC3339))
			}
		} else {
			fmt.Fprintln(out, "Verdict:  never run")
		}
		if len(tables) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "%-24s %-16s %s\n", "KIND", "STATE", "ERROR")
		for _, ts := range tables {
			firstLine, _, _ := strings.Cut(ts.ErrorText, "\n")
			fmt.Fprintf(out, "%-24s %-16s %s\n", ts.Kind, ts.State, firstLine)
		}
		return nil
	},
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "Show the artifact catalog from the manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-4s %-24s %-8s %-9s %s\n", "RANK", "NAME", "CATEGORY", "LABEL", "PARENT")
		for _, k := range reg.Catalog() {
			fmt.Fprintf(out, "%-4d %-24s %-8s %-9s %s\n", k.Rank, k.Name, k.Category, k.Label, k.Parent)
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerSession, "session", "", "session start time, RFC 3339 (required)")
	registerCmd.Flags().StringVar(&registerDate, "date", "", "job date, YYYY-MM-DD (default today)")
	registerCmd.Flags().StringVar(&registerNick, "nickname", "", "subject nickname")
	registerCmd.Flags().StringVar(&registerUUID, "session-uuid", "", "session UUID")
	registerCmd.Flags().StringVar(&registerLab, "lab", "", "lab name")
	_ = registerCmd.MarkFlagRequired("session")

	jobsCmd.Flags().StringVar(&jobsVerdict, "verdict", "", "comma-separated verdicts to show (unset, success, partial-success, error)")
	jobsCmd.Flags().IntVar(&jobsSinceDays, "since-days", 0, "only jobs created in the last N days")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to show (0 for all)")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")

	kindsCmd.Flags().StringVar(&manifestFlag, "manifest", "", "pipeline manifest (default from PIPELINE_MANIFEST)")

	rootCmd.AddCommand(registerCmd, jobsCmd, statusCmd, kindsCmd)
}
