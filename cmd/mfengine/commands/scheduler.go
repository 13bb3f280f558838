package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "스케줄 작업 관리",
	Long: `등록된 작업을 조회하거나 즉시 실행합니다.

Subcommands:
  list    - 등록된 작업 목록
  run     - 특정 작업 즉시 실행 (완료까지 대기)

Example:
  go run ./cmd/mfengine scheduler list
  go run ./cmd/mfengine scheduler run reconcile_active`,
}

var (
	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "특정 작업 즉시 실행",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}

	runJobTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)

	schedulerRunCmd.Flags().DurationVar(&runJobTimeout, "timeout", 10*time.Minute, "작업 제한 시간")
}

func listJobs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	stats := sched.GetJobStats()
	fmt.Println("Registered jobs:")
	for _, name := range sched.GetAllJobs() {
		fmt.Printf("  - %-24s %s\n", name, stats[name].Schedule)
	}
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), runJobTimeout)
	defer cancel()

	fmt.Printf("Running job: %s\n", jobName)
	res, err := sched.RunJobSync(ctx, jobName)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}

	if !res.Success {
		return fmt.Errorf("job %s failed after %d attempt(s): %s", jobName, res.Attempts, res.Error)
	}
	fmt.Printf("✅ %s completed in %s\n", jobName, res.Duration.Round(time.Millisecond))
	return nil
}
