package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// workerCmd runs the reconciliation poller and housekeeping jobs
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "폴러/스케줄러 워커 시작",
	Long: `거래소 상태 재조정 워커를 시작합니다.

등록되는 작업:
- reconcile_active:       RECONCILE_ACTIVE_INTERVAL 마다 (SUBMITTED ~ PAYMENT_CONFIRMED_PENDING)
- reconcile_settlement:   RECONCILE_SETTLEMENT_INTERVAL 마다 (PENDING_FOR_REVIEW ~ ALLOTMENT_DONE)
- notification_reconcile: 5분마다 (누락 알림 재발송)
- mandate_expiry:         매일 00:30 (만료 맨데이트)
- review_report:          매시간 (수동 검토 적체)

여러 워커를 띄워도 Redis 락으로 티어별 하나만 실행됩니다.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	fmt.Println("=== mfengine Worker ===")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Store == "memory" {
		a.log.Warn("Worker with STORE=memory sees no API traffic; use `api --with-worker`")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.watchPolicy(ctx)
	if metricsSrv := a.startMetrics(); metricsSrv != nil {
		defer metricsSrv.Shutdown(context.Background())
	}

	sched, err := a.newScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.Start()

	fmt.Println("\n✅ Worker started")
	fmt.Println("\nRegistered jobs:")
	for _, name := range sched.GetAllJobs() {
		fmt.Printf("  - %s\n", name)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	<-waitForSignal()

	fmt.Println("\nShutting down worker...")
	sched.Stop()
	fmt.Println("Worker stopped")
	return nil
}
