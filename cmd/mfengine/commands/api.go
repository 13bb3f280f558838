package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparrowinvest/mfengine/internal/api"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `REST API 서버를 시작합니다.

Endpoints:
  GET  /health
  POST /api/orders                           - 주문 생성 (Idempotency-Key)
  GET  /api/orders/{id}                      - 주문 + 타임라인
  POST /api/orders/{id}/cancel               - 취소
  POST /api/orders/{id}/payment              - 결제 링크 발급
  POST /api/orders/{id}/refresh              - 즉시 상태 조회
  POST /api/mandates                         - 맨데이트 등록
  GET  /api/mandates/{id}
  POST /api/mandates/{id}/cancel
  POST /api/mandates/{id}/refresh
  POST /api/callbacks/payment                - 결제 결과 콜백
  POST /api/callbacks/{exchange}/order-status - 거래소 상태 푸시
  GET  /api/review                           - 수동 검토 대상
  POST /api/review/{entity}/{id}/clear
  GET  /ws/timeline?entity=&id=              - 전이 스트림 (websocket)

Example:
  go run ./cmd/mfengine api
  go run ./cmd/mfengine api --port 8080 --with-worker`,
	RunE: runAPIServer,
}

var (
	apiPort       string
	apiWithWorker bool
)

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (default: PORT)")
	apiCmd.Flags().BoolVar(&apiWithWorker, "with-worker", false, "같은 프로세스에서 폴러/스케줄러 실행 (STORE=memory 필수)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== mfengine API Server ===")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if apiPort != "" {
		a.cfg.Port = apiPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.watchPolicy(ctx)
	if metricsSrv := a.startMetrics(); metricsSrv != nil {
		defer metricsSrv.Shutdown(context.Background())
	}

	if apiWithWorker {
		sched, err := a.newScheduler()
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	router := api.NewRouter(a.service, a.hub, a.log)
	server := api.New(a.cfg, a.log, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("\n✅ Server running on http://localhost:%s\n", a.cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	select {
	case err := <-errCh:
		return err
	case <-waitForSignal():
	}

	a.log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	a.log.Info("Server stopped")
	return nil
}

// waitForSignal fires on SIGINT / SIGTERM
func waitForSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	return quit
}
