package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparrowinvest/mfengine/pkg/config"
	"github.com/sparrowinvest/mfengine/pkg/database"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

var (
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "스키마 마이그레이션 적용",
		Long: `임베드된 SQL 마이그레이션을 순서대로 적용합니다.
이미 적용된 버전은 건너뜁니다.

Example:
  go run ./cmd/mfengine migrate`,
		RunE: runMigrate,
	}

	dbCheckCmd = &cobra.Command{
		Use:   "db-check",
		Short: "DB 연결 상태 확인",
		RunE:  runDBCheck,
	}
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(dbCheckCmd)
}

func openDB() (*database.DB, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store != "postgres" {
		return nil, nil, fmt.Errorf("STORE=%s has no database", cfg.Store)
	}

	log := logger.New(cfg)
	db, err := database.New(context.Background(), cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, log, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, log, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	applied, err := db.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if len(applied) == 0 {
		fmt.Println("✅ Schema up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Printf("  applied %s\n", v)
	}
	log.WithField("applied", applied).Info("Migrations applied")
	fmt.Printf("✅ %d migration(s) applied\n", len(applied))
	return nil
}

func runDBCheck(cmd *cobra.Command, args []string) error {
	db, _, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := db.Health(ctx)
	if err != nil {
		return fmt.Errorf("database unhealthy: %w", err)
	}

	fmt.Println("✅ Database healthy")
	fmt.Printf("   Latency:     %s\n", h.Latency)
	fmt.Printf("   Connections: %d total / %d idle / %d acquired / %d max\n", h.Total, h.Idle, h.Acquired, h.Max)
	return nil
}
