package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

var (
	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "수동 검토 큐",
		Long: `폴링 실패 한도를 넘겨 자동 재조정이 중단된 주문/맨데이트를 관리합니다.

Example:
  go run ./cmd/mfengine review list
  go run ./cmd/mfengine review clear order <order_id>`,
	}

	reviewListCmd = &cobra.Command{
		Use:   "list",
		Short: "검토 대상 목록",
		RunE:  listReview,
	}

	reviewClearCmd = &cobra.Command{
		Use:   "clear [order|mandate] [id]",
		Short: "자동 폴링으로 복귀",
		Args:  cobra.ExactArgs(2),
		RunE:  clearReview,
	}
)

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd, reviewClearCmd)
	reviewListCmd.Flags().BoolVar(&outputJSON, "json", false, "JSON 출력")
}

func listReview(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		items, err := a.service.ListReview(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(items)
			return nil
		}
		if len(items) == 0 {
			fmt.Println("✅ Review queue empty")
			return nil
		}

		fmt.Printf("%-8s %-38s %-4s %-28s %-8s %s\n", "ENTITY", "ID", "EX", "STATE", "FAILS", "UPDATED")
		for _, it := range items {
			fmt.Printf("%-8s %-38s %-4s %-28s %-8d %s\n",
				it.Entity, it.ID, it.Exchange, it.State, it.ReconcileFailures, it.UpdatedAt.Format("2006-01-02 15:04"))
		}
		fmt.Printf("\n%d item(s)\n", len(items))
		return nil
	})
}

func clearReview(cmd *cobra.Command, args []string) error {
	entity, id := contracts.EntityType(args[0]), args[1]
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.service.ClearReview(ctx, entity, id); err != nil {
			return err
		}
		fmt.Printf("✅ %s %s returned to automatic polling\n", entity, id)
		return nil
	})
}
