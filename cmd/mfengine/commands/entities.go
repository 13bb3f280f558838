package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// Operator commands: inspect and nudge individual orders / mandates
var (
	orderCmd = &cobra.Command{
		Use:   "order",
		Short: "주문 조회/조작",
	}

	orderShowCmd = &cobra.Command{
		Use:   "show [order_id]",
		Short: "주문 상태와 전이 이력",
		Args:  cobra.ExactArgs(1),
		RunE:  showOrder,
	}

	orderRefreshCmd = &cobra.Command{
		Use:   "refresh [order_id]",
		Short: "거래소 상태 즉시 조회",
		Args:  cobra.ExactArgs(1),
		RunE:  refreshOrder,
	}

	orderCancelCmd = &cobra.Command{
		Use:   "cancel [order_id]",
		Short: "주문 취소",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelOrder,
	}

	mandateCmd = &cobra.Command{
		Use:   "mandate",
		Short: "맨데이트 조회/조작",
	}

	mandateShowCmd = &cobra.Command{
		Use:   "show [mandate_id]",
		Short: "맨데이트 상태와 전이 이력",
		Args:  cobra.ExactArgs(1),
		RunE:  showMandate,
	}

	mandateRefreshCmd = &cobra.Command{
		Use:   "refresh [mandate_id]",
		Short: "거래소 상태 즉시 조회",
		Args:  cobra.ExactArgs(1),
		RunE:  refreshMandate,
	}

	outputJSON bool
)

func init() {
	rootCmd.AddCommand(orderCmd)
	orderCmd.AddCommand(orderShowCmd, orderRefreshCmd, orderCancelCmd)

	rootCmd.AddCommand(mandateCmd)
	mandateCmd.AddCommand(mandateShowCmd, mandateRefreshCmd)

	for _, c := range []*cobra.Command{orderCmd, mandateCmd} {
		c.PersistentFlags().BoolVar(&outputJSON, "json", false, "JSON 출력")
	}
}

// withApp runs fn against a wired engine with a bounded context
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := fn(ctx, a); err != nil {
		a.Close()
		fail(err)
	}
	return nil
}

func showOrder(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, err := a.service.GetOrder(ctx, args[0])
		if err != nil {
			return err
		}
		printOrder(view)
		return nil
	})
}

func refreshOrder(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, res, err := a.service.RefreshOrder(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Reconcile result: %s\n", res)
		printOrder(view)
		return nil
	})
}

func cancelOrder(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, err := a.service.CancelOrder(ctx, args[0])
		if err != nil {
			return err
		}
		printOrder(view)
		return nil
	})
}

func showMandate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, err := a.service.GetMandate(ctx, args[0])
		if err != nil {
			return err
		}
		printMandate(view)
		return nil
	})
}

func refreshMandate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		view, res, err := a.service.RefreshMandate(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Reconcile result: %s\n", res)
		printMandate(view)
		return nil
	})
}

func printOrder(v *contracts.OrderView) {
	if outputJSON {
		printJSON(v)
		return
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Printf("  Order %s\n", v.ID)
	fmt.Println("───────────────────────────────────────────────────────────")
	fmt.Printf("  Exchange  : %s (%s)\n", v.Exchange, orDash(v.ExchangeOrderID))
	fmt.Printf("  Client    : %s\n", v.ClientID)
	fmt.Printf("  Type      : %s %s\n", v.Type, v.SchemeCode)
	if v.Amount.IsPositive() {
		fmt.Printf("  Amount    : %s\n", v.Amount.StringFixed(2))
	}
	if v.Units.IsPositive() {
		fmt.Printf("  Units     : %s\n", v.Units.String())
	}
	fmt.Printf("  State     : %s%s\n", v.State, reviewMark(v.NeedsManualReview))
	fmt.Printf("  Failures  : reconcile=%d payment=%d\n", v.ReconcileFailures, v.PaymentFailures)
	if v.ResponseMessage != "" {
		fmt.Printf("  Exchange  : %s %s\n", v.ResponseCode, v.ResponseMessage)
	}
	printHistory(v.History)
}

func printMandate(v *contracts.MandateView) {
	if outputJSON {
		printJSON(v)
		return
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Printf("  Mandate %s\n", v.ID)
	fmt.Println("───────────────────────────────────────────────────────────")
	fmt.Printf("  Exchange  : %s (%s)\n", v.Exchange, orDash(v.ExchangeMandateID))
	fmt.Printf("  Client    : %s\n", v.ClientID)
	fmt.Printf("  Ceiling   : %s\n", v.AmountCeiling.StringFixed(2))
	fmt.Printf("  Valid     : %s ~ %s\n", v.StartDate.Format("2006-01-02"), v.EndDate.Format("2006-01-02"))
	fmt.Printf("  State     : %s%s\n", v.State, reviewMark(v.NeedsManualReview))
	printHistory(v.History)
}

func printHistory(history []contracts.Transition) {
	fmt.Println("───────────────────────────────────────────────────────────")
	for _, t := range history {
		from := string(t.From)
		if from == "" {
			from = "∅"
		}
		fmt.Printf("  %s  %-26s → %-26s %-22s (%s)\n",
			t.OccurredAt.Format("2006-01-02 15:04:05"), from, t.To, t.Event, t.Source)
	}
	fmt.Println("═══════════════════════════════════════════════════════════")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func reviewMark(flagged bool) string {
	if flagged {
		return "  ⚠️  NEEDS MANUAL REVIEW"
	}
	return ""
}
