package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sparrowinvest/mfengine/internal/policy"
	"github.com/sparrowinvest/mfengine/pkg/config"
)

var policyCmd = &cobra.Command{
	Use:   "policy [file]",
	Short: "정책 파일 검증 및 적용 결과 출력",
	Long: `정책 파일(YAML)을 환경변수 기본값 위에 적용해 검증하고 결과를 출력합니다.
인자가 없으면 POLICY_FILE 을 사용합니다.

Example:
  go run ./cmd/mfengine policy configs/policy.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: checkPolicy,
}

func init() {
	rootCmd.AddCommand(policyCmd)
}

func checkPolicy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := cfg.PolicyFile
	if len(args) == 1 {
		path = args[0]
	}

	p := policy.Default(cfg)
	if path != "" {
		if p, err = policy.Load(path, p); err != nil {
			return fmt.Errorf("policy %s: %w", path, err)
		}
	}

	hash, err := policy.Hash(p)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	fmt.Printf("# policy %s (hash %s)\n%s", orDash(path), hash, out)
	fmt.Println("✅ Policy valid")
	return nil
}
