// =============================================================================
// 文件: cmd/rm-node/main.go
// 描述: 主程序入口 - 可靠消息节点命令行
// =============================================================================
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcgq/wsrm/internal/config"
	"github.com/mrcgq/wsrm/internal/crypto"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "rm-node",
		Short:         "可靠消息节点 - 序列化、确认、重传与恰好一次交付",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")

	root.AddCommand(
		newServeCmd(&configPath),
		newSendCmd(&configPath),
		newGenConfigCmd(),
		newGenPSKCmd(),
		newVersionCmd(),
	)
	return root
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config [path]",
		Short: "生成示例配置文件",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.example.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteExampleConfig(path); err != nil {
				return fmt.Errorf("生成配置失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已生成示例配置文件: %s\n", path)
			return nil
		},
	}
}

func newGenPSKCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-psk",
		Short: "生成新的帧加密 PSK",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			psk, err := crypto.GeneratePSK()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), psk)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rm-node %s\n", Version)
			fmt.Fprintf(out, "  Build:  %s\n", BuildTime)
			fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
