// =============================================================================
// 文件: cmd/rm-node/serve.go
// 描述: serve 命令 - 监听 WebSocket，接收序列并交付给应用
// =============================================================================
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/wsrm/internal/config"
	"github.com/mrcgq/wsrm/internal/engine"
	"github.com/mrcgq/wsrm/internal/transport"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen string
		echo   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动节点，接收并交付可靠消息",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("配置错误: %w", err)
			}
			if listen != "" {
				cfg.Transport.Listen = listen
			}
			return runServe(cmd.Context(), cfg, echo)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "覆盖 transport.listen")
	cmd.Flags().BoolVar(&echo, "echo", false, "将交付的消息输出到标准输出")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, echo bool) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var logger *zap.Logger
	handler := engine.HandlerFunc(func(_ context.Context, id string, n uint64, payload []byte) error {
		logger.Info("消息已交付",
			zap.String("sequence", id),
			zap.Uint64("number", n),
			zap.Int("bytes", len(payload)))
		if echo {
			fmt.Fprintf(os.Stdout, "%s #%d: %s\n", id, n, payload)
		}
		return nil
	})

	nd, err := newNode(cfg, handler)
	if err != nil {
		return err
	}
	logger = nd.logger
	defer logger.Sync()

	srv := transport.NewServer(cfg.ServerOptions(), nd.co, nd.codec, logger)
	nd.co.SetTransmitter(srv)
	nd.co.Open(ctx)

	printBanner(cfg, nd)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Transport.Listen, cfg.Transport.CertFile, cfg.Transport.KeyFile)
	})
	if nd.server != nil {
		g.Go(func() error {
			return nd.server.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("正在关闭...")
	srv.Stop()
	return multierr.Append(err, nd.co.Close())
}

func printBanner(cfg *config.Config, nd *node) {
	scheme := "ws"
	if cfg.Transport.CertFile != "" {
		scheme = "wss"
	}
	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════╗")
	fmt.Printf("║  rm-node %-38s║\n", Version)
	fmt.Println("╚════════════════════════════════════════════════╝")
	fmt.Printf("  监听:     %s://%s%s\n", scheme, cfg.Transport.Listen, cfg.Transport.Path)
	fmt.Printf("  协议版本: %s\n", cfg.Engine.ProtocolVersion)
	fmt.Printf("  存储:     %s\n", cfg.Store.Driver)
	fmt.Printf("  按序交付: %v\n", cfg.Engine.InOrder)
	fmt.Printf("  帧加密:   %v\n", cfg.Transport.PSK != "")
	if nd.server != nil {
		fmt.Printf("  指标:     http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	fmt.Println()
}
