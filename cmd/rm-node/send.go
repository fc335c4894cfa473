// =============================================================================
// 文件: cmd/rm-node/send.go
// 描述: send 命令 - 建立出站序列，可靠发送消息直至全部确认
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mrcgq/wsrm/internal/config"
	"github.com/mrcgq/wsrm/internal/engine"
	"github.com/mrcgq/wsrm/internal/sequence"
	"github.com/mrcgq/wsrm/internal/transport"
)

var errAckTimeout = errors.New("等待确认超时")

func newSendCmd(configPath *string) *cobra.Command {
	var (
		peerURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "向对端可靠发送消息 (无参数时逐行读取标准输入)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("配置错误: %w", err)
			}
			if peerURL != "" {
				cfg.Transport.URL = peerURL
				cfg.Transport.ServerName = ""
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if cfg.Transport.URL == "" {
				return fmt.Errorf("未配置对端地址 (transport.url 或 --url)")
			}
			// 发送端不监听，指标服务只在 serve 中运行
			cfg.Metrics.Enabled = false

			messages := args
			if len(messages) == 0 {
				if messages, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if len(messages) == 0 {
				return fmt.Errorf("没有要发送的消息")
			}
			return runSend(cmd.Context(), cfg, messages, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&peerURL, "url", "u", "", "覆盖 transport.url")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Minute, "等待全部确认的超时时间")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func runSend(parent context.Context, cfg *config.Config, messages []string, timeout time.Duration, out io.Writer) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nd, err := newNode(cfg, engine.HandlerFunc(func(context.Context, string, uint64, []byte) error {
		// 发送端不接收应用消息
		return nil
	}))
	if err != nil {
		return err
	}
	defer nd.logger.Sync()
	defer func() {
		err = multierr.Append(err, nd.co.Close())
	}()

	client, err := transport.NewClient(cfg.ClientOptions(), nd.co, nd.codec, nd.logger)
	if err != nil {
		return err
	}
	nd.co.SetTransmitter(client)
	nd.co.Open(ctx)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := nd.co.CreateSequence(ctx)
	if err != nil {
		return err
	}
	if err := nd.co.AwaitEstablished(ctx, id); err != nil {
		return fmt.Errorf("序列未建立: %w", err)
	}
	nd.logger.Info("序列已建立", zap.String("sequence", id))

	for i, msg := range messages {
		send := nd.co.Send
		if i == len(messages)-1 {
			send = nd.co.SendLast
		}
		if _, err := send(ctx, id, []byte(msg)); err != nil {
			return fmt.Errorf("发送第 %d 条消息失败: %w", i+1, err)
		}
	}

	if err := waitAcked(ctx, nd.co, id); err != nil {
		return err
	}

	ranges, _ := nd.co.Ranges(ctx, id, sequence.Outbound)
	fmt.Fprintf(out, "已确认 %d 条消息: %s %s\n", len(messages), id, ranges)
	return nil
}

// waitAcked 轮询直到最后消息之前的全部消息被确认
func waitAcked(ctx context.Context, co *engine.Coordinator, id string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		acked, err := co.IsFullyAcked(ctx, id)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", errAckTimeout, id)
		case <-ticker.C:
		}
	}
}
