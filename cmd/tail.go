package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/broker"
	"github.com/abdelmounim-dev/collab-coordinator/config"
	"github.com/abdelmounim-dev/collab-coordinator/logging"
	"github.com/abdelmounim-dev/collab-coordinator/services"
)

type tailOptions struct {
	prefix string
}

func newTailCmd(root *rootOptions) *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print every broadcast relayed between coordinator instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			messages, closeFn, err := subscribe(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()
			return tail(ctx, messages, opts.prefix, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.prefix, "topic", "", "only print topics starting with this prefix, e.g. chat/proj1")
	return cmd
}

func subscribe(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (<-chan broker.Message, func(), error) {
	redisClient, err := services.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, nil, err
	}
	messageBroker, err := broker.Open(cfg.Broker, redisClient, "tail-"+uuid.New().String(), logger)
	if err != nil {
		redisClient.Close()
		return nil, nil, err
	}
	closeFn := func() {
		messageBroker.Close()
		redisClient.Close()
	}

	messages, err := messageBroker.Subscribe(ctx, cfg.Broker.Channel)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	logger.Info("Tailing broadcasts", zap.String("broker", messageBroker.Type()), zap.String("channel", cfg.Broker.Channel))
	return messages, closeFn, nil
}

// tail writes one line per broadcast: topic, origin instance and payload.
func tail(ctx context.Context, messages <-chan broker.Message, prefix string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Topic, prefix) {
				continue
			}
			if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", msg.Topic, msg.ServerID, msg.Payload); err != nil {
				return err
			}
		}
	}
}
