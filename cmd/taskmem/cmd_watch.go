package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskmem/blocks"
	"github.com/vinayprograms/taskmem/tasks"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream block changes of an agent",
	Long: `Prints one line per block write or deletion of the agent until
interrupted. Requires a store backend that supports watching.`,
	PreRunE: requireAgent,
	RunE:    runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&agentID, "agent", "", "agent id")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger, openOptions{})
	if err != nil {
		return err
	}
	defer b.Close()

	return watchBlocks(ctx, cmd.OutOrStdout(), b.blocks, agentID)
}

func watchBlocks(ctx context.Context, out io.Writer, w blocks.Watcher, agentID string) error {
	changes, err := w.Watch(ctx, agentID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.Deleted {
				fmt.Fprintf(out, "%s deleted %s\n", time.Now().Format(time.RFC3339), c.Label)
				continue
			}
			fmt.Fprintf(out, "%s put %s status=%s priority=%s\n",
				c.Block.UpdatedAt.Format(time.RFC3339), c.Label,
				c.Block.Metadata[tasks.MetaStatus], c.Block.Metadata[tasks.MetaPriority])
		}
	}
}
