// japictl は japinait ゲートウェイの端末クライアント。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/japinait/internal/cli"
	"github.com/hitoshi/japinait/internal/logger"
)

func main() {
	logger.SetupDefault(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand(cli.OpenFromEnv).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
