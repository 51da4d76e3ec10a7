// Stepflow CLI — отправка событий и просмотр runs через HTTP API.
//
// Использование:
//
//	stepflow [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	event     Отправка событий
//	run       Просмотр и отмена runs
//	function  Зарегистрированные функции
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Stepflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCmd(version, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
