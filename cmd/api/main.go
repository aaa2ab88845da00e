package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"passage/cmd/api/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Version kong.VersionFlag
		Serve   commands.ServeCmd   `cmd:"" default:"withargs" help:"Run the HTTP API."`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply database migrations for a SQL store."`
		Keygen  commands.KeygenCmd  `cmd:"" help:"Print a fresh ENCRYPTION_KEY and JWT_SECRET."`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("passage"),
		kong.Description("OAuth login and session service."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Version: version})
	cmd.FatalIfErrorf(err)
}
