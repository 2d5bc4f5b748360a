package cli

import (
	"github.com/ronappleton/tracker/internal/config"
	grpcserver "github.com/ronappleton/tracker/internal/grpc"
	"github.com/ronappleton/tracker/internal/httpserver"
	"github.com/ronappleton/tracker/internal/logging"
	"github.com/ronappleton/tracker/internal/telemetry"
	"github.com/ronappleton/tracker/internal/tracker"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker with its HTTP and gRPC surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApp(configPath(cmd))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

// NewApp assembles the long-running service.
func NewApp(configPath string, opts ...fx.Option) *fx.App {
	return fx.New(
		config.Module(configPath),
		logging.Module(),
		telemetry.Module(),
		tracker.Module(),
		httpserver.Module(),
		grpcserver.Module,
		fx.Options(opts...),
	)
}
