// Command connmuxd serves a connmux endpoint over HTTP, reachable through the
// long polling, server-sent events and websocket transports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/connmux/pkg/endpoints"
	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxserver"
	muxshare "github.com/sammck-go/connmux/share"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: $CONNMUX_CONFIG or ./connmux.yaml)")
	listen := flag.String("listen", "", "override the listen address, e.g. 127.0.0.1:8080")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	if err := run(*configPath, *listen, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "connmuxd: %s\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string, watch bool) error {
	loader := muxshare.NewConfigLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	zl, atom := muxshare.SetupLogger(cfg.Log)
	defer zl.Sync()
	logger := muxshare.NewLoggerWithLevel(zl, atom, "connmuxd")
	logger.SetLogLevel(muxshare.StringToLogLevel(cfg.Log.Level))

	if watch {
		loader.Watch(
			func(next *muxshare.Config) {
				level := muxshare.StringToLogLevel(next.Log.Level)
				if level != logger.GetLogLevel() {
					logger.ILogf("config changed; log level now %s", level)
					logger.SetLogLevel(level)
				}
			},
			func(err error) {
				logger.WLogf("ignoring config change: %s", err)
			},
		)
	}

	mode, err := muxconn.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	endpoint, err := endpoints.New(cfg.Endpoint, logger, mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return muxserver.NewServer(logger, cfg, endpoint).Run(ctx)
}
