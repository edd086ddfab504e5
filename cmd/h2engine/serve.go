package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/FumingPower3925/h2engine/pkg/h2engine"
)

const (
	addrFlag        = "addr"
	metricsAddrFlag = "metrics-addr"
	h1Flag          = "h1"
	h2Flag          = "h2"
	idleTimeoutFlag = "idle-timeout"
	maxConnsFlag    = "max-conns"
	loopsFlag       = "loops"
	verboseFlag     = "verbose"
)

func serveCommand(console io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the demo routes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := h2engine.DefaultConfig()
			cfg.Addr = cmd.String(addrFlag)
			cfg.EnableH1 = cmd.Bool(h1Flag)
			cfg.EnableH2 = cmd.Bool(h2Flag)
			cfg.IdleTimeout = cmd.Duration(idleTimeoutFlag)
			cfg.MaxConnections = uint32(cmd.Int(maxConnsFlag))
			cfg.NumEventLoop = int(cmd.Int(loopsFlag))
			if cmd.Bool(verboseFlag) {
				cfg.Logger = log.New(os.Stderr, "h2engine: ", log.LstdFlags)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(ctx, console, cfg, cmd.String(metricsAddrFlag))
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    addrFlag,
				Aliases: []string{"a"},
				Usage:   "Address to listen on",
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:  metricsAddrFlag,
				Usage: "Address for the Prometheus /metrics endpoint, empty to disable",
				Value: ":9090",
			},
			&cli.BoolFlag{
				Name:  h1Flag,
				Usage: "Serve HTTP/1.x",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  h2Flag,
				Usage: "Serve HTTP/2 with prior knowledge",
				Value: true,
			},
			&cli.DurationFlag{
				Name:  idleTimeoutFlag,
				Usage: "Close connections idle for this long, 0 to disable",
				Value: 60 * time.Second,
			},
			&cli.IntFlag{
				Name:  maxConnsFlag,
				Usage: "Maximum open connections, 0 for unlimited",
			},
			&cli.IntFlag{
				Name:  loopsFlag,
				Usage: "Number of event loops, 0 for one per CPU",
			},
			&cli.BoolFlag{
				Name:    verboseFlag,
				Aliases: []string{"v"},
				Usage:   "Log server events and requests",
			},
		},
	}
}

func newRouter() *h2engine.Router {
	r := h2engine.NewRouter()
	r.GET("/", func(ctx *h2engine.Context) error {
		return ctx.String(200, "hello over %s\n", ctx.Protocol())
	})
	r.GET("/hello/:name", func(ctx *h2engine.Context) error {
		return ctx.String(200, "hello %s over %s\n", ctx.Param("name"), ctx.Protocol())
	})
	r.POST("/echo", func(ctx *h2engine.Context) error {
		return ctx.Data(200, ctx.Header("content-type"), ctx.Body())
	})
	r.GET("/health", func(ctx *h2engine.Context) error {
		return ctx.JSON(200, map[string]string{"status": "ok"})
	})
	return r
}

func serve(ctx context.Context, console io.Writer, cfg h2engine.Config, metricsAddr string) error {
	middlewares := []h2engine.Middleware{
		h2engine.Recovery(),
		h2engine.RequestID(),
		h2engine.Prometheus(),
		h2engine.Tracing(),
		h2engine.Compress(),
	}
	if cfg.Logger.Writer() != io.Discard {
		middlewares = append([]h2engine.Middleware{h2engine.LoggerWithConfig(h2engine.LoggerConfig{Output: console})}, middlewares...)
	}

	server := h2engine.New(cfg).Handler(newRouter()).Use(middlewares...)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	infoMsg(console, "Listening on %s (h1: %v, h2: %v)", cfg.Addr, cfg.EnableH1, cfg.EnableH2)

	var metrics *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorMsg(console, "metrics listener: %s", err)
			}
		}()
		infoMsg(console, "Metrics on http://%s/metrics", metricsAddr)
	}

	<-ctx.Done()
	infoMsg(console, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metrics != nil {
		_ = metrics.Shutdown(shutdownCtx)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return nil
}
