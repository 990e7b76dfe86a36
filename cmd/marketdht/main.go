package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
	"golang.org/x/net/proxy"

	"github.com/busybox42/marketdht/pkg/config"
	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/node"
	"github.com/busybox42/marketdht/pkg/tor"
)

type options struct {
	listen   string
	boot     string
	keyFile  string
	logLevel string
	name     string
	metrics  string
	torDir   string
	useTor   bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("marketdht", flag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", "/ip4/127.0.0.1/tcp/0", "Multiaddr to listen on")
	fs.StringVar(&o.boot, "boot", "", "Comma separated boot nodes, each <multiaddr>@<peer id>")
	fs.StringVar(&o.keyFile, "key", "", "Identity key file, created if missing (random identity if empty)")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level")
	fs.StringVar(&o.name, "name", "marketdht", "Node name used in logs and metrics")
	fs.StringVar(&o.metrics, "metrics", "", "Address to serve /metrics on (disabled if empty)")
	fs.StringVar(&o.torDir, "tor-data", "", "Tor data directory (temporary if empty)")
	fs.BoolVar(&o.useTor, "tor", false, "Route outbound connections through an embedded Tor")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func newLogger(o options) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	return log, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// newDialer starts Tor when requested. A nil dialer means direct TCP.
func newDialer(lc fx.Lifecycle, o options, log *logrus.Logger) (proxy.Dialer, error) {
	if !o.useTor {
		return nil, nil
	}
	mgr, err := tor.Start(context.Background(), tor.Options{DataDir: o.torDir, Logger: logrus.NewEntry(log)})
	if err != nil {
		return nil, fmt.Errorf("start tor: %w", err)
	}
	lc.Append(fx.StopHook(mgr.Stop))
	return mgr.Dialer()
}

func newConfig(o options, log *logrus.Logger, reg *prometheus.Registry, dialer proxy.Dialer) (config.Config, error) {
	cfg, err := config.Default().WithListener(o.listen)
	if err != nil {
		return cfg, err
	}
	cfg.ThreadName = o.name
	cfg.Logger = log
	cfg.Registerer = reg
	cfg.Dialer = dialer

	if o.boot != "" {
		if cfg.BootNodes, err = config.ParseBootNodes(strings.Split(o.boot, ",")); err != nil {
			return cfg, err
		}
	}
	if o.keyFile != "" {
		if cfg.KeyPair, err = crypto.LoadOrGenerate(o.keyFile); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func newNode(lc fx.Lifecycle, cfg config.Config) (*node.Handle, error) {
	h, err := node.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			err := h.Quit(ctx)
			if errors.Is(err, node.ErrClosed) {
				return nil
			}
			return err
		},
	})
	return h, nil
}

func serveMetrics(lc fx.Lifecycle, o options, reg *prometheus.Registry, log *logrus.Logger) {
	if o.metrics == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: o.metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", o.metrics)
			if err != nil {
				return err
			}
			log.WithField("addr", ln.Addr()).Info("Serving metrics")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("Metrics server failed")
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// runCommandLoop reads stdin once the node is up and shuts the app down on
// quit or EOF.
func runCommandLoop(lc fx.Lifecycle, sd fx.Shutdowner, h *node.Handle, log *logrus.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.WithField("peer", h.ID()).Info("Node started")
			go func() {
				r := newREPL(h, os.Stdout)
				if err := r.run(ctx, os.Stdin); err != nil {
					log.WithError(err).Warn("Command loop ended")
				}
				if err := sd.Shutdown(); err != nil {
					log.WithError(err).Error("Shutdown failed")
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(o),
		fx.Provide(
			newLogger,
			newRegistry,
			newDialer,
			newConfig,
			newNode,
		),
		fx.Invoke(serveMetrics, runCommandLoop),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "marketdht: %v\n", err)
		os.Exit(1)
	}
	app.Run()
}
