package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rxrpc/internal/logger"
	"github.com/marmos91/rxrpc/internal/probe"
	"github.com/marmos91/rxrpc/internal/ratelimiter"
	"github.com/marmos91/rxrpc/pkg/config"
	"github.com/marmos91/rxrpc/pkg/metrics"
	"github.com/marmos91/rxrpc/pkg/rx"
	"golang.org/x/sync/errgroup"
)

const usage = `rxprobe - AF_RXRPC probe client and service

Usage:
  rxprobe <command> [flags]

Commands:
  init      Write a default configuration file
  probe     Send probe calls to the configured peer
  whoami    Ask an rxprobe service for its identity
  stats     Fetch an rxprobe service's call counters
  serve     Answer probe, whoami and stats calls

Run "rxprobe <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "init":
		err = runInit(args)
	case "probe":
		err = runProbe(args)
	case "whoami":
		err = runWhoAmI(args)
	case "stats":
		err = runStats(args)
	case "serve":
		err = runServe(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "rxprobe: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	path := fs.String("config", "", "Write to this path instead of the default location")
	_ = fs.Parse(args)

	var (
		written string
		err     error
	)
	if *path != "" {
		written, err = config.InitConfigAt(*path, *force)
	} else {
		written, err = config.InitConfig(*force)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", written)
	return nil
}

// commonFlags are shared by every command that talks to a socket.
type commonFlags struct {
	configPath string
	logLevel   string
	address    string
	port       uint
	service    uint
	metrics    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/rxrpc/config.yaml)")
	fs.StringVar(&c.logLevel, "log-level", "", "Override logging.level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&c.address, "peer", "", "Override peer.address")
	fs.UintVar(&c.port, "port", 0, "Override peer.port")
	fs.UintVar(&c.service, "service", 0, "Override peer.service")
	fs.BoolVar(&c.metrics, "metrics", false, "Enable the Prometheus endpoint")
}

// load reads the configuration, applies flag overrides and sets up logging.
func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}

	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.address != "" {
		cfg.Peer.Address = c.address
	}
	if c.port != 0 {
		cfg.Peer.Port = uint16(c.port)
	}
	if c.service != 0 {
		cfg.Peer.Service = uint16(c.service)
	}
	if c.metrics {
		cfg.Metrics.Enabled = true
	}

	// Flags bypass Load's validation.
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dial opens a client connection from cfg.
func dial(cfg *config.Config, m metrics.RxMetrics) (*rx.Connection, error) {
	peer, opts, err := config.ClientOptions(cfg, m)
	if err != nil {
		return nil, err
	}
	cn, err := rx.Open(peer, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to %s service %d (security %s)", peer, opts.Service, opts.SecurityLevel)
	return cn, nil
}

// withMetrics runs fn next to the metrics server, if one is configured.
// The server is stopped once fn returns.
func withMetrics(ctx context.Context, mres *config.MetricsResult, fn func(context.Context) error) error {
	if mres.Server == nil {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mres.Server.Start(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	count := fs.Int("count", -1, "Override probe.count (0 = until interrupted)")
	opcode := fs.Uint("opcode", 0, "Override probe.opcode")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *count >= 0 {
		cfg.Probe.Count = *count
	}
	if *opcode != 0 {
		cfg.Probe.Opcode = uint32(*opcode)
	}

	mres := config.InitializeMetrics(cfg)
	cn, err := dial(cfg, mres.RxMetrics)
	if err != nil {
		return err
	}
	defer func() { _ = cn.Close() }()

	ctx, stop := signalContext()
	defer stop()

	limiter := ratelimiter.New(cfg.Probe.Rate, cfg.Probe.Burst)
	var sum probe.Summary
	err = withMetrics(ctx, mres, func(ctx context.Context) error {
		var err error
		sum, err = probe.Run(ctx, cn, probe.Options{
			Opcode:  cfg.Probe.Opcode,
			Count:   cfg.Probe.Count,
			Timeout: cfg.Probe.Timeout,
			Limiter: limiter,
			OnResult: func(r probe.Result) {
				if r.Err != nil {
					fmt.Printf("probe %d: %v\n", r.Seq, r.Err)
					return
				}
				fmt.Printf("probe %d: reply in %v\n", r.Seq, r.RTT.Round(time.Microsecond))
			},
		})
		return err
	})

	fmt.Printf("--- %s probe statistics ---\n", cn.Peer())
	fmt.Printf("%d sent, %d answered, %d failed", sum.Sent, sum.Succeeded, sum.Failed)
	if sum.Succeeded > 0 {
		fmt.Printf(", rtt min/avg/max = %v/%v/%v",
			sum.MinRTT.Round(time.Microsecond),
			sum.AvgRTT().Round(time.Microsecond),
			sum.MaxRTT.Round(time.Microsecond))
	}
	fmt.Println()

	if err != nil {
		return err
	}
	if sum.Sent > 0 && sum.Succeeded == 0 {
		return errors.New("no probe was answered")
	}
	return nil
}

func runWhoAmI(args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	cn, err := dial(cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = cn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Probe.Timeout)
	defer cancel()
	id, err := probe.WhoAmI(ctx, cn)
	if err != nil {
		return err
	}
	fmt.Printf("uuid:     %s\nhostname: %s\nuptime:   %v\n", id.ID, id.Hostname, id.Uptime)
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	cn, err := dial(cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = cn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Probe.Timeout)
	defer cancel()
	st, err := probe.Stats(ctx, cn)
	if err != nil {
		return err
	}
	fmt.Printf("calls:  %d\nprobes: %d\nuptime: %v\n",
		st.Calls, st.Probes, time.Duration(st.UptimeSeconds)*time.Second)
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	localPort := fs.Uint("listen-port", 0, "Override local.port")
	localService := fs.Uint("listen-service", 0, "Override local.service")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *localPort != 0 {
		cfg.Local.Port = uint16(*localPort)
	}
	if *localService != 0 {
		cfg.Local.Service = uint16(*localService)
	}

	mres := config.InitializeMetrics(cfg)
	family, opts, err := config.ServerOptions(cfg, mres.RxMetrics)
	if err != nil {
		return err
	}
	cn, err := rx.Listen(family, opts, cfg.Server.Backlog)
	if err != nil {
		return err
	}
	defer func() { _ = cn.Close() }()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	id := uuid.New()

	ctx, stop := signalContext()
	defer stop()

	svc := probe.NewService(ctx, id, hostname, cfg.Probe.Opcode)
	logger.Info("Serving port %d service %d as %s (probe opcode %d, %d charged calls)",
		cfg.Local.Port, cfg.Local.Service, id, cfg.Probe.Opcode, cfg.Server.Charge)
	logger.Info("Press Ctrl+C to stop")

	err = withMetrics(ctx, mres, func(ctx context.Context) error {
		return cn.Serve(ctx, svc, cfg.Server.Charge)
	})
	if err != nil {
		return err
	}

	logger.Info("Service stopped with %d live calls", cn.LiveCalls())
	return nil
}
