package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baderanaas/hushmesh/pkg/history"
	"github.com/baderanaas/hushmesh/pkg/libp2p"
	"github.com/baderanaas/hushmesh/pkg/mesh"
	"github.com/baderanaas/hushmesh/pkg/metrics"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		name    string
		network string
		mode    string
		peers   []string
		listen  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the mesh and relay alerts",
		Long:  "Starts a node, discovers neighbours and opens an interactive prompt. Lines typed at the prompt are sent as alerts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" {
				a.cfg.Node.Name = name
			}
			if network != "" {
				a.cfg.Network.Name = network
			}
			if mode != "" {
				a.cfg.Mesh.Mode = mode
			}
			if listen != "" {
				a.cfg.Metrics.Listen = listen
			}
			a.cfg.Radio.Peers = append(a.cfg.Radio.Peers, peers...)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runNode(cmd, a)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "sender name shown to other nodes")
	cmd.Flags().StringVar(&network, "network", "", "network to join (see hushmesh network)")
	cmd.Flags().StringVar(&mode, "mode", "", "payload mode: pull or fragment")
	cmd.Flags().StringArrayVarP(&peers, "peer", "p", nil, "multiaddr to dial at start (repeatable)")
	cmd.Flags().StringVar(&listen, "metrics", "", "serve Prometheus metrics on this address")
	return cmd
}

func runNode(cmd *cobra.Command, a *app) error {
	cfg := a.cfg
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := a.codec()
	if err != nil {
		return err
	}

	node, err := libp2p.New(libp2p.Config{
		DataDir:  cfg.Node.DataDir,
		Listen:   cfg.Radio.Listen,
		Peers:    cfg.Radio.Peers,
		MDNS:     cfg.Radio.MDNS,
		DHT:      cfg.Radio.DHT,
		Network:  cfg.Network.Name,
		MaxFrame: cfg.Radio.MaxFrame,
		MaxMTU:   cfg.Channel.MTU,
	}, libp2p.WithLogger(a.log))
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.Start(); err != nil {
		return err
	}

	hist, err := history.Open(cfg.Node.DataDir, cfg.Network.Name)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	p := &prompt{
		out:   cmd.OutOrStdout(),
		name:  cfg.Node.Name,
		ttl:   cfg.Node.TTL,
		peers: node,
		hist:  hist,
		log:   a.log,
		now:   time.Now,
	}
	coord, err := mesh.New(node, codec, cfg.MeshConfig(),
		mesh.WithLogger(a.log),
		mesh.WithMetrics(m),
		mesh.WithListener(p.onMessage),
		mesh.WithErrorHandler(p.onError))
	if err != nil {
		return err
	}
	p.mesh = coord
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coord.Stop(); err != nil {
			a.log.Warn("stop", zap.Error(err))
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "node %s on network %q (%s mode)\n", node.ID(), cfg.Network.Name, cfg.Mesh.Mode)
	for _, addr := range node.Addrs() {
		fmt.Fprintf(out, "  %s\n", addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		defer stop()
		return p.run(gctx, cmd.InOrStdin())
	})
	return g.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
