package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/crypto"
	"github.com/baderanaas/hushmesh/pkg/mesh"
	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/radio/memradio"
)

type simOptions struct {
	Nodes  int
	TTL    uint8
	Sender string
	Text   string
	Wait   time.Duration
	Config mesh.Config
	Codec  *crypto.Codec
	Log    *zap.Logger
}

type delivery struct {
	Node radio.PeerID
	Hop  int
	From radio.PeerID
	TTL  uint8
}

type simReport struct {
	Sent       *mesh.Message
	Deliveries []delivery
	Expected   int
	Elapsed    time.Duration
	Stats      []mesh.Stats
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		nodes int
		ttl   uint8
		text  string
		wait  time.Duration
		mode  string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Relay one alert along a simulated line of nodes",
		Long:  "Builds an in-process line of nodes n0..nN-1 where each node only hears its neighbours, sends one alert from n0 and prints who received it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodes < 2 {
				return fmt.Errorf("need at least 2 nodes, got %d", nodes)
			}
			if mode != "" {
				a.cfg.Mesh.Mode = mode
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			codec, err := a.codec()
			if err != nil {
				return err
			}
			report, err := simulate(cmd.Context(), simOptions{
				Nodes:  nodes,
				TTL:    ttl,
				Sender: a.cfg.Node.Name,
				Text:   text,
				Wait:   wait,
				Config: a.cfg.MeshConfig(),
				Codec:  codec,
				Log:    a.log,
			})
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 5, "number of nodes in the line")
	cmd.Flags().Uint8Var(&ttl, "ttl", 3, "hop budget of the alert")
	cmd.Flags().StringVar(&text, "text", "test alert", "alert text")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "give up after this long")
	cmd.Flags().StringVar(&mode, "mode", "", "payload mode: pull or fragment")
	return cmd
}

func nodeName(i int) radio.PeerID { return radio.PeerID(fmt.Sprintf("n%d", i)) }

// simulate links n0..nN-1 in a line, sends from n0 and collects deliveries
// until every reachable node has the alert or Wait elapses.
func simulate(ctx context.Context, o simOptions) (*simReport, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	medium := memradio.NewMedium()

	var (
		mu   sync.Mutex
		got  []delivery
		done = make(chan struct{})
	)
	ttl := min(o.TTL, o.Config.MaxTTL)
	expected := min(o.Nodes-1, int(ttl)+1)

	coords := make([]*mesh.Coordinator, o.Nodes)
	defer func() {
		for _, c := range coords {
			if c != nil {
				_ = c.Stop()
			}
		}
	}()

	for i := range o.Nodes {
		id := nodeName(i)
		dev := medium.Join(id)
		if i > 0 {
			medium.Link(nodeName(i-1), id)
		}
		hop := i
		c, err := mesh.New(dev, o.Codec, o.Config,
			mesh.WithLogger(o.Log.With(zap.String("node", string(id)))),
			mesh.WithMetrics(metrics.NewNop()),
			mesh.WithListener(func(m mesh.Message) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, delivery{Node: id, Hop: hop, From: m.SourcePeer, TTL: m.TTL})
				if len(got) == expected {
					close(done)
				}
			}))
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start %s: %w", id, err)
		}
		coords[i] = c
	}

	start := time.Now()
	msg, err := coords[0].SendOutgoing(ctx, o.Sender, ttl, o.Text)
	if err != nil {
		return nil, err
	}

	if expected > 0 {
		select {
		case <-done:
		case <-time.After(o.Wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	report := &simReport{Sent: msg, Expected: expected, Elapsed: time.Since(start)}
	for _, c := range coords {
		report.Stats = append(report.Stats, c.Stats())
	}
	mu.Lock()
	report.Deliveries = slices.Clone(got)
	mu.Unlock()
	slices.SortFunc(report.Deliveries, func(a, b delivery) int { return a.Hop - b.Hop })
	return report, nil
}

func printReport(out io.Writer, r *simReport) {
	fmt.Fprintf(out, "n0 sent %q with ttl %d\n", r.Sent.Text, r.Sent.TTL)
	for _, d := range r.Deliveries {
		fmt.Fprintf(out, "  %s heard it from %s (ttl %d)\n", d.Node, d.From, d.TTL)
	}
	fmt.Fprintf(out, "reached %d of %d nodes in %s\n", len(r.Deliveries), r.Expected, r.Elapsed.Round(time.Millisecond))
	for i, s := range r.Stats {
		fmt.Fprintf(out, "  %s: delivered %d, relayed %d, dropped %d\n", nodeName(i), s.Delivered, s.Relayed, s.Dropped)
	}
}
