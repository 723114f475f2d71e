package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/mock"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	simNodes    int
	simTopology string
	simDuration time.Duration
	simVerbose  bool
	simPaths    int
	simDebug    string
)

type simNode struct {
	state   *state.State
	address state.Address
}

// simulateCmd runs a whole network in memory, on top of the mock transport
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Runs an in-memory network and prints what each node learned",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simNodes < 2 {
			return fmt.Errorf("need at least 2 nodes, got %d", simNodes)
		}
		cfg := state.DefaultNetworkCfg()
		if cmd.Flags().Changed("config") {
			read, err := core.ReadNetworkConfig(configPath)
			if err != nil {
				return err
			}
			cfg = *read
		}
		level := slog.LevelWarn
		if simVerbose {
			level = slog.LevelDebug
		}

		if simDebug != "" {
			// serves expvar and /debug/metrics
			go func() {
				slog.Warn("debug server stopped", "error", http.ListenAndServe(simDebug, nil))
			}()
		}

		hub := mock.NewHub()
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			hub.Pump(ctx, time.Millisecond)
			return nil
		})

		nodes := make([]simNode, 0, simNodes)
		defer func() {
			for _, n := range nodes {
				n.state.Cancel(context.Canceled)
			}
			cancel()
			_ = g.Wait()
		}()
		for range simNodes {
			started := make(chan *state.State, 1)
			g.Go(func() error {
				return core.Start(cfg, level, func(local state.Address) state.Transport {
					return hub.Endpoint(local)
				}, func(s *state.State) {
					started <- s
				})
			})
			select {
			case s := <-started:
				res, err := s.DispatchWait(func(s *state.State) (any, error) {
					return core.Get[*core.NeighbourDiscoveryService](s).Local(), nil
				})
				if err != nil {
					return err
				}
				nodes = append(nodes, simNode{state: s, address: res.(state.Address)})
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		for _, e := range topology(simTopology, len(nodes)) {
			from, to := nodes[e.V1], nodes[e.V2]
			from.state.Dispatch(func(s *state.State) error {
				if !core.Get[*core.NeighbourDiscoveryService](s).OpenLink(to.address) {
					s.Log.Warn("failed to open link", "to", to.address)
				}
				return nil
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "running %d nodes (%s) for %s\n", len(nodes), simTopology, simDuration)
		select {
		case <-time.After(simDuration):
		case <-ctx.Done():
			return ctx.Err()
		}

		for i, n := range nodes {
			if err := printNode(cmd, i, n, nodes); err != nil {
				return err
			}
		}
		return nil
	},
	GroupID: "weft",
}

func printNode(cmd *cobra.Command, i int, n simNode, nodes []simNode) error {
	out := cmd.OutOrStdout()
	res, err := n.state.DispatchWait(func(s *state.State) (any, error) {
		routes := core.Get[*core.RouteDiscoveryService](s)
		var paths [][]state.Address
		for j := 0; j < simPaths; j++ {
			dst := nodes[(i+1+j)%len(nodes)].address
			if dst == n.address {
				continue
			}
			if path, ok := routes.FindRandomRouteTo(dst); ok {
				paths = append(paths, path)
			}
		}
		return state.Pair[[]state.RouteState, [][]state.Address]{V1: routes.Routes(), V2: paths}, nil
	})
	if err != nil {
		return err
	}
	view := res.(state.Pair[[]state.RouteState, [][]state.Address])
	fmt.Fprintf(out, "node %d %s: %d routes\n", i, n.address, len(view.V1))
	for _, rs := range view.V1 {
		fmt.Fprintf(out, "  %s\n", rs)
	}
	for _, path := range view.V2 {
		fmt.Fprintf(out, "  path %v\n", path)
	}
	return nil
}

// topology returns the directed links to open, as pairs of node indices
func topology(name string, n int) []state.Pair[int, int] {
	var edges []state.Pair[int, int]
	switch name {
	case "full":
		for i := range n {
			for j := i + 1; j < n; j++ {
				edges = append(edges, state.Pair[int, int]{V1: i, V2: j})
			}
		}
	default:
		for i := 0; i+1 < n; i++ {
			edges = append(edges, state.Pair[int, int]{V1: i, V2: i + 1})
		}
		if name == "ring" && n > 2 {
			edges = append(edges, state.Pair[int, int]{V1: n - 1, V2: 0})
		}
	}
	return edges
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&simNodes, "nodes", "n", 4, "number of nodes")
	simulateCmd.Flags().StringVarP(&simTopology, "topology", "t", "line", "one of "+fmt.Sprint(topologies))
	simulateCmd.Flags().DurationVarP(&simDuration, "duration", "d", 5*time.Second, "how long to run before printing")
	simulateCmd.Flags().IntVarP(&simPaths, "paths", "p", 1, "random paths to sample per node")
	simulateCmd.Flags().StringVar(&simDebug, "debug-addr", "", "serve metrics over http on this address")
	simulateCmd.Flags().BoolVarP(&simVerbose, "verbose", "v", false, "log debug output of every node")
	simulateCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if !slices.Contains(topologies, simTopology) {
			return fmt.Errorf("unknown topology %q", simTopology)
		}
		return nil
	}
}

var topologies = []string{"line", "ring", "full"}
