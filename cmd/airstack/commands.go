package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/carlosprados/airstack/internal/agent"
	"github.com/carlosprados/airstack/internal/provision"
	"github.com/carlosprados/airstack/internal/version"
)

var (
	dryRun     bool
	serveAfter bool
	listenAddr string
	purge      bool
	composeOut string

	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Declare the stack and publish its outputs",
		RunE:  runUp,
	}
	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Print the declaration layers without touching Docker",
		RunE:  runPlan,
	}
	composeCmd = &cobra.Command{
		Use:   "compose",
		Short: "Render the stack as a docker-compose file",
		RunE:  runCompose,
	}
	outputsCmd = &cobra.Command{
		Use:   "outputs",
		Short: "Print the outputs of the last deployment as JSON",
		RunE:  runOutputs,
	}
	downCmd = &cobra.Command{
		Use:   "down",
		Short: "Remove the containers of the last deployment",
		RunE:  runDown,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and metrics for the last deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(agent.New(cfg, agent.Options{}), listen(), nil)
		},
	}
	versionCmd = &cobra.Command{
		Use:         "version",
		Short:       "Print version and exit",
		Annotations: map[string]string{"config": "none"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("airstack %s (%s)\n", version.Version, version.Commit)
		},
	}
)

func init() {
	upCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record declarations in memory instead of calling Docker")
	upCmd.Flags().BoolVar(&serveAfter, "serve", false, "Keep serving the status API after the stack is declared")
	for _, c := range []*cobra.Command{upCmd, serveCmd} {
		c.Flags().StringVar(&listenAddr, "listen", "", "Status API address (default runtime.listen_addr)")
	}
	downCmd.Flags().BoolVar(&purge, "purge", false, "Also remove the network and the database volume")
	composeCmd.Flags().StringVarP(&composeOut, "output", "o", "", "Write to file instead of stdout")

	rootCmd.AddCommand(upCmd, planCmd, composeCmd, outputsCmd, downCmd, serveCmd, versionCmd)
}

func listen() string {
	if listenAddr != "" {
		return listenAddr
	}
	return cfg.Runtime.ListenAddr
}

func runUp(cmd *cobra.Command, args []string) error {
	a := agent.New(cfg, agent.Options{DryRun: dryRun})
	if serveAfter {
		return serve(a, listen(), func(ctx context.Context) error {
			_, err := a.Up(ctx)
			return err
		})
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := a.Up(ctx)
	if res != nil {
		printResult(res)
	}
	if err != nil {
		return err
	}
	return printJSON(a.Snapshot().Outputs)
}

func runPlan(cmd *cobra.Command, args []string) error {
	layers, edges, err := agent.New(cfg, agent.Options{DryRun: true}).Plan()
	if err != nil {
		return err
	}
	deps := map[string][]string{}
	for _, e := range edges {
		deps[e.From] = append(deps[e.From], e.To)
	}
	for i, layer := range layers {
		fmt.Printf("layer %d\n", i)
		for _, name := range layer {
			if d := deps[name]; len(d) > 0 {
				sort.Strings(d)
				fmt.Printf("  %s <- %s\n", name, strings.Join(d, ", "))
				continue
			}
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}

func runCompose(cmd *cobra.Command, args []string) error {
	out, err := agent.New(cfg, agent.Options{DryRun: true}).Compose(cmd.Context())
	if err != nil {
		return err
	}
	if composeOut == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(composeOut, out, 0o644)
}

func runOutputs(cmd *cobra.Command, args []string) error {
	out, err := agent.New(cfg, agent.Options{}).Outputs()
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runDown(cmd *cobra.Command, args []string) error {
	a := agent.New(cfg, agent.Options{})
	defer a.Close()
	return a.Down(cmd.Context(), purge)
}

func printResult(res *provision.Result) {
	fmt.Fprintf(os.Stderr, "declared %d, failed %d, skipped %d\n", len(res.Declared), len(res.Failed), len(res.Skipped))
	for _, m := range []map[string]error{res.Failed, res.Skipped} {
		names := make([]string, 0, len(m))
		for n := range m {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", n, m[n])
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
