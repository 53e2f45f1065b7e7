package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/builder"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/assembler/history"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/applier"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/distributor/frontend"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/layout"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/internal/service"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
	apperrors "github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/postgres"
)

// app carries the connections shared by subcommands. Fields already set
// (as in tests) are not reopened.
type app struct {
	configPath string
	cfg        *config.Config
	store      coord.Store
	blobs      blob.Store
	metrics    *metrics.Metrics
	closers    []func() error
}

func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := service.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.metrics == nil {
		a.metrics = metrics.NewNop()
	}
	if a.store != nil {
		return nil
	}
	s, err := service.OpenCoordination(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return nil
}

func (a *app) openBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	b, err := service.OpenBlob(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.blobs = b
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "phrasectl",
		Short:        "Inspect and drive the phrase autocomplete pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			return a.openStore(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) { a.close() },
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "configs/development.yaml", "path to config file")

	root.AddCommand(
		newStatusCmd(a),
		newBuildCmd(a),
		newTriggerCmd(a),
		newApplyCmd(a),
		newQueryCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show target pointers, partitions, replicas and promotion readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			pointers := []struct{ name, path string }{
				{"last_built_target", layout.LastBuiltTarget},
				{"next_target", layout.NextTarget},
				{"current_target", layout.CurrentTarget},
			}
			targets := map[string]string{}
			for _, p := range pointers {
				v, err := coord.GetString(ctx, a.store, p.path)
				if err != nil {
					return err
				}
				targets[p.name] = v
				fmt.Fprintf(out, "%-18s %s\n", p.name+":", orDash(v))
			}

			for _, name := range []string{"current_target", "next_target"} {
				if t := targets[name]; t != "" {
					if err := printTarget(ctx, out, a.store, t); err != nil {
						return err
					}
				}
			}

			r, err := applier.New(applier.Config{NodesPerPartition: a.cfg.Distributor.NodesPerPartition}, a.store, a.metrics).Ready(ctx)
			if err != nil {
				return err
			}
			if r.Ready {
				fmt.Fprintf(out, "\nnext target %s is ready for promotion\n", r.Target)
			} else {
				fmt.Fprintf(out, "\nnot ready for promotion: %s\n", r.Reason)
			}
			return nil
		},
	}
}

func printTarget(ctx context.Context, out io.Writer, store coord.Store, target string) error {
	fmt.Fprintf(out, "\ntarget %s\n", target)
	partitions, err := store.Children(ctx, layout.Partitions(target))
	if errors.Is(err, coord.ErrNoNode) {
		fmt.Fprintln(out, "  (not registered)")
		return nil
	}
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  PARTITION\tCLAIM\tADDRESS")
	for _, rng := range partitions {
		nodesPath := layout.Nodes(target, rng)
		claims, err := store.Children(ctx, nodesPath)
		if err != nil && !errors.Is(err, coord.ErrNoNode) {
			return err
		}
		if len(claims) == 0 {
			fmt.Fprintf(tw, "  %s\t-\t-\n", rng)
		}
		for _, c := range claims {
			addr, err := coord.GetString(ctx, store, coord.Join(nodesPath, c))
			if err != nil {
				return err
			}
			if addr == "" {
				addr = "(loading)"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", rng, c, addr)
		}
	}
	return tw.Flush()
}

func newBuildCmd(a *app) *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "build [target]",
		Short: "Build a target's partition tries and publish it as next_target",
		Args: func(cmd *cobra.Command, args []string) error {
			if latest {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openBlobs(ctx); err != nil {
				return err
			}
			bcfg, err := builder.ConfigFrom(a.cfg.Assembler)
			if err != nil {
				return err
			}
			b := builder.New(bcfg, a.store, a.blobs, a.metrics)

			var target string
			if latest {
				target, err = b.BuildMostRecent(ctx)
			} else {
				target = args[0]
				err = b.Build(ctx, target)
			}
			switch {
			case errors.Is(err, apperrors.ErrAlreadyBuilt):
				fmt.Fprintf(cmd.OutOrStdout(), "target %s is already the next target\n", target)
				return nil
			case err != nil:
				return err
			case target == "":
				fmt.Fprintln(cmd.OutOrStdout(), "no corpus targets found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built and published %s as next target\n", target)
			return nil
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "build the most recent corpus target")
	return cmd
}

func newTriggerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [target]",
		Short: "Record target as last_built_target so running builders pick it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])
			if target == "" {
				return fmt.Errorf("%w: target id is required", apperrors.ErrInvalidInput)
			}
			if err := coord.Upsert(cmd.Context(), a.store, layout.LastBuiltTarget, []byte(target)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "last_built_target set to %s\n", target)
			return nil
		},
	}
}

func newApplyCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Promote next_target to current_target when it is fully served",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ap := applier.New(applier.Config{NodesPerPartition: a.cfg.Distributor.NodesPerPartition}, a.store, a.metrics)
			out := cmd.OutOrStdout()
			if force {
				next, err := coord.GetString(ctx, a.store, layout.NextTarget)
				if err != nil {
					return err
				}
				if next == "" {
					return fmt.Errorf("%w: no next target", apperrors.ErrNotReady)
				}
				if err := ap.Apply(ctx, next); err != nil {
					return err
				}
				fmt.Fprintf(out, "promoted %s to current target\n", next)
				return nil
			}
			r, err := ap.Ready(ctx)
			if err != nil {
				return err
			}
			if !r.Ready {
				return fmt.Errorf("%w: %s", apperrors.ErrNotReady, r.Reason)
			}
			if err := ap.Apply(ctx, r.Target); err != nil {
				return err
			}
			fmt.Fprintf(out, "promoted %s to current target\n", r.Target)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "promote even if partitions are not fully served")
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query [prefix]",
		Short: "Look up the top phrases for a prefix through a current replica",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			router := frontend.NewRouter(a.store, frontend.NewClient(timeout, a.metrics), a.metrics)
			phrases, err := router.TopPhrases(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(phrases) == 0 {
				fmt.Fprintln(out, "(no phrases)")
			}
			for i, p := range phrases {
				fmt.Fprintf(out, "%d. %s\n", i+1, p)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "replica request timeout")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent partition trie builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := postgres.New(a.cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()
			builds, err := history.New(db).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), builds)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of builds to list")
	return cmd
}

func printHistory(out io.Writer, builds []history.Build) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUILT AT\tTARGET\tPARTITION\tPHRASES\tNODES\tBYTES\tDURATION")
	for _, b := range builds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			b.BuiltAt.Format(time.RFC3339), b.TargetID, b.Partition,
			b.PhraseCount, b.NodeCount, b.BlobSize, b.Duration)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
