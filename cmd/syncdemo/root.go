package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinyes/yep_sync/pkg/hlc"
	"github.com/shinyes/yep_sync/pkg/replica"
	"github.com/shinyes/yep_sync/pkg/store"
)

// rootOptions holds the global flags.
type rootOptions struct {
	DataDir string
	Backend string
	StoreID string
	NodeID  string
	Format  string
	Verbose bool
}

var validBackends = []string{"badger", "sqlite", "memory"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	host, _ := os.Hostname()
	if host == "" {
		host = "terminal"
	}

	cmd := &cobra.Command{
		Use:           "syncdemo",
		Short:         "Local-first CRDT sync playground",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			for _, b := range validBackends {
				if b == opts.Backend {
					return nil
				}
			}
			return fmt.Errorf("invalid backend %q: must be one of %v", opts.Backend, validBackends)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DataDir, "data", "./tmp/syncdemo", "state directory")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "badger", "state backend (badger|sqlite|memory)")
	cmd.PersistentFlags().StringVar(&opts.StoreID, "store", "store-1", "retail store id")
	cmd.PersistentFlags().StringVar(&opts.NodeID, "node", host, "terminal node id")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newSealCommand(opts))
	cmd.AddCommand(newApplyCommand(opts))
	cmd.AddCommand(newValuesCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	return cmd
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) openProvider() (store.Provider, error) {
	switch o.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		if err := os.MkdirAll(o.DataDir, 0o755); err != nil {
			return nil, err
		}
		return store.OpenSQLite(store.DefaultSQLiteConfig(filepath.Join(o.DataDir, "state.db")))
	default:
		return store.NewMultiStore(o.DataDir), nil
	}
}

// replicaSet is everything a command needs to read and write state.
type replicaSet struct {
	provider store.Provider
	applier  *replica.Applier
	producer *replica.Producer
	metrics  *replica.Metrics
}

func (o *rootOptions) openReplica(logger *slog.Logger) (*replicaSet, error) {
	provider, err := o.openProvider()
	if err != nil {
		return nil, err
	}
	clock := hlc.New()
	metrics := replica.NewMetrics()
	applier := replica.NewApplier(provider, replica.NewRegistry(),
		replica.WithLogger(logger),
		replica.WithClock(clock),
		replica.WithMetrics(metrics),
	)
	producer, err := replica.NewProducer(applier, o.StoreID, o.NodeID, clock)
	if err != nil {
		provider.Close()
		return nil, err
	}
	return &replicaSet{provider: provider, applier: applier, producer: producer, metrics: metrics}, nil
}

func (r *replicaSet) Close() error {
	return r.provider.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
