// zumicd is the Zumic storage daemon entry point: it loads layered
// JSONC configuration, opens a store.Store (running crash recovery if
// needed), starts the background compaction/expiry workers, and blocks
// until an interrupt or terminate signal arrives.
//
// This binary intentionally has no command dispatch, wire protocol
// framer, or pub/sub: those are out of scope for the core this
// repository implements (§6 Non-goals). It exists to prove the core
// boots, recovers, and shuts down cleanly end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/zumic/zumic/internal/aof"
	"github.com/zumic/zumic/internal/cluster"
	"github.com/zumic/zumic/internal/compaction"
	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
	"github.com/zumic/zumic/store"
)

func main() {
	if err := run(os.Args[1:], os.Environ()); err != nil {
		fmt.Fprintln(os.Stderr, "zumicd:", err)
		os.Exit(1)
	}
}

func run(args, env []string) error {
	flags := flag.NewFlagSet("zumicd", flag.ContinueOnError)

	configPath := flags.String("config", "", "path to a JSONC config file (overrides project config)")
	dataDir := flags.String("data-dir", "", "override data_dir from config")
	numShards := flags.Int("num-shards", 0, "override num_shards from config")
	clusterEnabled := flags.Bool("cluster", false, "override cluster.enabled from config")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	overridden := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { overridden[f.Name] = true })

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining working directory: %w", err)
	}

	cliOverrides := FileConfig{DataDir: *dataDir, NumShards: *numShards}
	cliOverrides.Cluster.Enabled = *clusterEnabled

	fileCfg, sources, err := LoadConfig(workDir, *configPath, cliOverrides, overridden, env)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	storeCfg, err := toStoreConfig(fileCfg)
	if err != nil {
		return fmt.Errorf("translating config: %w", err)
	}

	logConfigSources(sources)

	fsys := zfs.NewReal()

	s, err := store.Open(fsys, storeCfg)
	if err != nil {
		return fmt.Errorf("opening store at %q: %w", storeCfg.DataDir, err)
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			fmt.Fprintln(os.Stderr, "zumicd: error closing store:", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.StartBackgroundWorkers(ctx)

	fmt.Printf("zumicd: ready, data_dir=%s num_shards=%d cluster=%v\n", storeCfg.DataDir, storeCfg.NumShards, fileCfg.Cluster.Enabled)

	<-ctx.Done()
	fmt.Println("zumicd: shutting down")
	return nil
}

// toStoreConfig translates the on-disk config shape into store.Config,
// parsing the duration strings and fsync policy kind.
func toStoreConfig(fc FileConfig) (store.Config, error) {
	fsyncInterval, err := parseDuration(fc.Fsync.Interval, 200*time.Millisecond)
	if err != nil {
		return store.Config{}, err
	}

	compactionInterval, err := parseDuration(fc.Compaction.Interval, 5*time.Minute)
	if err != nil {
		return store.Config{}, err
	}

	sweepInterval, err := parseDuration(fc.ExpirySweepInterval, time.Second)
	if err != nil {
		return store.Config{}, err
	}

	return store.Config{
		DataDir:       fc.DataDir,
		NumShards:     uint32(fc.NumShards),
		FormatVersion: zdb.CurrentFormatVersion,
		Fsync:         fsyncPolicy(fc.Fsync.Policy, fc.Fsync.N, fsyncInterval),
		CompactionTrigger: compaction.Trigger{
			EveryRecords:  int64(fc.Compaction.EveryRecords),
			EveryInterval: compactionInterval,
		},
		Codec:               zdb.DefaultOptions(),
		ClusterEnabled:      fc.Cluster.Enabled,
		Rebalancer:          rebalancerConfig(fc),
		ExpirySweepInterval: sweepInterval,
		ExpirySweepBatch:    1000,
	}, nil
}

func fsyncPolicy(kind string, n int, interval time.Duration) aof.FsyncPolicy {
	switch kind {
	case "every_n":
		return aof.FsyncPolicy{Kind: aof.FsyncEveryN, N: n}
	case "per_interval":
		return aof.FsyncPolicy{Kind: aof.FsyncPerInterval, Interval: interval}
	default:
		return aof.FsyncPolicy{Kind: aof.FsyncAlways}
	}
}

func rebalancerConfig(fc FileConfig) cluster.RebalancerConfig {
	cfg := cluster.DefaultRebalancerConfig()
	if fc.Cluster.Rebalancer.ImbalanceRatio > 0 {
		cfg.ImbalanceRatio = fc.Cluster.Rebalancer.ImbalanceRatio
	}
	if fc.Cluster.Rebalancer.HotKeyThreshold > 0 {
		cfg.HotKeyThreshold = fc.Cluster.Rebalancer.HotKeyThreshold
	}
	if fc.Cluster.Rebalancer.BatchSize > 0 {
		cfg.BatchSize = fc.Cluster.Rebalancer.BatchSize
	}
	return cfg
}

func logConfigSources(sources ConfigSources) {
	if sources.Global != "" {
		fmt.Println("zumicd: loaded global config from", sources.Global)
	}
	if sources.Project != "" {
		fmt.Println("zumicd: loaded project config from", sources.Project)
	}
}
