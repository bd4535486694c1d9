// Command tailchain runs the block cache, block processor and
// blockchain machine against a live chain provider: a urfave/cli App
// with a single default action, config loaded by loadBaseConfig before
// anything else is constructed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fjl/memsize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ethereum-mive/tailchain/actionstore"
	"github.com/ethereum-mive/tailchain/blockcache"
	"github.com/ethereum-mive/tailchain/blockitem"
	"github.com/ethereum-mive/tailchain/blockprocessor"
	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/chain/ethprovider"
	"github.com/ethereum-mive/tailchain/cmd/utils"
	"github.com/ethereum-mive/tailchain/internal/flags"
	"github.com/ethereum-mive/tailchain/kv"
	"github.com/ethereum-mive/tailchain/kv/leveldb"
	"github.com/ethereum-mive/tailchain/kv/memorydb"
	"github.com/ethereum-mive/tailchain/machine"
)

const clientIdentifier = "tailchain"

var app = flags.NewApp("a blockchain tailing and state-reduction engine")

func init() {
	app.Name = clientIdentifier
	app.Action = run
	app.Flags = []cli.Flag{
		configFileFlag,
		utils.DataDirFlag,
		utils.DBEngineFlag,
		utils.DBCacheFlag,
		utils.DBHandlesFlag,
		utils.ProviderRPCFlag,
		utils.MaxDepthFlag,
		utils.BlockSyncThresholdFlag,
		utils.ActionFilterFlag,
		utils.MemsizeFlag,
		utils.LogLevelFlag,
		utils.LogJSONFlag,
		utils.LogFileFlag,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setupLogging wires the logger's output through go-colorable (TTY-aware
// coloring) and lumberjack (size-based rotation when a log file is
// given), with go-isatty deciding whether to attach the colorable
// writer. It runs before anything else is constructed so that nothing
// logs through an unconfigured root handler.
func setupLogging(cfg utils.Config) {
	var writer io.Writer = os.Stderr
	useColor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"

	if cfg.LogFile != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
		}
		useColor = false
	} else if useColor {
		writer = colorable.NewColorableStderr()
	}

	var format log.Format
	if cfg.LogJSON {
		format = log.JSONFormat()
	} else {
		format = log.TerminalFormat(useColor)
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(cfg.Verbosity), log.StreamHandler(writer, format)))
}

func openDB(cfg utils.Config) (kv.Store, error) {
	switch cfg.DBEngine {
	case "memory":
		return memorydb.New(), nil
	case "leveldb", "":
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
		return leveldb.New(cfg.DataDir, cfg.DBCache, cfg.DBHandles)
	default:
		return nil, fmt.Errorf("unknown db.engine %q", cfg.DBEngine)
	}
}

// run is the app's single action: it wires the item store, block cache,
// action store and machine around one prefixed key-value store, starts
// the block processor, and blocks until a signal arrives. It registers
// no machine.Component itself; a program reusing this wiring registers
// its components on the machine before Start, at the point marked
// below, so this command only demonstrates the wiring with zero
// components, which is a valid (if inert) configuration.
func run(ctx *cli.Context) error {
	cfg := loadBaseConfig(ctx).Engine
	setupLogging(cfg)

	if cfg.ProviderRPC == "" {
		return fmt.Errorf("--%s is required", utils.ProviderRPCFlag.Name)
	}

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	itemStore := blockitem.New(kv.NewTable(db, "block-item-store"))
	if err := itemStore.Start(); err != nil {
		return fmt.Errorf("starting block item store: %w", err)
	}
	defer itemStore.Stop()

	cache := blockcache.New(itemStore, chain.NewTaggedCodec(), cfg.MaxDepth)
	defer cache.Close()

	actions := actionstore.New(kv.NewTable(db, "cachedkeyvaluestore-machine"))
	if err := actions.Start(); err != nil {
		return fmt.Errorf("starting action store: %w", err)
	}
	defer actions.Stop()

	m := machine.New(itemStore, actions, cache)
	// Embedding programs call m.Register(component) here, before Start.
	if cfg.ActionFilter != "" {
		if err := m.SetActionFilter(cfg.ActionFilter); err != nil {
			return err
		}
	}
	if err := m.Start(); err != nil {
		return fmt.Errorf("starting machine: %w", err)
	}

	provider, err := ethprovider.Dial(cfg.ProviderRPC)
	if err != nil {
		return fmt.Errorf("dialing provider: %w", err)
	}

	proc := blockprocessor.New(provider, cache, itemStore, kv.NewTable(db, "block-processor"), cfg.MaxDepth, cfg.BlockSyncThreshold)

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	log.Info("starting tailchain", "provider", cfg.ProviderRPC, "maxDepth", cfg.MaxDepth, "datadir", cfg.DataDir)
	if err := proc.Start(runCtx); err != nil {
		return fmt.Errorf("starting block processor: %w", err)
	}
	defer proc.Stop()

	if cfg.Memsize {
		memCh := make(chan os.Signal, 1)
		signal.Notify(memCh, syscall.SIGUSR1)
		go func() {
			for range memCh {
				reportMemsize("blockitem", itemStore)
				reportMemsize("blockcache", cache)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down tailchain")
	return nil
}

// reportMemsize logs the reachable in-memory footprint of v.
func reportMemsize(target string, v interface{}) {
	sizes := memsize.Scan(v)
	log.Info("Memory size report", "target", target, "total", common.StorageSize(sizes.Total))
}
