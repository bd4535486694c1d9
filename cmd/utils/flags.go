// Package utils contains internal helper functions for tailchain
// commands, centralizing flag definitions so their names and help text
// stay consistent across subcommands.
package utils

import (
	"github.com/urfave/cli/v2"

	"github.com/ethereum-mive/tailchain/internal/flags"
)

// These are all the command line flags tailchain supports. If you add to
// this list, remember to register the flag on the appropriate command.
var (
	DataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory for the block item store and action queue",
		Value:    flags.ExpandPath(flags.DirName(flags.HomeDir(), ".tailchain")),
		Category: flags.DatabaseCategory,
	}
	DBEngineFlag = &cli.StringFlag{
		Name:     "db.engine",
		Usage:    "Backing key-value store to use ('leveldb' or 'memory')",
		Value:    "leveldb",
		Category: flags.DatabaseCategory,
	}
	DBCacheFlag = &cli.IntFlag{
		Name:     "db.cache",
		Usage:    "Megabytes of memory allocated to leveldb's internal caching",
		Value:    512,
		Category: flags.DatabaseCategory,
	}
	DBHandlesFlag = &cli.IntFlag{
		Name:     "db.handles",
		Usage:    "Number of leveldb file handles to allocate",
		Value:    512,
		Category: flags.DatabaseCategory,
	}

	ProviderRPCFlag = &cli.StringFlag{
		Name:     "provider.rpc",
		Usage:    "RPC endpoint of the chain client to follow (http(s):// or ws(s)://)",
		Category: flags.ProviderCategory,
	}

	MaxDepthFlag = &cli.Uint64Flag{
		Name:     "max-depth",
		Usage:    "Maximum reorg depth the block cache accommodates",
		Value:    128,
		Category: flags.MiscCategory,
	}
	BlockSyncThresholdFlag = &cli.Uint64Flag{
		Name:     "block-sync-threshold",
		Usage:    "Block count behind the provider's observed height still considered synced",
		Value:    5,
		Category: flags.MiscCategory,
	}
	ActionFilterFlag = &cli.StringFlag{
		Name:     "machine.action-filter",
		Usage:    "Boolean expression selecting the components whose actions may run (e.g. 'component == \"responder\"')",
		Category: flags.MiscCategory,
	}
	MemsizeFlag = &cli.BoolFlag{
		Name:     "debug.memsize",
		Usage:    "Log memory size reports of the in-memory stores on SIGUSR1",
		Category: flags.LoggingCategory,
	}

	LogLevelFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	LogJSONFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format console logs as JSON instead of the terminal handler's key=value form",
		Category: flags.LoggingCategory,
	}
	LogFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to this file (rotated via lumberjack) instead of stderr",
		Category: flags.LoggingCategory,
	}
)

// Config is the subset of engine knobs loaded from TOML and overridable
// by flags.
type Config struct {
	DataDir            string
	DBEngine           string
	DBCache            int
	DBHandles          int
	ProviderRPC        string
	MaxDepth           uint64
	BlockSyncThreshold uint64
	ActionFilter       string
	Memsize            bool
	Verbosity          int
	LogJSON            bool
	LogFile            string
}

// DefaultConfig returns Config with the same defaults the flags above
// declare, used as the base loadBaseConfig starts from before a TOML
// file or CLI flags are applied.
func DefaultConfig() Config {
	return Config{
		DataDir:            DataDirFlag.Value,
		DBEngine:           DBEngineFlag.Value,
		DBCache:            DBCacheFlag.Value,
		DBHandles:          DBHandlesFlag.Value,
		MaxDepth:           MaxDepthFlag.Value,
		BlockSyncThreshold: BlockSyncThresholdFlag.Value,
		Verbosity:          LogLevelFlag.Value,
	}
}

// SetConfig applies every flag ctx has set onto cfg, so flags override
// whatever the config file loaded.
func SetConfig(ctx *cli.Context, cfg *Config) {
	if ctx.IsSet(DataDirFlag.Name) {
		cfg.DataDir = flags.ExpandPath(ctx.String(DataDirFlag.Name))
	}
	if ctx.IsSet(DBEngineFlag.Name) {
		cfg.DBEngine = ctx.String(DBEngineFlag.Name)
	}
	if ctx.IsSet(DBCacheFlag.Name) {
		cfg.DBCache = ctx.Int(DBCacheFlag.Name)
	}
	if ctx.IsSet(DBHandlesFlag.Name) {
		cfg.DBHandles = ctx.Int(DBHandlesFlag.Name)
	}
	if ctx.IsSet(ProviderRPCFlag.Name) {
		cfg.ProviderRPC = ctx.String(ProviderRPCFlag.Name)
	}
	if ctx.IsSet(MaxDepthFlag.Name) {
		cfg.MaxDepth = ctx.Uint64(MaxDepthFlag.Name)
	}
	if ctx.IsSet(BlockSyncThresholdFlag.Name) {
		cfg.BlockSyncThreshold = ctx.Uint64(BlockSyncThresholdFlag.Name)
	}
	if ctx.IsSet(ActionFilterFlag.Name) {
		cfg.ActionFilter = ctx.String(ActionFilterFlag.Name)
	}
	if ctx.IsSet(MemsizeFlag.Name) {
		cfg.Memsize = ctx.Bool(MemsizeFlag.Name)
	}
	if ctx.IsSet(LogLevelFlag.Name) {
		cfg.Verbosity = ctx.Int(LogLevelFlag.Name)
	}
	if ctx.IsSet(LogJSONFlag.Name) {
		cfg.LogJSON = ctx.Bool(LogJSONFlag.Name)
	}
	if ctx.IsSet(LogFileFlag.Name) {
		cfg.LogFile = ctx.String(LogFileFlag.Name)
	}
}
