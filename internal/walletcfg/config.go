// Package walletcfg is the wallet daemon's configuration: command-line
// flags layered over an ini config file layered over defaults, the
// same precedence pktd's config.go uses.
package walletcfg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/walletlog"
)

const (
	defaultConfigFilename  = "walletd.conf"
	defaultDataDirname     = "data"
	defaultLogDirname      = "logs"
	defaultLogLevel        = "info"
	defaultIntervalMinutes = 15
	defaultAlertThreshold  = 20
	defaultTargetLevel     = "MEDIUM"
)

var (
	defaultHomeDir    = appDataDir("walletd")
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// Config holds every flag/ini setting the daemon accepts.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the wallet database"`
	LogDir      string `long:"logdir" description:"Log directory, created at startup (log lines go to the writer passed to Load)"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level: trace, debug, info, warn, error, critical"`

	Mints []string `long:"mint" description:"Mint URL to register at startup (may be repeated)"`

	OCRTargetLevel     string `long:"ocr-target-level" description:"Offline cash reserve target: LOW, MEDIUM, HIGH"`
	OCRTargetAmount    uint64 `long:"ocr-target-amount" description:"Explicit reserve target in sats, overrides ocr-target-level's default"`
	OCRAutoRefill      bool   `long:"ocr-auto-refill" description:"Automatically top up the reserve during sync"`
	OCRAlertThreshold  int    `long:"ocr-alert-threshold" description:"Percent of target below which a critical alert fires"`

	SyncAutoSync        bool `long:"sync-auto" description:"Sync automatically when the network comes back online"`
	SyncWifiOnly        bool `long:"sync-wifi-only" description:"Only auto-sync while on wifi"`
	SyncIntervalMinutes int  `long:"sync-interval" description:"Minutes between periodic background syncs, minimum 5"`
	SyncBackgroundSync  bool `long:"sync-background" description:"Enable the periodic background sync timer"`
}

var Err = er.NewErrorType("walletcfg")

var ErrUsage = Err.Code("usage error")

// cleanAndExpandPath expands environment variables and a leading ~ in
// path, mirroring pktd's config.go helper of the same name.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

func appDataDir(appName string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "."+appName)
	}
	return "." + appName
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Load parses the daemon config using the pktd precedence: defaults,
// then config file, then command line flags (which win). It also
// initializes logging as a side effect, so callers should treat the
// returned Config as ready to wire a daemon with.
func Load(logOutput io.Writer) (*Config, []string, er.R) {
	cfg := Config{
		ConfigFile:          defaultConfigFile,
		DataDir:             defaultDataDir,
		LogDir:              defaultLogDir,
		DebugLevel:          defaultLogLevel,
		OCRTargetLevel:      defaultTargetLevel,
		OCRAlertThreshold:   defaultAlertThreshold,
		SyncAutoSync:        true,
		SyncIntervalMinutes: defaultIntervalMinutes,
		SyncBackgroundSync:  true,
	}

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	if _, errr := preParser.Parse(); errr != nil {
		if e, ok := errr.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil, nil, er.Errorf("walletcfg: %v", errr)
		}
	}
	if preCfg.ShowVersion {
		fmt.Println("walletd version", Version())
		os.Exit(0)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if fileExists(preCfg.ConfigFile) {
		if errr := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); errr != nil {
			return nil, nil, er.Errorf("walletcfg: parsing config file: %v", errr)
		}
	}

	remaining, errr := parser.Parse()
	if errr != nil {
		return nil, nil, er.Errorf("walletcfg: %v", errr)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if errr := os.MkdirAll(cfg.DataDir, 0700); errr != nil {
		return nil, nil, er.Errorf("walletcfg: creating data directory: %v", errr)
	}
	if errr := os.MkdirAll(cfg.LogDir, 0700); errr != nil {
		return nil, nil, er.Errorf("walletcfg: creating log directory: %v", errr)
	}

	if logOutput != nil {
		walletlog.SetOutput(logOutput)
	}
	if err := walletlog.SetLevels(cfg.DebugLevel); err != nil {
		return nil, nil, ErrUsage.New(fmt.Sprintf("invalid debuglevel %q: %v", cfg.DebugLevel, err), nil)
	}

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, remaining, nil
}

// validate enforces the sync interval floor and a sane alert
// threshold range.
func (c *Config) validate() er.R {
	if c.SyncIntervalMinutes < 5 {
		c.SyncIntervalMinutes = 5
	}
	if c.OCRAlertThreshold <= 0 || c.OCRAlertThreshold > 100 {
		return ErrUsage.New(fmt.Sprintf("ocr-alert-threshold must be in (0, 100], got %d", c.OCRAlertThreshold), nil)
	}
	switch c.OCRTargetLevel {
	case "LOW", "MEDIUM", "HIGH":
	default:
		return ErrUsage.New(fmt.Sprintf("ocr-target-level must be LOW, MEDIUM, or HIGH, got %q", c.OCRTargetLevel), nil)
	}
	return nil
}
