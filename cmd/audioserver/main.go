package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	audiofw "github.com/openharmony/multimedia-audio-framework-sub000"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	ConfigFile  string `short:"C" long:"config" description:"Path to configuration file"`
	LogLevel    string `long:"loglevel" description:"Logging level {trace, debug, info, warn, error}"`
	LogFile     string `long:"logfile" description:"Write logs to this file in addition to the console"`
	Listen      string `long:"listen" description:"Control API listen address"`
	NATSURL     string `long:"natsurl" description:"Publish telemetry to this NATS server"`
	DumpDir     string `long:"dumpdir" description:"Write every endpoint's mixed output to WAV files in this directory"`
	NoRealtime  bool   `long:"norealtime" description:"Do not promote mixer threads to realtime scheduling"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
}

func loadConfig() (*config.Config, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}
	if opts.ShowVersion {
		fmt.Printf("audioserver version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	// Command line flags take precedence over the file and environment.
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.LogFile = opts.LogFile
	}
	if opts.Listen != "" {
		cfg.HTTPListen = opts.Listen
	}
	if opts.NATSURL != "" {
		cfg.NATSURL = opts.NATSURL
	}
	if opts.DumpDir != "" {
		cfg.DumpDir = opts.DumpDir
	}
	if opts.NoRealtime {
		cfg.EnableRealtime = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func _main() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return audiofw.Main(cfg)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
