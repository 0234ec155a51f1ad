package main

import (
	"flag"
	"fmt"
	"os"
)

type Flags struct {
	ConfigFile string
	Addr       string
	LogLevel   string
	LogFormat  string
	Version    bool
}

func ParseFlags(args []string) (*Flags, error) {
	flags := &Flags{}

	fs := flag.NewFlagSet("modelops-server", flag.ContinueOnError)
	fs.StringVar(&flags.ConfigFile, "config", "", "Path to configuration file (default ./modelops.yaml or ~/.modelops/modelops.yaml)")
	fs.StringVar(&flags.Addr, "addr", "", "Listen address, overrides server.addr")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error), overrides log.level")
	fs.StringVar(&flags.LogFormat, "log-format", "", "Log format (json, text), overrides log.format")
	fs.BoolVar(&flags.Version, "version", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", fs.Name())
		fmt.Fprintf(os.Stderr, "\nModel lifecycle and deployment server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return flags, nil
}

func printVersion() {
	info := GetBuildInfo()
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Git Commit: %s\n", info.GitCommit)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s\n", info.Platform)
}
