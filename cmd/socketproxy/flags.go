package main

import "flag"

// Flags holds the command line; everything else lives in the config file.
type Flags struct {
	ConfigPath  string
	Debug       bool
	MetricsAddr string
}

func parseFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("socketproxy", flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "socketproxy.yaml", "path to the YAML config file, watched for changes")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&f.MetricsAddr, "metrics", "", "metrics, health and dashboard listen address (overrides the config file)")
	err := fs.Parse(args)
	return f, err
}
