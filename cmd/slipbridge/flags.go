package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/slipbridge/internal/config"
	"github.com/tinyrange/slipbridge/internal/transport"
)

// endpointFlag is a mode flag with an optional endpoint: "-listen" alone or
// "-listen=PATH". For "-listen PATH" the flag package sees PATH as an
// argument; parseFlags takes it as the endpoint and keeps parsing after it.
type endpointFlag struct {
	set   bool
	value string
}

func (f *endpointFlag) String() string { return f.value }

func (f *endpointFlag) Set(v string) error {
	switch v {
	case "true":
		f.set = true
	case "false":
		f.set = false
		f.value = ""
	default:
		f.set = true
		f.value = v
	}
	return nil
}

func (f *endpointFlag) IsBoolFlag() bool { return true }

type forwardList []string

func (l *forwardList) String() string { return strings.Join(*l, ",") }

func (l *forwardList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// parseFlags loads the optional config file and applies the command line on
// top of it. The result has been validated.
func parseFlags(args []string, output io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("slipbridge", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		listen, connect   endpointFlag
		forwards          forwardList
		configPath        = fs.String("config", "", "YAML configuration file")
		disableHostAccess = fs.Bool("disable-host-access", false, "Disable access to host ports from the guest")
		debug             = fs.Bool("debug", false, "Enable debug logging")
		capture           = fs.String("capture", "", "Write frames crossing the bridge to a pcap file")
		status            = fs.String("status", "", "Serve bridge status over HTTP on this address")
		library           = fs.String("libslirp", "", "Path to the libslirp shared library")
	)
	fs.Var(&listen, "listen", "Wait for the guest on `endpoint` (unix:PATH, tcp:HOST:PORT or serial:DEVICE)")
	fs.Var(&connect, "connect", "Connect to the guest at `endpoint` (default mode)")
	fs.Var(&forwards, "forward", "Forward `hostport:guestport` to the guest (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: slipbridge [flags] [endpoint]\n\n")
		fmt.Fprintf(output, "Bridge a SLIP serial link to a user-mode network stack.\n\n")
		fmt.Fprintf(output, "Examples:\n")
		fmt.Fprintf(output, "  slipbridge -listen unix:/tmp/guest.sock -forward 18080:8080\n")
		fmt.Fprintf(output, "  slipbridge -connect serial:/dev/ttyS1 -disable-host-access\n\n")
		fmt.Fprintf(output, "Default endpoint: %s\n\n", transport.DefaultEndpoint())
		fmt.Fprintf(output, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	var rest []string
	for fs.NArg() > 0 {
		rest = append(rest, fs.Arg(0))
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return config.Config{}, err
		}
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}

	if listen.set && connect.set {
		return config.Config{}, &config.ConfigError{
			Field: "mode",
			Err:   errors.New("-listen and -connect are mutually exclusive"),
		}
	}
	mode := &connect
	switch {
	case listen.set:
		cfg.Mode = config.ModeListen
		mode = &listen
	case connect.set:
		cfg.Mode = config.ModeConnect
	}
	if mode.value != "" {
		cfg.Endpoint = mode.value
	}

	switch {
	case len(rest) == 1 && mode.value == "":
		cfg.Endpoint = rest[0]
	case len(rest) > 0:
		return config.Config{}, &config.ConfigError{
			Field: "arguments",
			Value: strings.Join(rest, " "),
			Err:   errors.New("unexpected arguments"),
		}
	}

	if *disableHostAccess {
		cfg.DisableHostAccess = true
	}
	if *debug {
		cfg.Debug = true
	}
	cfg.Forwards = append(cfg.Forwards, forwards...)
	if *capture != "" {
		cfg.Capture = *capture
	}
	if *status != "" {
		cfg.StatusAddr = *status
	}
	if *library != "" {
		cfg.Library = *library
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
