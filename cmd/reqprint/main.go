package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/facebookgo/flagenv"
	"github.com/joho/godotenv"
	"github.com/marcogenualdo/reqprint/internal/archive"
	"github.com/marcogenualdo/reqprint/internal/config"
	"github.com/marcogenualdo/reqprint/internal/handlers"
	"github.com/marcogenualdo/reqprint/internal/server"
)

const (
	version     = "1.0.0"
	defaultPort = 8080
	envPrefix   = "REQPRINT_"
)

type options struct {
	configPath string
	port       int
	portSet    bool
	verbose    bool
}

func main() {
	configPath := flag.String("config", "", "path to optional YAML configuration file")
	configPathShort := flag.String("c", "", "path to optional YAML configuration file (short)")
	port := flag.Int("port", defaultPort, "port to listen on")
	portShort := flag.Int("p", defaultPort, "port to listen on (short)")
	verbose := flag.Bool("verbose", false, "print every request header line instead of only the first")
	verboseShort := flag.Bool("v", false, "print every request header line (short)")
	showVersion := flag.Bool("version", false, "show version and exit")
	showHelp := flag.Bool("help", false, "show help and exit")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load .env: %v\n", err)
		os.Exit(1)
	}
	flagenv.Prefix = envPrefix
	flagenv.Parse()
	flag.Parse()

	if *showVersion {
		fmt.Printf("reqprint v%s\n", version)
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("reqprint - print incoming HTTP requests and answer 200 OK")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	set := explicitFlags(flag.CommandLine)
	opts := options{
		configPath: *configPath,
		port:       *port,
		portSet:    set["port"] || set["p"],
		verbose:    *verbose || *verboseShort,
	}
	if *configPathShort != "" {
		opts.configPath = *configPathShort
	}
	if set["p"] {
		opts.port = *portShort
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting reqprint", "version", version)

	arch, err := archive.New(cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	if arch != nil {
		defer arch.Close()
		logger.Info("archive initialized", "type", cfg.Archive.Type, "ttl", cfg.Archive.TTL)
	}

	handler := handlers.NewConnectionHandler(os.Stdout, cfg.Output.Verbose, arch, logger)
	srv := server.New(*cfg, handler, arch, logger)

	return srv.Start()
}

// explicitFlags names the flags given on the command line or through their
// environment variable.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	fs.VisitAll(func(f *flag.Flag) {
		if os.Getenv(envPrefix+strings.ToUpper(f.Name)) != "" {
			set[f.Name] = true
		}
	})
	return set
}

// loadConfig reads the config file and lets explicitly set flags win over it.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.portSet {
		cfg.Server.Port = opts.port
	}
	if opts.verbose {
		cfg.Output.Verbose = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogger writes to stderr; stdout carries the printed requests.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
