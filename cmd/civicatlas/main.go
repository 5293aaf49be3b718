package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SkyGlancer/CivicAtlas/pkg/config"
	"github.com/SkyGlancer/CivicAtlas/pkg/fetch"
	"github.com/SkyGlancer/CivicAtlas/pkg/parse"
	"github.com/SkyGlancer/CivicAtlas/pkg/scrape"
	"github.com/SkyGlancer/CivicAtlas/pkg/storage"
)

const version = "1.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scrape":
		runScrape(os.Args[2:], false)
	case "resume":
		runScrape(os.Args[2:], true)
	case "validate":
		runValidate(os.Args[2:])
	case "list-states":
		runListStates(os.Args[2:])
	case "version":
		fmt.Printf("civicatlas %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `civicatlas - Urban local body ward scraper for civicatlas.in

Usage:
  civicatlas <command> [options]

Commands:
  scrape       Start a fresh scrape (truncates previous output)
  resume       Resume an interrupted scrape (appends, skips finished bodies)
  validate     Validate configuration file
  list-states  List the states and union territories a scrape would cover
  version      Show version info

Run 'civicatlas <command> -h' for command-specific help.`)
}

// runScrape handles both scrape and resume subcommands
func runScrape(args []string, isResume bool) {
	cmdName := "scrape"
	if isResume {
		cmdName = "resume"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file (missing file falls back to built-in defaults)")
	outputFile := fs.String("output", "", "Output CSV path (overrides config)")
	states := fs.String("states", "", "Comma-separated state names or slugs to scrape (default: all)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	writeJournalLog := fs.Bool("write-journal-log", false, "Write a body journal dump on completion")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: civicatlas %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  civicatlas %s\n", cmdName)
		fmt.Fprintf(os.Stderr, "  civicatlas %s -states goa,kerala\n", cmdName)
		fmt.Fprintf(os.Stderr, "  civicatlas %s -states \"Tamil Nadu\" -output tn_wards.csv\n", cmdName)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	executeScrape(*configFile, *outputFile, *states, *logLevel, *pprofAddr, *writeJournalLog, isResume)
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: civicatlas validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to the provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	regions, err := scrape.Regions(appCfg, "")
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d state listing pages configured\n", len(regions))

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListStates handles the list-states subcommand
func runListStates(args []string) {
	fs := flag.NewFlagSet("list-states", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file (missing file falls back to built-in defaults)")
	states := fs.String("states", "", "Comma-separated state names or slugs")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: civicatlas list-states [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListStates(*configFile, *states, os.Stdout, os.Stderr))
}

// doListStates prints the states a scrape would cover and their listing URLs.
// Returns exit code (0 = success, 1 = error).
func doListStates(configPath, statesFilter string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		appCfg = &config.AppConfig{}
	} else if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := appCfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	regions, err := scrape.Regions(appCfg, statesFilter)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "States and union territories (%d):\n\n", len(regions))
	for _, r := range regions {
		fmt.Fprintf(stdout, "  %-28s %s\n", r.Name, scrape.RegionURL(appCfg.BaseURL, r))
	}
	return 0
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
	}

	return log
}

// loadOrDefaultConfig loads and validates the config file. A missing file is
// not an error: the scraper carries a complete set of built-in defaults.
func loadOrDefaultConfig(configFile string, log *logrus.Logger) *config.AppConfig {
	appCfg, err := config.Load(configFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("Config file %s not found, using built-in defaults", configFile)
		appCfg = &config.AppConfig{}
	} else if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	warnings, err := appCfg.Validate()
	if err != nil {
		log.Fatalf("Config validation error: %v", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	return appCfg
}

// mirrorLogToFile tees log output into the configured log file. Returns a
// cleanup func closing the file.
func mirrorLogToFile(log *logrus.Logger, path string) func() {
	if path == "" {
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warnf("Could not open log file %s, logging to console only: %v", path, err)
		return func() {}
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { f.Close() }
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: BaseURL:%s, Output:%s, StateDir:%s, LogFile:%s",
		appCfg.BaseURL, appCfg.OutputFile, appCfg.StateDir, appCfg.LogFile)
	log.Infof("Config: Workers:%d, RequestInterval:%v, RespectRobots:%t",
		appCfg.NumWorkers, appCfg.RequestInterval, appCfg.RobotsEnabled())
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Config Timeouts: Global:%v, HTTPClient:%v",
		appCfg.GlobalTimeout, appCfg.HTTPClientSettings.Timeout)
}

// executeScrape contains the main scrape logic for scrape and resume
func executeScrape(configFile, outputOverride, statesFilter, logLevelStr, pprofAddr string, writeJournalLog, isResume bool) {
	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)

	log := setupLogger(logLevelStr)
	appCfg := loadOrDefaultConfig(configFile, log)
	if outputOverride != "" {
		appCfg.OutputFile = outputOverride
	}
	closeLogFile := mirrorLogToFile(log, appCfg.LogFile)
	defer closeLogFile()

	logAppConfig(appCfg, log)

	regions, err := scrape.Regions(appCfg, statesFilter)
	if err != nil {
		log.Fatalf("Invalid states selection: %v", err)
	}
	log.Infof("Scraping %d state(s)/union territories, resume=%t", len(regions), isResume)

	startPprof(pprofAddr, log)

	// ===========================================================
	// == Setup Global Context & Signal Handling ==
	// ===========================================================
	var runCtx context.Context
	var cancelRun context.CancelFunc

	if appCfg.GlobalTimeout > 0 {
		log.Infof("Setting global timeout: %v", appCfg.GlobalTimeout)
		runCtx, cancelRun = context.WithTimeout(context.Background(), appCfg.GlobalTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(context.Background())
	}
	defer cancelRun()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		sig := <-sigChan
		log.Warnf("Received signal: %v. Finishing current item and flushing output...", sig)
		cancelRun()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()
	defer signal.Stop(sigChan)

	// ===========================================================
	// == Initialize Components ==
	// ===========================================================
	log.Info("Initializing components...")
	logEntry := log.WithField("component", "scrape")

	journal, err := storage.NewBadgerJournal(runCtx, appCfg.StateDir, isResume, logEntry)
	if err != nil {
		log.Fatalf("Failed to initialize body journal: %v", err)
	}

	go journal.RunGC(runCtx, 0)

	sink, err := scrape.NewCSVWriter(logEntry, appCfg.OutputFile, isResume)
	if err != nil {
		journal.Close()
		log.Fatalf("Failed to open output file: %v", err)
	}

	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)
	rateLimiter := fetch.NewRateLimiter(appCfg.RequestInterval, log)
	fetcher := fetch.NewFetcher(httpClient, rateLimiter, appCfg, log)

	var robots *fetch.RobotsHandler
	if appCfg.RobotsEnabled() {
		robots = fetch.NewRobotsHandler(fetcher, log)
	} else {
		log.Warn("robots.txt checking disabled by config")
	}

	scraper := scrape.NewScraper(appCfg, fetcher, robots, parse.NewHTMLParser(log), journal, sink, log)

	// ===========================================================
	// == Start Scrape Execution ==
	// ===========================================================
	runErr := scraper.Run(runCtx, regions)

	// ===========================================================
	// == Post-Scrape Actions ==
	// ===========================================================
	if count, countErr := journal.GetBodyCount(); countErr == nil {
		log.Infof("Body journal holds %d entries", count)
	}

	if runCtx.Err() != nil {
		log.Warnf("Skipping journal dump due to run context error: %v", runCtx.Err())
	} else if writeJournalLog {
		dumpPath := filepath.Join(appCfg.StateDir, "body_journal.tsv")
		if dumpErr := journal.DumpJournal(dumpPath); dumpErr != nil {
			log.Errorf("Error writing journal dump: %v", dumpErr)
		} else {
			log.Infof("Journal dump written to %s", dumpPath)
		}
	}

	// Close explicitly: rows are flushed per write, but Close surfaces any
	// final filesystem error the exit code must reflect
	if closeErr := sink.Close(); closeErr != nil {
		log.Errorf("Failed to close output file: %v", closeErr)
		if runErr == nil {
			runErr = closeErr
		}
	}
	if closeErr := journal.Close(); closeErr != nil {
		log.Errorf("Failed to close body journal: %v", closeErr)
	}

	// --- Exit ---
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Warn("Scrape interrupted. Output flushed, continue with 'civicatlas resume'.")
			os.Exit(0)
		}
		if errors.Is(runErr, context.DeadlineExceeded) {
			log.Error("Scrape timed out (global timeout).")
			os.Exit(1)
		}
		log.Errorf("Scrape finished with error: %v", runErr)
		os.Exit(1)
	}

	log.Infof("Scrape completed successfully. Output: %s", appCfg.OutputFile)
}
