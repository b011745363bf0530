package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/os-autoinst/openqa-worker-go/internal/engine"
	"github.com/os-autoinst/openqa-worker-go/internal/job"
	weblog "github.com/os-autoinst/openqa-worker-go/internal/log"
	"github.com/os-autoinst/openqa-worker-go/internal/worker"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string
	configPath     string
	cfg            worker.Config

	flagConfigFilePath string
	flagVerbose        bool
	flagJobURL         string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "openqa-worker-go")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is worker.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().StringVar(&flagJobURL, "job-url", "", "job URL to accept and run (e.g. http://openqa.example.com/jobs/42)")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initWorker

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "openqa-worker-go",
	Short:        "Accepts and runs test jobs against a web UI",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "accept one job and drive it through the lifecycle engine",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print worker version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("worker: version info not available")
			return
		}
		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("worker: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("worker",
		slog.Int("instance", cfg.InstanceNumber),
		slog.Int("pid", os.Getpid()),
	)
	ctx = weblog.ContextAttrs(ctx, attrs)

	if flagJobURL == "" {
		return fmt.Errorf("--job-url is required")
	}

	wc, err := worker.New(cfg, engine.LaunchConfig{})
	if err != nil {
		return fmt.Errorf("initializing worker context: %w", err)
	}
	defer func() { _ = wc.Close() }()

	j, err := wc.AcceptJob(ctx, nil, job.Info{URL: flagJobURL})
	if err != nil {
		return fmt.Errorf("accepting job: %w", err)
	}

	j.On(job.EventStatusChanged, func(data any) {
		slog.InfoContext(ctx, "job status changed", "status", data)
	})

	if err := j.Accept(ctx); err != nil {
		return fmt.Errorf("accepting job handshake: %w", err)
	}

	<-ctx.Done()
	j.Stop("worker shutdown")
	return nil
}

func initWorker(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("OPENQA_WORKER_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "worker.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		cfg = worker.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "worker.yaml")
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() { _ = f.Close() }()
		if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		var err error
		cfg, err = worker.ParseConfig("worker")
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if flagVerbose {
		cfg.Verbose = true
	}

	slog.SetDefault(weblog.New(cfg.Verbose))
	slog.Debug("worker starting", "configPath", configPath, "config", cfg)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}
