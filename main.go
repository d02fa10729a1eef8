// Package main provides the entry point for the soundbank CLI: fetch
// Freesound samples into the two-tier cache, inspect cache statistics,
// prune stale entries, and run optimization passes.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/soundbank/internal/config"
	"github.com/dgnsrekt/soundbank/internal/freesound"
	"github.com/dgnsrekt/soundbank/internal/samples"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool
	pruneDays  int
	optimize   bool
	showStats  bool
	showFailed bool

	rootCmd = &cobra.Command{
		Use:   "soundbank [SAMPLE_ID...]",
		Short: "Fetch and cache Freesound samples",
		Long: "Soundbank downloads Freesound previews into a two-tier cache\n" +
			"with throttled, retrying downloads and strategy-driven eviction.",
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE:         execute,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().IntVar(&pruneDays, "prune", 0, "prune cached samples older than this many days")
	rootCmd.Flags().BoolVar(&optimize, "optimize", false, "run a cache optimization pass")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "print cache statistics")
	rootCmd.Flags().BoolVar(&showFailed, "failed", false, "list permanently failed downloads")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func tryLoadConfigFromDefaultPlaces() {
	var dirs []string
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append(dirs, filepath.Join(c, "soundbank"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "soundbank"))
	}
	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("soundbank")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("soundbank")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}
	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
	}
}

// loadConfig layers the sources: env defaults, then the config file, then
// explicit environment variables.
func loadConfig() (config.Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("unable to read config: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	if v := viper.GetString("api_key"); v != "" && os.Getenv("SOUNDBANK_API_KEY") == "" {
		cfg.APIKey = v
	}
	if v := viper.GetString("cache_dir"); v != "" && os.Getenv("SOUNDBANK_CACHE_DIR") == "" {
		cfg.CacheDir = v
	}
	if v := viper.GetString("cache_strategy"); v != "" && os.Getenv("SOUNDBANK_CACHE_STRATEGY") == "" {
		cfg.CacheStrategy = v
	}
	return cfg, nil
}

func execute(_ *cobra.Command, args []string) error {
	if debug || viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := freesound.NewHTTPClient(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("freesound client unavailable: %w (set SOUNDBANK_API_KEY)", err)
	}

	manager, err := samples.New(cfg, client, emptyResolver{})
	if err != nil {
		return err
	}
	defer manager.Close() //nolint:errcheck

	if pruneDays > 0 {
		pruned, err := manager.PruneOlderThan(time.Duration(pruneDays) * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
		fmt.Printf("pruned %d stale samples\n", pruned)
	}

	if optimize {
		result := manager.OptimizeCache()
		fmt.Printf("evicted %d samples, freed %s\n",
			result.ItemsEvicted, humanize.Bytes(uint64(result.SpaceFreedBytes)))
	}

	ctx := context.Background()
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sample id %q", arg)
		}
		entry, err := manager.GetSample(ctx, id)
		if err != nil {
			log.Error("fetch failed", "id", id, "error", err)
			continue
		}
		fmt.Printf("%d  %s  %.1fs  %s  (%s)\n",
			entry.ID, entry.Meta.Name, entry.Meta.Duration,
			humanize.Bytes(uint64(entry.Audio.SizeBytes())), entry.Meta.License)
	}

	if showFailed {
		for _, task := range manager.FailedDownloads() {
			fmt.Printf("failed: %d after %d attempts: %v\n", task.ID, task.Attempt+1, task.LastError)
		}
	}

	if showStats || len(args) > 0 {
		stats := manager.Stats()
		fmt.Printf("cache: %d in memory (%s), %d on disk (%s), hit rate %.0f%%, %d evictions\n",
			stats.MemoryCount, humanize.Bytes(uint64(stats.MemoryBytes)),
			stats.DiskCount, humanize.Bytes(uint64(stats.DiskBytes)),
			stats.HitRate*100, stats.Evictions)
	}
	for _, rec := range manager.Recommendations() {
		fmt.Println("note:", rec)
	}
	return nil
}

// emptyResolver backs the CLI, which carries no instrument-library mapping;
// category preloading belongs to the host application.
type emptyResolver struct{}

func (emptyResolver) SampleIDs(string) []int64 { return nil }
