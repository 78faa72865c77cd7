package cmd

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	origin         string
	listenAddr     string
	cacheName      string
	precacheURLs   []string
	offlineMessage string
	storeBackend   string
	storePath      string
	userAgent      string
	timeout        time.Duration
	logLevel       string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "offline-agent",
	Short: "A local offline cache in front of the car inspection web app.",
	Long: `offline-agent sits between the browser and the car inspection web app.

On start it precaches the application shell. Pages loaded through the agent
are then answered cache-first: stored responses are returned without touching
the network, misses are fetched and same-origin successes stored, and when the
network is gone an offline notice is returned instead of an error.

Caches are named by generation. Starting a new generation drops the caches of
every other generation once the new shell is fully stored.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file path (e.g., /home/myuser/offline-agent.json)")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", "", "origin of the web app, e.g. https://inspect.example.com")
	rootCmd.PersistentFlags().StringVar(&cacheName, "cache-name", "", "cache generation label (default "+config.DefaultCacheName+")")
	rootCmd.PersistentFlags().StringArrayVar(&precacheURLs, "precache-url", []string{}, "path stored at install time (can be repeated, replaces the default list)")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", "", "user agent for requests that carry none")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "timeout for network requests")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from OFFLINE_AGENT_LOG or info)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on (default :8787)")
	serveCmd.Flags().StringVar(&offlineMessage, "offline-message", "", "body of the offline notice")
	serveCmd.Flags().StringVar(&storeBackend, "store", "", "cache store: memory or sqlite (default memory)")
	serveCmd.Flags().StringVar(&storePath, "store-path", "", "sqlite database file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

// InitConfigWithError layers the configuration: defaults, then the config
// file, then OFFLINE_AGENT_* environment variables, then flags.
func InitConfigWithError() (config.Config, error) {
	configBuilder := config.WithDefault(url.URL{})
	if cfgFile != "" {
		fileBuilder, err := config.WithConfigFile(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("error initializing config from file: %w", err)
		}
		configBuilder = fileBuilder
	}

	configBuilder, err := configBuilder.WithEnv()
	if err != nil {
		return config.Config{}, err
	}

	// Override with CLI flag values where provided
	if origin != "" {
		parsed, err := config.ParseOrigin(origin)
		if err != nil {
			return config.Config{}, err
		}
		configBuilder = configBuilder.WithOrigin(parsed)
	}

	if listenAddr != "" {
		configBuilder = configBuilder.WithListenAddr(listenAddr)
	}

	if cacheName != "" {
		configBuilder = configBuilder.WithCacheName(cacheName)
	}

	if len(precacheURLs) > 0 {
		configBuilder = configBuilder.WithPrecacheURLs(precacheURLs)
	}

	if offlineMessage != "" {
		configBuilder = configBuilder.WithOfflineMessage(offlineMessage)
	}

	if storeBackend != "" {
		configBuilder = configBuilder.WithStoreBackend(config.StoreBackend(storeBackend))
	}

	if storePath != "" {
		configBuilder = configBuilder.WithStorePath(storePath)
	}

	if userAgent != "" {
		configBuilder = configBuilder.WithUserAgent(userAgent)
	}

	if timeout > 0 {
		configBuilder = configBuilder.WithTimeout(timeout)
	}

	if logLevel != "" {
		configBuilder = configBuilder.WithLogLevel(logLevel)
	}

	return configBuilder.Build()
}

func ResetFlags() {
	cfgFile = ""
	origin = ""
	listenAddr = ""
	cacheName = ""
	precacheURLs = []string{}
	offlineMessage = ""
	storeBackend = ""
	storePath = ""
	userAgent = ""
	timeout = 0
	logLevel = ""
}

// Test helper functions to set flag values from tests
func SetConfigFileForTest(path string) {
	cfgFile = path
}

func SetOriginForTest(raw string) {
	origin = raw
}

func SetListenAddrForTest(addr string) {
	listenAddr = addr
}

func SetCacheNameForTest(name string) {
	cacheName = name
}

func SetPrecacheURLsForTest(paths []string) {
	precacheURLs = paths
}

func SetOfflineMessageForTest(message string) {
	offlineMessage = message
}

func SetStoreBackendForTest(backend string) {
	storeBackend = backend
}

func SetStorePathForTest(path string) {
	storePath = path
}

func SetUserAgentForTest(agent string) {
	userAgent = agent
}

func SetTimeoutForTest(t time.Duration) {
	timeout = t
}

func SetLogLevelForTest(level string) {
	logLevel = level
}
