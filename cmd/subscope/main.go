package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subscope/subscope/node"
	"github.com/subscope/subscope/utils"
)

const (
	configFlag  = "config"
	envPrefix   = "SUBSCOPE"
	greeting    = "subscope - Substrate chain explorer service"
	defaultsMsg = "Flags may also be set through %s_* environment variables or a yaml config file."
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := new(node.Config)
	cmd := newCmd(cfg, func(cmd *cobra.Command, _ []string) error {
		log, err := utils.NewZapLogger(cfg.LogLevel, cfg.Colour)
		if err != nil {
			return err
		}
		n, err := node.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		return n.Run(cmd.Context())
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCmd(cfg *node.Config, run func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscope [flags]",
		Short: greeting,
		Long:  greeting + "\n\n" + fmt.Sprintf(defaultsMsg, envPrefix),
		RunE:  run,
	}

	var configFile string
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		if configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
		}
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		v.AutomaticEnv()
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		return v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		)))
	}

	defaultLogLevel := utils.INFO
	cmd.Flags().StringVar(&configFile, configFlag, "", "Path to a yaml config file")
	cmd.Flags().Var(&defaultLogLevel, "log-level", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("colour", true, "Colourize logs")
	cmd.Flags().String("rpc-endpoint", "", "WebSocket RPC endpoint of the chain node (ws:// or wss://)")
	cmd.Flags().String("database-url", node.DefaultDatabaseURL, "Path of the projection database")
	cmd.Flags().String("http-host", node.DefaultHTTPHost, "HTTP listen host")
	cmd.Flags().Uint16("http-port", node.DefaultHTTPPort, "HTTP listen port")
	cmd.Flags().Int("max-blocks-to-scan", node.DefaultMaxBlocksToScan, "Upper bound on blocksToScan per query")
	cmd.Flags().Int("default-batch-size", node.DefaultBatchSize, "Default scan batch size")
	cmd.Flags().Int("connection-timeout", node.DefaultConnectionTimeout, "Node dial timeout in milliseconds")
	cmd.Flags().Int("search-timeout", node.DefaultSearchTimeout, "Upper search deadline in milliseconds")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS allowed origins")
	return cmd
}
