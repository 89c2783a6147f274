package main

import (
	"strings"
	"sync"

	"titleforge/shared/config"
	"titleforge/shared/logging"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
	log        *logging.Logger
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, logLevelFlag: logLevelFlag}
}

// ensureConfig loads configuration once and installs a logger tagged with a
// fresh run id.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if lvl := strings.TrimSpace(*c.logLevelFlag); lvl != "" {
			cfg.Logging.Level = lvl
		}

		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Logging.Level
		logCfg.Format = cfg.Logging.Format
		c.log = logging.New(logCfg).WithField("run_id", uuid.NewString())
		logging.SetDefault(c.log)
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logging.Logger {
	return logging.OrDefault(c.log)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevelFlag string

	ctx := newCommandContext(&configFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "titleforge",
		Short:         "Curate YouTube title data, fine-tune a title model, and generate titles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default config.yaml or $CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newFilterCategoryCommand(ctx))
	rootCmd.AddCommand(newFilterQualityCommand(ctx))
	rootCmd.AddCommand(newFetchTranscriptsCommand(ctx))
	rootCmd.AddCommand(newTrainCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newChannelTitlesCommand(ctx))
	rootCmd.AddCommand(newCategoriesCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))

	return rootCmd
}
