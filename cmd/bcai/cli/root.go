// Package cli implements the bcai command tree.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jtrefon/bcai/pkg/config"
	"github.com/jtrefon/bcai/pkg/utils"
)

var (
	flagEnv string
	flagAPI string

	logger = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "bcai",
	Short: "BCAI node – proof-of-useful-work compute network",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return utils.LoadEnv()
	},
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", "", "configuration environment to merge (e.g. devnet)")
	rootCmd.PersistentFlags().StringVar(&flagAPI, "api", "http://127.0.0.1:9401", "node API endpoint for client commands")
	rootCmd.AddCommand(startCmd, statusCmd, accountCmd, jobCmd, submissionCmd, resolveCmd, sendCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagEnv)
	if err != nil {
		return nil, err
	}
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, nil
}
