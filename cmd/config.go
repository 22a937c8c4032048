package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"snapvault/internal/backup"
	"snapvault/internal/config"
)

const redacted = "***"

var (
	configInitPath  string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented starter configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		if err := config.WriteDefault(configInitPath, configInitForce); err != nil {
			return err
		}
		p.Success(fmt.Sprintf("Configuration written to %s", configInitPath))
		p.Info("Set encryption.key_source and storage before the first backup")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Long: `Print the configuration after defaults, the config file and SNAPVAULT_*
environment variables are merged. Credentials are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redactConfig(cfg)
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables that override configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		vars := config.ListEnvironmentVariables()
		return p.Result(vars, func() {
			for _, v := range vars {
				fmt.Fprintln(p.Writer(), v)
			}
		})
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", config.DefaultConfigName+".yaml", "where to write the configuration")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file, keeping a .bak copy")

	configCmd.AddCommand(configInitCmd, configShowCmd, configEnvCmd)
	rootCmd.AddCommand(configCmd)
}

func redactConfig(cfg *backup.SystemConfig) {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Encryption.KeyHex)
	for i := range cfg.Encryption.PreviousKeys {
		mask(&cfg.Encryption.PreviousKeys[i].KeyHex)
	}
	mask(&cfg.Mirror.ClientSecret)
	if s3 := cfg.Storage.S3; s3 != nil {
		mask(&s3.SecretKey)
	}
	if az := cfg.Storage.Azure; az != nil {
		mask(&az.AccountKey)
	}
}
