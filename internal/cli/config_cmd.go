package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-knowledge/config"
	"github.com/becomeliminal/nim-knowledge/internal/app"
)

const redacted = "<redacted>"

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults and environment expansion. Secrets are redacted.",
		RunE:  runConfig,
	}
	cmd.Flags().Bool("validate", false, "Only validate the configuration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nimk %s\n", app.Version)
		},
	}

	RootCmd.AddCommand(cmd, version)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	validateOnly, _ := cmd.Flags().GetBool("validate")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if validateOnly {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return err
	}

	out, err := config.Marshal(redact(*cfg))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func redact(cfg config.Config) *config.Config {
	for _, s := range []*string{
		&cfg.Remote.APIKey,
		&cfg.Storage.EncryptionKey,
		&cfg.Storage.S3.SecretAccessKey,
		&cfg.Cache.RedisURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	if len(cfg.Telemetry.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Telemetry.Tracing.Headers))
		for k := range cfg.Telemetry.Tracing.Headers {
			headers[k] = redacted
		}
		cfg.Telemetry.Tracing.Headers = headers
	}
	return &cfg
}
