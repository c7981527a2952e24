package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pkiengine",
	Short: "pkiengine validates and issues certificates for a DFSP hub",
	Long: `A PKI engine that normalises CSRs and certificates, judges them with
named validation rule sets, and drives inbound and outbound certificate
enrollments through a local cfssl/openssl backend or HashiCorp Vault.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error; overrides log_level")
}
