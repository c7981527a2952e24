package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkiengine/backend"
)

var caFlags struct {
	info    string
	ttl     time.Duration
	certOut string
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the hub issuer CA",
}

var caCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the hub issuer CA from a CA initial-info JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readRequired("info", caFlags.info)
		if err != nil {
			return err
		}
		info, err := backend.ParseCAInitialInfo([]byte(data))
		if err != nil {
			return err
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		ca, err := r.hub.CreateCA(cmd.Context(), info, caFlags.ttl)
		if err != nil {
			return err
		}
		if caFlags.certOut != "" {
			if err := os.WriteFile(caFlags.certOut, []byte(ca.Certificate), 0o644); err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), ca)
	},
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the hub issuer CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		ca, err := r.hub.GetCA(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ca)
	},
}

func init() {
	caCreateCmd.Flags().StringVar(&caFlags.info, "info", "", "CA initial-info JSON file")
	caCreateCmd.Flags().DurationVar(&caFlags.ttl, "ttl", 0, "CA lifetime; zero uses the info's default expiry")
	caCreateCmd.Flags().StringVar(&caFlags.certOut, "cert-out", "", "also write the CA certificate PEM to this file")
	caCmd.AddCommand(caCreateCmd, caShowCmd)
	rootCmd.AddCommand(caCmd)
}
