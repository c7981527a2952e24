package cmd

import (
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the normalised form of a CSR or certificate",
}

var inspectCSRCmd = &cobra.Command{
	Use:   "csr FILE",
	Short: "Print the normalised subject and SANs of a CSR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openInspector()
		if err != nil {
			return err
		}
		data, err := readRequired("file", args[0])
		if err != nil {
			return err
		}
		info, err := r.toolkit.CSRInfo(cmd.Context(), data)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var inspectCertCmd = &cobra.Command{
	Use:   "cert FILE",
	Short: "Print the normalised subject, issuer, validity and SANs of a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openInspector()
		if err != nil {
			return err
		}
		data, err := readRequired("file", args[0])
		if err != nil {
			return err
		}
		info, err := r.toolkit.CertInfo(cmd.Context(), data)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

func init() {
	inspectCmd.AddCommand(inspectCSRCmd, inspectCertCmd)
	rootCmd.AddCommand(inspectCmd)
}
