package cmd

import "github.com/spf13/cobra"

var dfspFlags struct {
	dfsp  string
	root  string
	chain string
}

var dfspCmd = &cobra.Command{
	Use:   "dfsp",
	Short: "Manage certificates registered by DFSPs",
}

var dfspCACmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage a DFSP's CA",
}

var dfspCASetCmd = &cobra.Command{
	Use:   "set",
	Short: "Upload a DFSP's root certificate and intermediate chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dfspFlags.dfsp == "" {
			return errRequired("dfsp")
		}
		root, err := readOptional(dfspFlags.root)
		if err != nil {
			return err
		}
		chain, err := readOptional(dfspFlags.chain)
		if err != nil {
			return err
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		ca, err := r.dfsps.SetCA(cmd.Context(), dfspFlags.dfsp, root, chain)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ca)
	},
}

var dfspCAShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a DFSP's stored CA and its validation report",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dfspFlags.dfsp == "" {
			return errRequired("dfsp")
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		ca, err := r.dfsps.GetCA(cmd.Context(), dfspFlags.dfsp)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ca)
	},
}

func init() {
	for _, c := range []*cobra.Command{dfspCASetCmd, dfspCAShowCmd} {
		c.Flags().StringVar(&dfspFlags.dfsp, "dfsp", "", "DFSP id")
	}
	dfspCASetCmd.Flags().StringVar(&dfspFlags.root, "root", "", "root certificate PEM file")
	dfspCASetCmd.Flags().StringVar(&dfspFlags.chain, "chain", "", "intermediate chain PEM file")
	dfspCACmd.AddCommand(dfspCASetCmd, dfspCAShowCmd)
	dfspCmd.AddCommand(dfspCACmd)
	rootCmd.AddCommand(dfspCmd)
}
