package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkiengine/backend"
)

var csrFlags struct {
	params    string
	keyBits   int
	algorithm string
	keyOut    string
}

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Generate key pairs and CSRs",
}

var csrCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a key pair and CSR from a CSR-parameters JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		var params backend.CSRParameters
		if err := readJSON("params", csrFlags.params, &params); err != nil {
			return err
		}
		if csrFlags.keyOut == "" {
			return errRequired("key-out")
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		pair, err := r.backend.CreateCSR(cmd.Context(), params, csrFlags.keyBits, csrFlags.algorithm)
		if err != nil {
			return err
		}
		if err := os.WriteFile(csrFlags.keyOut, []byte(pair.Key), 0o600); err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), pair.CSR)
		return err
	},
}

var signFlags struct {
	csr string
	ttl time.Duration
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a CSR with the backend CA and print the certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		csrPEM, err := readRequired("csr", signFlags.csr)
		if err != nil {
			return err
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		cert, err := r.backend.Sign(cmd.Context(), csrPEM, signFlags.ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), cert)
		return err
	},
}

func init() {
	f := csrCreateCmd.Flags()
	f.StringVar(&csrFlags.params, "params", "", "CSR-parameters JSON file ({subject, extensions.subjectAltName})")
	f.IntVar(&csrFlags.keyBits, "key-bits", 0, "key size; zero picks the algorithm default")
	f.StringVar(&csrFlags.algorithm, "algorithm", "", "rsa or ecdsa; empty means rsa")
	f.StringVar(&csrFlags.keyOut, "key-out", "", "file the private key is written to")
	csrCmd.AddCommand(csrCreateCmd)

	signCmd.Flags().StringVar(&signFlags.csr, "csr", "", "CSR PEM file")
	signCmd.Flags().DurationVar(&signFlags.ttl, "ttl", 0, "certificate lifetime; zero uses the CA default")

	rootCmd.AddCommand(csrCmd, signCmd)
}
