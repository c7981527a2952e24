package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkiengine/validation"
)

var validateFlags struct {
	set       string
	cert      string
	root      string
	chain     string
	csr       string
	key       string
	dfspRoot  string
	dfspChain string
	strict    bool
}

// errInvalid makes the process exit non-zero under --strict.
var errInvalid = errors.New("validation state is INVALID")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run a named rule set over PEM files and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openInspector()
		if err != nil {
			return err
		}
		set, ok := validation.SetByName(validateFlags.set, r.cfg.ValidationPolicy())
		if !ok {
			return fmt.Errorf("unknown rule set %q, want one of %s", validateFlags.set, strings.Join(validation.SetNames(), ", "))
		}
		a, err := validateArtifacts()
		if err != nil {
			return err
		}
		report, err := r.engine.RunSet(cmd.Context(), set, a)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if validateFlags.strict && report.ValidationState == validation.StateInvalid {
			return fmt.Errorf("%w: %v", errInvalid, report.Failed())
		}
		return nil
	},
}

func validateArtifacts() (validation.Artifacts, error) {
	var a validation.Artifacts
	for _, f := range []struct {
		dst  *string
		path string
	}{
		{&a.Certificate, validateFlags.cert},
		{&a.RootCertificate, validateFlags.root},
		{&a.IntermediateChain, validateFlags.chain},
		{&a.CSR, validateFlags.csr},
		{&a.PrivateKey, validateFlags.key},
	} {
		v, err := readOptional(f.path)
		if err != nil {
			return a, err
		}
		*f.dst = v
	}
	root, err := readOptional(validateFlags.dfspRoot)
	if err != nil {
		return a, err
	}
	chain, err := readOptional(validateFlags.dfspChain)
	if err != nil {
		return a, err
	}
	if root != "" || chain != "" {
		a.DFSPCA = &validation.DFSPCA{RootCertificate: root, IntermediateChain: chain, ValidationState: validation.StateValid}
	}
	return a, nil
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateFlags.set, "set", validation.SetServerCert, "rule set: "+strings.Join(validation.SetNames(), ", "))
	f.StringVar(&validateFlags.cert, "cert", "", "certificate PEM file")
	f.StringVar(&validateFlags.root, "root", "", "root certificate PEM file")
	f.StringVar(&validateFlags.chain, "chain", "", "intermediate chain PEM file")
	f.StringVar(&validateFlags.csr, "csr", "", "CSR PEM file")
	f.StringVar(&validateFlags.key, "key", "", "private key PEM file")
	f.StringVar(&validateFlags.dfspRoot, "dfsp-root", "", "DFSP CA root PEM file, for "+string(validation.CertificateSignedByDFSPCA))
	f.StringVar(&validateFlags.dfspChain, "dfsp-chain", "", "DFSP CA intermediate chain PEM file")
	f.BoolVar(&validateFlags.strict, "strict", false, "exit non-zero when the report is INVALID")
	rootCmd.AddCommand(validateCmd)
}
