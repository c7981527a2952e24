package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/enrollment"
)

var enrollFlags struct {
	dfsp    string
	id      int64
	csr     string
	cert    string
	params  string
	keyBits int
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Drive inbound and outbound certificate enrollments",
}

var enrollInboundCmd = &cobra.Command{
	Use:   "inbound",
	Short: "Enrollments of DFSP CSRs signed by the hub",
}

var enrollOutboundCmd = &cobra.Command{
	Use:   "outbound",
	Short: "Enrollments of hub CSRs signed by a DFSP",
}

// enrollRun opens the runtime, runs fn and prints its result.
func enrollRun(fn func(ctx context.Context, svc *enrollment.Service) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if enrollFlags.dfsp == "" {
			return errRequired("dfsp")
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()

		out, err := fn(cmd.Context(), r.enrollments)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func showEnrollment(d enrollment.Direction) func(*cobra.Command, []string) error {
	return enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
		if enrollFlags.id == 0 {
			return svc.List(ctx, d, enrollFlags.dfsp)
		}
		return svc.Get(ctx, d, enrollFlags.dfsp, enrollFlags.id)
	})
}

func newEnrollCmd(use, short string, run func(*cobra.Command, []string) error, flags ...string) *cobra.Command {
	c := &cobra.Command{Use: use, Short: short, RunE: run}
	c.Flags().StringVar(&enrollFlags.dfsp, "dfsp", "", "DFSP id")
	for _, name := range flags {
		switch name {
		case "id":
			c.Flags().Int64Var(&enrollFlags.id, "id", 0, "enrollment id")
		case "csr":
			c.Flags().StringVar(&enrollFlags.csr, "csr", "", "CSR PEM file")
		case "cert":
			c.Flags().StringVar(&enrollFlags.cert, "cert", "", "certificate PEM file")
		case "params":
			c.Flags().StringVar(&enrollFlags.params, "params", "", "CSR-parameters JSON file")
			c.Flags().IntVar(&enrollFlags.keyBits, "key-bits", 0, "key size; zero picks the default")
		}
	}
	return c
}

func init() {
	enrollInboundCmd.AddCommand(
		newEnrollCmd("create", "Capture a CSR uploaded by a DFSP", enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
			csrPEM, err := readRequired("csr", enrollFlags.csr)
			if err != nil {
				return nil, err
			}
			return svc.CreateInbound(ctx, enrollFlags.dfsp, csrPEM)
		}), "csr"),
		newEnrollCmd("sign", "Sign an inbound CSR with the hub CA", enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
			return svc.SignInbound(ctx, enrollFlags.dfsp, enrollFlags.id)
		}), "id"),
		newEnrollCmd("attach", "Attach an externally signed certificate", enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
			certPEM, err := readRequired("cert", enrollFlags.cert)
			if err != nil {
				return nil, err
			}
			return svc.AttachInbound(ctx, enrollFlags.dfsp, enrollFlags.id, certPEM)
		}), "id", "cert"),
		newEnrollCmd("show", "Show one inbound enrollment, or list them without --id", showEnrollment(enrollment.Inbound), "id"),
	)

	enrollOutboundCmd.AddCommand(
		newEnrollCmd("create", "Generate a hub key pair and CSR for a DFSP to sign", enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
			var params backend.CSRParameters
			if err := readJSON("params", enrollFlags.params, &params); err != nil {
				return nil, err
			}
			return svc.CreateOutbound(ctx, enrollFlags.dfsp, params, enrollFlags.keyBits, "")
		}), "params"),
		newEnrollCmd("attach", "Attach the certificate the DFSP issued", enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
			certPEM, err := readRequired("cert", enrollFlags.cert)
			if err != nil {
				return nil, err
			}
			return svc.AttachOutbound(ctx, enrollFlags.dfsp, enrollFlags.id, certPEM)
		}), "id", "cert"),
		newEnrollCmd("validate", "Re-validate against the DFSP's current CA", enrollRun(func(ctx context.Context, svc *enrollment.Service) (any, error) {
			return svc.ValidateOutbound(ctx, enrollFlags.dfsp, enrollFlags.id)
		}), "id"),
		newEnrollCmd("show", "Show one outbound enrollment, or list them without --id", showEnrollment(enrollment.Outbound), "id"),
	)

	enrollCmd.AddCommand(enrollInboundCmd, enrollOutboundCmd)
	rootCmd.AddCommand(enrollCmd)
}
