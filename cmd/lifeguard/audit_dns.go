package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditDNSCmd = &cobra.Command{
	Use:   "audit-dns",
	Short: "Compare name-service records against pool membership",
	Long: `Audit the alias of every pool and the forward and reverse records of
its members. Findings are only reported unless --fix is given.

Examples:
  # Report drift
  lifeguard audit-dns

  # Correct it
  lifeguard audit-dns --fix`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")

		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		logs, err := a.recon.AuditAll(cmd.Context(), fix)
		for _, l := range logs {
			fmt.Printf("== %s (%d findings)\n", l.Alias, len(l.Findings()))
			fmt.Print(l.String())
		}
		return err
	},
}

func init() {
	auditDNSCmd.Flags().Bool("fix", false, "Correct the findings in place")

	rootCmd.AddCommand(auditDNSCmd)
}
