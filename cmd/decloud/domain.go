package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/decloudhq/decloud/pkg/client"
)

func init() {
	domainCmd.AddCommand(domainAddCmd)
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainVerifyCmd)
	rootCmd.AddCommand(domainCmd)
}

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage custom domains",
}

var domainAddCmd = &cobra.Command{
	Use:   "add <vm-id> <domain> <target-port>",
	Short: "Attach a custom domain to a VM",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid target port: %s", args[2])
		}
		d, err := client.New(apiAddr, apiToken).AddDomain(args[0], args[1], port)
		if err != nil {
			return err
		}
		fmt.Printf("Domain %s added (%s), status %s\n", d.Domain, d.ID, d.Status)
		fmt.Println("Point an A or CNAME record at the ingress, then run: decloud domain verify", d.ID)
		return nil
	},
}

var domainListCmd = &cobra.Command{
	Use:   "list <vm-id>",
	Short: "List a VM's custom domains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domains, err := client.New(apiAddr, apiToken).ListDomains(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tPORT\tSTATUS")
		for _, d := range domains {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.ID[:8], d.Domain, d.TargetPort, d.Status)
		}
		return w.Flush()
	},
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify <domain-id>",
	Short: "Check DNS and activate a pending domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.New(apiAddr, apiToken).VerifyDomain(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Domain %s is %s\n", d.Domain, d.Status)
		return nil
	},
}
