package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/decloudhq/decloud/pkg/client"
)

var (
	apiAddr  string
	apiToken string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7420", "orchestrator API address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("DECLOUD_TOKEN"), "access token or dc_ API key")

	vmCreateCmd.Flags().Int("vcpus", 1, "virtual CPU count")
	vmCreateCmd.Flags().Int64("memory-mb", 1024, "memory in MiB")
	vmCreateCmd.Flags().Int64("disk-gb", 10, "disk in GiB")
	vmCreateCmd.Flags().String("tier", "balanced", "quality tier")
	vmCreateCmd.Flags().String("template", "", "template id")
	vmCreateCmd.Flags().Int("port", 0, "default ingress port")

	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmStartCmd)
	vmCmd.AddCommand(vmStopCmd)
	vmCmd.AddCommand(vmDeleteCmd)
	rootCmd.AddCommand(vmCmd)
}

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
}

var vmCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a VM and submit it for scheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vcpus, _ := cmd.Flags().GetInt("vcpus")
		memoryMb, _ := cmd.Flags().GetInt64("memory-mb")
		diskGb, _ := cmd.Flags().GetInt64("disk-gb")
		tier, _ := cmd.Flags().GetString("tier")
		template, _ := cmd.Flags().GetString("template")
		port, _ := cmd.Flags().GetInt("port")

		vm, err := client.New(apiAddr, apiToken).CreateVm(&client.CreateVmRequest{
			Name:        args[0],
			VCpus:       vcpus,
			MemoryBytes: memoryMb << 20,
			DiskBytes:   diskGb << 30,
			Tier:        tier,
			TemplateID:  template,
			DefaultPort: port,
		})
		if err != nil {
			return err
		}
		fmt.Printf("VM %s created (%s)\n", vm.Name, vm.ID)
		return nil
	},
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		vms, err := client.New(apiAddr, apiToken).ListVms()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVCPUS\tMEMORY\tTIER\tRATE/H")
		for _, vm := range vms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dMiB\t%s\t$%.4f\n",
				vm.ID[:8], vm.Name, vm.Status, vm.VCpus, vm.MemoryBytes>>20, vm.Tier, vm.HourlyRate)
		}
		return w.Flush()
	},
}

var vmStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.New(apiAddr, apiToken).StartVm(args[0])
	},
}

var vmStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.New(apiAddr, apiToken).StopVm(args[0])
	},
}

var vmDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.New(apiAddr, apiToken).DeleteVm(args[0])
	},
}
