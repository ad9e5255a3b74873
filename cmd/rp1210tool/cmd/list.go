package cmd

import (
	"fmt"

	"github.com/roffe/rp1210/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list transports, drivers and devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		infos := transport.List()
		if !all {
			name := viper.GetString(flagTransport)
			tr, err := transport.Get(name)
			if err != nil {
				return err
			}
			return listTransport(tr)
		}
		for _, info := range infos {
			fmt.Println(info.String())
			tr, err := info.New()
			if err != nil {
				fmt.Println("  ", err)
				continue
			}
			if err := listTransport(tr); err != nil {
				fmt.Println("  ", err)
			}
		}
		return nil
	},
}

func listTransport(tr transport.Transport) error {
	drivers, err := tr.ListAvailable()
	if err != nil {
		return err
	}
	for _, drv := range drivers {
		fmt.Printf("  driver %s\n", drv)
		devs, err := tr.ListDevices(drv)
		if err != nil {
			fmt.Printf("    %v\n", err)
			continue
		}
		for _, d := range devs {
			fmt.Printf("    %s\n", d)
		}
	}
	return nil
}

func init() {
	listCmd.Flags().BoolP("all", "A", false, "list every registered transport")
	rootCmd.AddCommand(listCmd)
}
