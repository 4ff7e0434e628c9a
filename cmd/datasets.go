package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/dataset"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "Manage payload datasets",
}

var datasetsPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Download the malicious set and extract the legitimate set if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := dataset.NewManager(cfg.Datasets, dataset.WithLogger(log))
		if err := m.Ensure(cmd.Context()); err != nil {
			return err
		}

		cases, err := m.Discover()
		if err != nil {
			return err
		}
		color.Green("✓ %d test cases under %s\n", len(cases), cfg.Datasets.Path)
		return nil
	},
}

var datasetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered test cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		cases, err := dataset.Discover(cfg.Datasets.Path)
		if err != nil {
			return err
		}
		for _, tc := range cases {
			fmt.Printf("%-20s %s\n", tc.Dataset, tc.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(datasetsCmd)
	datasetsCmd.AddCommand(datasetsPrepareCmd)
	datasetsCmd.AddCommand(datasetsListCmd)
}
