package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/futzu/x9kgo/internal/segmenter"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(segmenter.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
