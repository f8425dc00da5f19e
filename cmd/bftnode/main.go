package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bftnode",
		Short: "BFT consensus node",
	}

	rootCmd.AddCommand(
		startCmd(),
		keygenCmd(),
		genesisCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
