package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "courier",
		Short: "courier — private messaging over a relay",
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "relay base URL")

	root.AddCommand(
		registerCmd(),
		loginCmd(),
		sendCmd(),
		historyCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
