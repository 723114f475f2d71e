package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath = "weft.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft Mix-Network Control Plane CLI",
	Long: `Weft is the control plane of an overlay mix-network.
It keeps forward-secure node identities, tracks direct links to neighbours and gossips a table of routes used to build onion paths.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize Weft",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "weft",
		Title: "Weft Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "network config")
}
