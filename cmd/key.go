package cmd

import (
	"fmt"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var (
	keyMinVersion    uint64
	keyMaxVersion    uint64
	keyPublicAddress string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a new network identity",
	Long:  `Generates a signing key, a DH key and a hash chain, and prints their public parts. Private keys never leave the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := core.NewKeyService(keyMinVersion, keyMaxVersion)
		if err != nil {
			return err
		}
		id := keys.GenerateNetworkID(keyPublicAddress)
		sign, err := keys.GetSigningKey(id)
		if err != nil {
			return err
		}
		dh, err := keys.GetDhKey(id)
		if err != nil {
			return err
		}
		anchor, err := keys.ChainAnchor(id)
		if err != nil {
			return err
		}
		sphinx, err := keys.SphinxAddress(id)
		if err != nil {
			return err
		}
		version, err := keys.GetVersion(id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Address=%s\n", state.OverlayAddress{Id: id})
		fmt.Fprintf(out, "SigningKey=%s\n", sign)
		fmt.Fprintf(out, "DhKey=%s\n", dh)
		fmt.Fprintf(out, "ChainAnchor=%s\n", anchor)
		fmt.Fprintf(out, "Versions=[%d, %d]\n", keyMinVersion, keyMaxVersion)
		fmt.Fprintf(out, "ChainValue=%s (version %d)\n", version.ChainValue, version.Version)
		fmt.Fprintf(out, "Sphinx=%s\n", sphinx)
		return nil
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd)

	keyCmd.Flags().Uint64Var(&keyMinVersion, "min-version", state.DefaultMinVersion, "first version of the hash chain")
	keyCmd.Flags().Uint64Var(&keyMaxVersion, "max-version", state.DefaultMaxVersion, "last version of the hash chain")
	keyCmd.Flags().StringVarP(&keyPublicAddress, "public-address", "p", "", "address advertised with the identity")
}
