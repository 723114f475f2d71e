package cmd

import (
	"errors"
	"fmt"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var (
	verifyAnchor     string
	verifyValue      string
	verifyVersion    uint64
	verifyMinVersion uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify <overlay-address>",
	Short: "Verifies a versioned identity against its chain anchor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := state.ParseAddress(args[0])
		if err != nil {
			return err
		}
		overlay, ok := addr.(state.OverlayAddress)
		if !ok {
			return fmt.Errorf("expected an overlay address, got %s", addr.Kind())
		}
		var anchor, value state.SecureHash
		if err := anchor.UnmarshalText([]byte(verifyAnchor)); err != nil {
			return fmt.Errorf("anchor: %w", err)
		}
		if err := value.UnmarshalText([]byte(verifyValue)); err != nil {
			return fmt.Errorf("value: %w", err)
		}
		vi := state.VersionedIdentity{Version: verifyVersion, ChainValue: value}
		if !core.VerifyChainValue(overlay.Id, anchor, verifyMinVersion, vi) {
			return errors.New("chain value does not match the anchor")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid at version %d\n", overlay, verifyVersion)
		return nil
	},
	GroupID: "weft",
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVarP(&verifyAnchor, "anchor", "a", "", "chain anchor")
	verifyCmd.Flags().StringVar(&verifyValue, "value", "", "chain value")
	verifyCmd.Flags().Uint64VarP(&verifyVersion, "version", "v", 0, "version of the chain value")
	verifyCmd.Flags().Uint64Var(&verifyMinVersion, "min-version", state.DefaultMinVersion, "first version of the hash chain")
	_ = verifyCmd.MarkFlagRequired("anchor")
	_ = verifyCmd.MarkFlagRequired("value")
}
