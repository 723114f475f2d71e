package state

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func ChainBoundsValidator(minVersion, maxVersion uint64) error {
	if maxVersion <= minVersion {
		return fmt.Errorf("max_version (%d) must be greater than min_version (%d)", maxVersion, minVersion)
	}
	if maxVersion-minVersion > MaxChainLength {
		return fmt.Errorf("hash chain length %d exceeds the maximum of %d", maxVersion-minVersion, MaxChainLength)
	}
	return nil
}

func NetworkConfigValidator(cfg *NetworkCfg) error {
	err := NameValidator(cfg.NetworkId)
	if err != nil {
		return err
	}
	if !cfg.BindAddress.IsValid() {
		return fmt.Errorf("bind_address is invalid")
	}
	err = ChainBoundsValidator(cfg.MinVersion, cfg.MaxVersion)
	if err != nil {
		return err
	}
	seen := make([]Address, 0)
	for _, r := range cfg.StaticRoutes {
		if r.Address == nil {
			return fmt.Errorf("static route must not be empty")
		}
		if slices.Contains(seen, r.Address) {
			return fmt.Errorf("duplicate static route: %s", r.Address)
		}
		seen = append(seen, r.Address)
	}
	for _, d := range cfg.DenyListedSources {
		if d.Address == nil {
			return fmt.Errorf("deny listed source must not be empty")
		}
		if slices.Contains(seen, d.Address) {
			return fmt.Errorf("%s is both a static route and deny listed", d.Address)
		}
	}
	for _, p := range cfg.DenyListedPrefixes {
		if !p.IsValid() {
			return fmt.Errorf("deny listed prefix %s is invalid", p)
		}
	}
	if cfg.KeyStore != "" {
		err = PathValidator(cfg.KeyStore)
		if err != nil {
			return fmt.Errorf("key_store: %w", err)
		}
	}
	if cfg.LogPath != "" {
		err = PathValidator(cfg.LogPath)
		if err != nil {
			return fmt.Errorf("log_path: %w", err)
		}
	}
	return nil
}
