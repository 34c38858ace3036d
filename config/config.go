// Package config loads a node's on-disk YAML configuration into a
// node.Config, the CLI/environment contract of §6 FULL: a config file
// path, a --seed override for the validator key, and an interfaces
// list of bind address/port pairs. Grounded on the teacher's
// config/nodes.go, generalized from a bootnodes-only loader into the
// full node configuration surface.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/node"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// File is the on-disk shape of a node's YAML config file.
type File struct {
	DataDir     string       `yaml:"data_dir"`
	ListenAddrs []string     `yaml:"listen_addrs"`
	Bootnodes   []string     `yaml:"bootnodes"`
	// BootnodesFile, if set, points at a separate nodes.yaml carrying
	// additional bootnode entries (legacy {multiaddr: ...} structs or a
	// plain string list), loaded via LoadBootnodes and appended to
	// Bootnodes — operators that already maintain a standalone
	// bootnode list don't have to fold it into the main config file.
	BootnodesFile string       `yaml:"bootnodes_file,omitempty"`
	Seed          string       `yaml:"seed"`
	Genesis       *GenesisFile `yaml:"genesis,omitempty"`
}

// GenesisFile seeds an empty store's founding validator stake.
type GenesisFile struct {
	FreezeOutputs []GenesisFreezeFile `yaml:"freeze_outputs"`
}

// GenesisFreezeFile is one founding validator's frozen stake, hex
// encoded the way the rest of the config file's binary fields are.
type GenesisFreezeFile struct {
	TxHash  string `yaml:"tx_hash"`
	Amount  uint64 `yaml:"amount"`
	Address string `yaml:"address"`
}

// Load reads path and decodes it into a File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// ToNodeConfig builds a node.Config from f, applying seedOverride (the
// CLI's --seed flag) in place of f.Seed when non-empty.
func (f *File) ToNodeConfig(seedOverride string) (*node.Config, error) {
	seedHex := f.Seed
	if seedOverride != "" {
		seedHex = seedOverride
	}
	if seedHex == "" {
		return nil, fmt.Errorf("config: no signing seed provided (set seed: in config or pass --seed)")
	}
	seedBytes, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("config: decode seed: %w", err)
	}
	signingKey, err := crypto.ScalarFromBytes(seedBytes)
	if err != nil {
		return nil, fmt.Errorf("config: bad signing seed: %w", err)
	}

	bootnodes := append([]string{}, f.Bootnodes...)
	if f.BootnodesFile != "" {
		extra, err := LoadBootnodes(f.BootnodesFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		bootnodes = append(bootnodes, extra...)
	}

	cfg := &node.Config{
		DataDir:     f.DataDir,
		ListenAddrs: f.ListenAddrs,
		Bootnodes:   bootnodes,
		SigningKey:  signingKey,
	}

	if f.Genesis != nil {
		genesis := &node.GenesisConfig{}
		for _, fo := range f.Genesis.FreezeOutputs {
			txHashBytes, err := hex.DecodeString(fo.TxHash)
			if err != nil {
				return nil, fmt.Errorf("config: bad genesis tx_hash: %w", err)
			}
			var txHash wire.Hash
			copy(txHash[:], txHashBytes)

			addrBytes, err := hex.DecodeString(fo.Address)
			if err != nil {
				return nil, fmt.Errorf("config: bad genesis address: %w", err)
			}
			var addr types.PublicKey
			copy(addr[:], addrBytes)

			genesis.FreezeOutputs = append(genesis.FreezeOutputs, node.GenesisFreeze{
				TxHash: txHash,
				Output: types.TxOutput{
					Amount:     fo.Amount,
					Address:    addr,
					OutputType: types.OutputTypeFreeze,
				},
			})
		}
		cfg.Genesis = genesis
	}

	return cfg, nil
}
