package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Peer is one statically configured cluster member.
type Peer struct {
	ID   uint32 `json:"id" yaml:"id"`
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

func (p Peer) Address() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Config is the static cluster membership. The canonical file format is a
// JSON array of peer records; a YAML form with the same records under "peers"
// is accepted as well, selected by file extension.
type Config struct {
	Peers []Peer `yaml:"peers"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		// JSON array of {id, ip, port}
		if err := json.Unmarshal(data, &config.Peers); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("peers must contain at least one record")
	}

	uniqueIDs := make(map[uint32]bool)
	for _, peer := range c.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer id must be greater than 0")
		}

		if peer.IP == "" {
			return fmt.Errorf("peer %d: ip is required", peer.ID)
		}

		if peer.Port <= 0 || peer.Port > 65535 {
			return fmt.Errorf("peer %d: invalid port %d", peer.ID, peer.Port)
		}

		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	return nil
}

// Self returns the record for the given node id.
func (c *Config) Self(id uint32) (Peer, error) {
	for _, peer := range c.Peers {
		if peer.ID == id {
			return peer, nil
		}
	}
	return Peer{}, fmt.Errorf("node id %d not found in cluster config", id)
}

func (c *Config) GetPeers() map[uint32]string {
	var res = make(map[uint32]string, len(c.Peers))
	for _, peer := range c.Peers {
		res[peer.ID] = peer.Address()
	}
	return res
}

// GetPeerIDs returns all cluster ids in ascending order. Deterministic order
// matters: the BFT primary for view v is peerIDs[v mod n].
func (c *Config) GetPeerIDs() []uint32 {
	ids := make([]uint32, len(c.Peers))
	for i, peer := range c.Peers {
		ids[i] = peer.ID
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
