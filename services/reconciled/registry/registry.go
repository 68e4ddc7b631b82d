package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// maxTokenDecimals bounds decimals so display conversion stays within 256-bit amounts.
const maxTokenDecimals = 36

// Token describes an ERC-20 (or wrapped native) asset accepted by the escrow.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// NetworkConfig is the immutable per-network configuration loaded at start-up.
type NetworkConfig struct {
	ID               string
	ChainID          uint64
	RPCEndpoints     []string
	EscrowAddress    common.Address
	Tokens           map[string]Token
	MinConfirmations uint64
	StartBlock       uint64

	byAddress map[common.Address]Token
}

// Confirmations returns the effective confirmation threshold (at least one block).
func (c NetworkConfig) Confirmations() uint64 {
	if c.MinConfirmations == 0 {
		return 1
	}
	return c.MinConfirmations
}

// TokenByAddress resolves a token from its contract address.
func (c NetworkConfig) TokenByAddress(addr common.Address) (Token, bool) {
	tok, ok := c.byAddress[addr]
	return tok, ok
}

// NotFoundError is returned when a network identifier is not configured.
type NotFoundError struct {
	Network string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: network %q not configured", e.Network)
}

// ErrInvalidNetwork wraps every validation failure reported by New.
var ErrInvalidNetwork = errors.New("registry: invalid network configuration")

// Registry maps network identifiers to their configuration. It is read-only
// after construction and safe for concurrent use without locking.
type Registry struct {
	networks map[string]NetworkConfig
	ids      []string
}

// New validates the supplied networks and builds a registry. Any missing RPC
// endpoint or escrow address is reported so the process refuses to start.
func New(configs []NetworkConfig) (*Registry, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: no networks configured", ErrInvalidNetwork)
	}
	reg := &Registry{networks: make(map[string]NetworkConfig, len(configs))}
	chainIDs := make(map[uint64]string, len(configs))
	for _, cfg := range configs {
		cfg.ID = strings.ToLower(strings.TrimSpace(cfg.ID))
		if cfg.ID == "" {
			return nil, fmt.Errorf("%w: network id required", ErrInvalidNetwork)
		}
		if _, dup := reg.networks[cfg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate network %q", ErrInvalidNetwork, cfg.ID)
		}
		if cfg.ChainID == 0 {
			return nil, fmt.Errorf("%w: %s: chain id required", ErrInvalidNetwork, cfg.ID)
		}
		if other, dup := chainIDs[cfg.ChainID]; dup {
			return nil, fmt.Errorf("%w: %s: chain id %d already used by %s", ErrInvalidNetwork, cfg.ID, cfg.ChainID, other)
		}
		chainIDs[cfg.ChainID] = cfg.ID

		endpoints := make([]string, 0, len(cfg.RPCEndpoints))
		for _, endpoint := range cfg.RPCEndpoints {
			if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
				endpoints = append(endpoints, trimmed)
			}
		}
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("%w: %s: at least one rpc endpoint required", ErrInvalidNetwork, cfg.ID)
		}
		cfg.RPCEndpoints = endpoints

		if (cfg.EscrowAddress == common.Address{}) {
			return nil, fmt.Errorf("%w: %s: escrow contract address required", ErrInvalidNetwork, cfg.ID)
		}

		tokens := make(map[string]Token, len(cfg.Tokens))
		byAddress := make(map[common.Address]Token, len(cfg.Tokens))
		for key, tok := range cfg.Tokens {
			symbol := strings.ToUpper(strings.TrimSpace(tok.Symbol))
			if symbol == "" {
				symbol = strings.ToUpper(strings.TrimSpace(key))
			}
			if symbol == "" {
				return nil, fmt.Errorf("%w: %s: token symbol required", ErrInvalidNetwork, cfg.ID)
			}
			if (tok.Address == common.Address{}) {
				return nil, fmt.Errorf("%w: %s: token %s address required", ErrInvalidNetwork, cfg.ID, symbol)
			}
			if tok.Decimals > maxTokenDecimals {
				return nil, fmt.Errorf("%w: %s: token %s decimals %d exceeds %d", ErrInvalidNetwork, cfg.ID, symbol, tok.Decimals, maxTokenDecimals)
			}
			if _, dup := byAddress[tok.Address]; dup {
				return nil, fmt.Errorf("%w: %s: token address %s listed twice", ErrInvalidNetwork, cfg.ID, tok.Address.Hex())
			}
			tok.Symbol = symbol
			tokens[symbol] = tok
			byAddress[tok.Address] = tok
		}
		cfg.Tokens = tokens
		cfg.byAddress = byAddress

		reg.networks[cfg.ID] = cfg
		reg.ids = append(reg.ids, cfg.ID)
	}
	sort.Strings(reg.ids)
	return reg, nil
}

// Resolve returns the configuration for the supplied network.
func (r *Registry) Resolve(network string) (NetworkConfig, error) {
	id := strings.ToLower(strings.TrimSpace(network))
	if r != nil {
		if cfg, ok := r.networks[id]; ok {
			return cfg, nil
		}
	}
	return NetworkConfig{}, &NotFoundError{Network: network}
}

// IDs lists the configured networks in lexical order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Networks returns every configuration in IDs order.
func (r *Registry) Networks() []NetworkConfig {
	ids := r.IDs()
	out := make([]NetworkConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.networks[id])
	}
	return out
}
