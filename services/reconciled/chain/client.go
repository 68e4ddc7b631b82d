package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"chainsettle/observability/logging"
)

// Client defines the subset of the Ethereum RPC used by the watchers.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// ErrNoEndpoints is returned when a client is built without RPC endpoints.
var ErrNoEndpoints = errors.New("chain: no rpc endpoints configured")

// MultiClient fans a network's RPC calls over several endpoints, sticking to the
// last endpoint that answered and failing over in configuration order. Endpoints
// are dialled lazily so an unreachable provider never blocks start-up.
type MultiClient struct {
	network   string
	endpoints []string
	logger    *slog.Logger

	mu      sync.Mutex
	clients []*ethclient.Client
	active  int
}

// NewMultiClient constructs a failover client for the supplied endpoints.
func NewMultiClient(network string, endpoints []string, logger *slog.Logger) (*MultiClient, error) {
	cleaned := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiClient{
		network:   network,
		endpoints: cleaned,
		logger:    logger,
		clients:   make([]*ethclient.Client, len(cleaned)),
	}, nil
}

// BlockNumber returns the most recent block number.
func (m *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := m.do(ctx, "eth_blockNumber", func(c *ethclient.Client) error {
		n, err := c.BlockNumber(ctx)
		head = n
		return err
	})
	return head, err
}

// FilterLogs executes a log filter query.
func (m *MultiClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	var logs []gethtypes.Log
	err := m.do(ctx, "eth_getLogs", func(c *ethclient.Client) error {
		out, err := c.FilterLogs(ctx, q)
		logs = out
		return err
	})
	return logs, err
}

// HeaderByNumber returns a block header; nil selects the latest block.
func (m *MultiClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	var header *gethtypes.Header
	err := m.do(ctx, "eth_getBlockByNumber", func(c *ethclient.Client) error {
		out, err := c.HeaderByNumber(ctx, number)
		header = out
		return err
	})
	return header, err
}

// Close releases every dialled connection.
func (m *MultiClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.clients {
		if c != nil {
			c.Close()
			m.clients[i] = nil
		}
	}
}

func (m *MultiClient) do(ctx context.Context, method string, call func(*ethclient.Client) error) error {
	m.mu.Lock()
	start := m.active
	m.mu.Unlock()

	var errs []error
	for i := 0; i < len(m.endpoints); i++ {
		idx := (start + i) % len(m.endpoints)
		client, err := m.client(ctx, idx)
		if err == nil {
			err = call(client)
		}
		if err == nil {
			if idx != start {
				m.mu.Lock()
				m.active = idx
				m.mu.Unlock()
				m.logger.Info("rpc endpoint failover",
					slog.String("network", m.network),
					slog.Int("endpoint_index", idx),
				)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("rpc call failed",
			slog.String("network", m.network),
			slog.String("method", method),
			logging.MaskEndpoint("endpoint", m.endpoints[idx]),
			slog.String("error", err.Error()),
		)
		errs = append(errs, err)
	}
	return fmt.Errorf("chain: %s %s: %w", m.network, method, errors.Join(errs...))
}

func (m *MultiClient) client(ctx context.Context, idx int) (*ethclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.clients[idx]; c != nil {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, m.endpoints[idx])
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	m.clients[idx] = c
	return c, nil
}
