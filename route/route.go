// Package route queries the external routing service for cross-chain deposit
// routes. The consumption contract is deliberately narrow: request routes for
// a transfer, pick one, and hand its first-step transaction request to the
// host wallet for signing and broadcast.
package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"

	"github.com/payflow/payflow-go/logger"
)

// DefaultBaseURL is the public routing service endpoint.
const DefaultBaseURL = "https://li.quest/v1"

// Integrator identifies this client to the routing service.
const Integrator = "payflow"

// ErrNoRoutes indicates the service found no route for the transfer.
var ErrNoRoutes = errors.New("no routes found")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// QuoteRequest describes the transfer to find routes for.
type QuoteRequest struct {
	FromChainID int64  `json:"fromChainId" validate:"required"`
	FromToken   string `json:"fromTokenAddress" validate:"required"`
	FromAmount  string `json:"fromAmount" validate:"required,number"`
	FromAddress string `json:"fromAddress" validate:"required"`
	ToChainID   int64  `json:"toChainId" validate:"required"`
	ToToken     string `json:"toTokenAddress" validate:"required"`
	ToAddress   string `json:"toAddress,omitempty"`
}

type quoteOptions struct {
	Slippage   float64 `json:"slippage"`
	Order      string  `json:"order"`
	Integrator string  `json:"integrator"`
}

// TxRequest is the unsigned transaction executing one route step.
type TxRequest struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

// ValueWei returns the native value the transaction must carry.
func (t TxRequest) ValueWei() *big.Int {
	if t.Value == nil {
		return big.NewInt(0)
	}
	return (*big.Int)(t.Value)
}

type Token struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type Step struct {
	Tool        string `json:"tool"`
	ToolDetails struct {
		Name string `json:"name"`
	} `json:"toolDetails"`
	Action struct {
		FromToken Token `json:"fromToken"`
		ToToken   Token `json:"toToken"`
	} `json:"action"`
	Estimate struct {
		ExecutionDuration int64 `json:"executionDuration"`
	} `json:"estimate"`
	TransactionRequest *TxRequest `json:"transactionRequest,omitempty"`
}

// Route is one quoted path from the source chain/token to the destination.
type Route struct {
	ID         string `json:"id"`
	FromAmount string `json:"fromAmount"`
	ToAmount   string `json:"toAmount"`
	GasCostUSD string `json:"gasCostUSD"`
	Steps      []Step `json:"steps"`
}

// FirstTxRequest extracts the unsigned transaction for the route's first
// step.
func (r Route) FirstTxRequest() (TxRequest, error) {
	if len(r.Steps) == 0 || r.Steps[0].TransactionRequest == nil {
		return TxRequest{}, fmt.Errorf("route %s carries no transaction request", r.ID)
	}
	return *r.Steps[0].TransactionRequest, nil
}

// Info is a display summary of a route.
type Info struct {
	FromToken     string
	ToToken       string
	FromAmount    string
	ToAmount      string
	EstimatedTime time.Duration
	GasCostUSD    string
	Steps         int
	Tools         string
}

// Summarize extracts the display summary of a route.
func (r Route) Summarize() Info {
	info := Info{
		FromAmount: r.FromAmount,
		ToAmount:   r.ToAmount,
		GasCostUSD: r.GasCostUSD,
		Steps:      len(r.Steps),
	}
	if info.GasCostUSD == "" {
		info.GasCostUSD = "0"
	}
	tools := make([]string, 0, len(r.Steps))
	var seconds int64
	for _, s := range r.Steps {
		seconds += s.Estimate.ExecutionDuration
		name := s.ToolDetails.Name
		if name == "" {
			name = s.Tool
		}
		tools = append(tools, name)
	}
	info.EstimatedTime = time.Duration(seconds) * time.Second
	info.Tools = strings.Join(tools, " -> ")
	if n := len(r.Steps); n > 0 {
		info.FromToken = r.Steps[0].Action.FromToken.Symbol
		info.ToToken = r.Steps[n-1].Action.ToToken.Symbol
	}
	return info
}

// Client queries the routing service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logger.Logger
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     logger.Logger
}

func NewClient(c Config) *Client {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = logger.NoopLogger{}
	}
	return &Client{baseURL: c.BaseURL, httpClient: c.HTTPClient, logger: c.Logger}
}

var (
	defaultClient *Client
	defaultOnce   sync.Once
)

// DefaultClient returns the process-wide client, initialized lazily on first
// use. Safe to call from multiple goroutines.
func DefaultClient() *Client {
	defaultOnce.Do(func() {
		defaultClient = NewClient(Config{})
	})
	return defaultClient
}

// Routes requests route options for the transfer, cheapest first.
func (c *Client) Routes(ctx context.Context, q QuoteRequest) ([]Route, error) {
	if err := validate.Struct(&q); err != nil {
		return nil, fmt.Errorf("validating quote request: %w", err)
	}

	body, err := json.Marshal(struct {
		QuoteRequest
		Options quoteOptions `json:"options"`
	}{
		QuoteRequest: q,
		Options:      quoteOptions{Slippage: 0.005, Order: "CHEAPEST", Integrator: Integrator},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding quote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/advanced/routes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building routes request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting routes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("routing service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded struct {
		Routes []Route `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding routes: %w", err)
	}
	c.logger.Debug("routes quoted", map[string]any{
		"from_chain": q.FromChainID, "to_chain": q.ToChainID, "routes": len(decoded.Routes),
	})
	return decoded.Routes, nil
}

// Best picks the route to execute from a quote: the first one, which the
// service orders cheapest first.
func Best(routes []Route) (Route, error) {
	if len(routes) == 0 {
		return Route{}, ErrNoRoutes
	}
	return routes[0], nil
}
