package price

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentVault/internal/chain"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Pyth reads the latest price of configured feeds from a Hermes endpoint.
type Pyth struct {
	client *resty.Client
	feeds  map[string]string
}

// NewPyth maps asset keys (see Asset.Key) to Pyth feed ids.
func NewPyth(endpoint string, feeds map[string]string, timeout time.Duration) *Pyth {
	normalised := make(map[string]string, len(feeds))
	for key, id := range feeds {
		normalised[strings.ToLower(key)] = strings.TrimPrefix(strings.ToLower(id), "0x")
	}
	return &Pyth{
		client: resty.New().
			SetBaseURL(strings.TrimRight(endpoint, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		feeds: normalised,
	}
}

func (p *Pyth) Name() string { return "pyth" }

type pythPrice struct {
	Price string `json:"price"`
	Conf  string `json:"conf"`
	Expo  int32  `json:"expo"`
}

type pythResponse struct {
	Parsed []struct {
		ID    string    `json:"id"`
		Price pythPrice `json:"price"`
	} `json:"parsed"`
}

func (p *Pyth) Price(ctx context.Context, asset Asset) (*Info, error) {
	feed, ok := p.feeds[strings.ToLower(asset.Key())]
	if !ok {
		return nil, fmt.Errorf("pyth: no feed for %s", asset.Key())
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("ids[]", feed).
		SetQueryParam("parsed", "true").
		SetResult(&pythResponse{}).
		Get("/v2/updates/price/latest")
	if err != nil {
		return nil, fmt.Errorf("pyth: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("pyth: status %d", resp.StatusCode())
	}
	body := resp.Result().(*pythResponse)
	for _, entry := range body.Parsed {
		if strings.TrimPrefix(strings.ToLower(entry.ID), "0x") != feed {
			continue
		}
		value, err := scaled(entry.Price.Price, entry.Price.Expo)
		if err != nil {
			return nil, fmt.Errorf("pyth: %w", err)
		}
		conf, err := scaled(entry.Price.Conf, entry.Price.Expo)
		if err != nil {
			conf = decimal.Zero
		}
		return &Info{USD: value, Source: p.Name(), Confidence: conf}, nil
	}
	return nil, fmt.Errorf("pyth: feed %s missing from response", feed)
}

func scaled(mantissa string, expo int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(mantissa)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(expo), nil
}

// CoinGecko reads simple prices for native coins and token prices by
// platform contract address.
type CoinGecko struct {
	client    *resty.Client
	coinIDs   map[string]string
	platforms map[string]string
}

// NewCoinGecko maps chain kinds to coin ids and asset platforms.
func NewCoinGecko(endpoint, apiKey string, coinIDs, platforms map[string]string, timeout time.Duration) *CoinGecko {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("x-cg-demo-api-key", apiKey)
	}
	return &CoinGecko{client: client, coinIDs: coinIDs, platforms: platforms}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) Price(ctx context.Context, asset Asset) (*Info, error) {
	quotes := map[string]map[string]decimal.Decimal{}
	req := c.client.R().SetContext(ctx).SetQueryParam("vs_currencies", "usd").SetResult(&quotes)

	var (
		key  string
		path string
	)
	if asset.IsNative() {
		id, ok := c.coinIDs[string(asset.Chain)]
		if !ok {
			return nil, fmt.Errorf("coingecko: no coin id for %s", asset.Chain)
		}
		key, path = id, "/simple/price"
		req.SetQueryParam("ids", id)
	} else {
		platform, ok := c.platforms[string(asset.Chain)]
		if !ok {
			return nil, fmt.Errorf("coingecko: no platform for %s", asset.Chain)
		}
		key = asset.Address
		if asset.Chain == chain.KindEthereum {
			key = strings.ToLower(asset.Address)
		}
		path = "/simple/token_price/" + platform
		req.SetQueryParam("contract_addresses", asset.Address)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("coingecko: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coingecko: status %d", resp.StatusCode())
	}
	for k, quote := range quotes {
		if strings.EqualFold(k, key) {
			if usd, ok := quote["usd"]; ok {
				return &Info{USD: usd, Source: c.Name(), Confidence: decimal.Zero}, nil
			}
		}
	}
	return nil, fmt.Errorf("coingecko: %s missing from response", key)
}
