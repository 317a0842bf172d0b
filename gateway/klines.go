package gateway

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	binanceFuturesBaseURL = "https://fapi.binance.com"
	binanceTestnetBaseURL = "https://testnet.binancefuture.com"
)

// Kline is one candlestick, decoded from the exchange's public klines
// endpoint (an array-of-arrays response, not worth round-tripping through
// the signed SDK client for public market data).
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

func newPublicRestClient(timeout time.Duration) *resty.Client {
	r := resty.New()
	r.SetTimeout(timeout)
	r.SetRetryCount(0) // gateway's own withRetry wraps call sites instead
	return r
}

// GetKlines fetches up to limit candles for symbol/interval, optionally
// bounded by [start, end] (UnixMilli; zero means unbounded on that side).
func (g *BinanceGateway) GetKlines(symbol, interval string, limit int, start, end int64) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if start > 0 {
		params["startTime"] = strconv.FormatInt(start, 10)
	}
	if end > 0 {
		params["endTime"] = strconv.FormatInt(end, 10)
	}

	var raw [][]interface{}
	err := g.withRetry("GetKlines", func() error {
		raw = nil
		resp, innerErr := g.rest.R().
			SetQueryParams(params).
			SetResult(&raw).
			Get(g.restBaseURL + "/fapi/v1/klines")
		if innerErr != nil {
			return fmt.Errorf("fetch klines: %w", innerErr)
		}
		if resp.IsError() {
			return fmt.Errorf("klines API error: status %d body %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		k := Kline{
			OpenTime:  toInt64(row[0]),
			Open:      toDecimal(row[1]),
			High:      toDecimal(row[2]),
			Low:       toDecimal(row[3]),
			Close:     toDecimal(row[4]),
			Volume:    toDecimal(row[5]),
			CloseTime: toInt64(row[6]),
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// exchangeInfoResponse is the subset of Binance's exchangeInfo response this
// gateway cares about: the LOT_SIZE/PRICE_FILTER step and tick sizes.
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			TickSize   string `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// fetchSymbolFilters calls the public exchangeInfo endpoint once per
// process for a symbol; results are cached permanently by the caller.
func (g *BinanceGateway) fetchSymbolFilters(symbol string) (SymbolFilters, error) {
	var info exchangeInfoResponse
	resp, err := g.rest.R().
		SetQueryParam("symbol", symbol).
		SetResult(&info).
		Get(g.restBaseURL + "/fapi/v1/exchangeInfo")
	if err != nil {
		return SymbolFilters{}, fmt.Errorf("fetch exchange info: %w", err)
	}
	if resp.IsError() {
		return SymbolFilters{}, fmt.Errorf("exchangeInfo API error: status %d body %s", resp.StatusCode(), resp.String())
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var filters SymbolFilters
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				filters.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "PRICE_FILTER":
				filters.TickSize, _ = decimal.NewFromString(f.TickSize)
			}
		}
		return filters, nil
	}
	return SymbolFilters{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toDecimal(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case string:
		d, _ := decimal.NewFromString(n)
		return d
	case float64:
		return decimal.NewFromFloat(n)
	default:
		return decimal.Zero
	}
}
