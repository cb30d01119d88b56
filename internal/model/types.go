package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// Mids maps coin to mid price.
type Mids map[string]string

// AllMids is the data of an allMids stream frame.
type AllMids struct {
	Mids Mids `json:"mids"`
}

// Asset describes one perpetual in the venue universe.
type Asset struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// Meta is the perpetuals universe.
type Meta struct {
	Universe []Asset `json:"universe"`
}

// Level is one aggregated price level.
type Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"` // Number of orders
}

// L2Book is an aggregated order book snapshot. Levels[0] holds bids and
// Levels[1] asks, both best first.
type L2Book struct {
	Coin   string     `json:"coin"`
	Time   int64      `json:"time"` // Venue time (ms since epoch)
	Levels [2][]Level `json:"levels"`
}

// Bids returns the bid side.
func (b L2Book) Bids() []Level { return b.Levels[0] }

// Asks returns the ask side.
func (b L2Book) Asks() []Level { return b.Levels[1] }

// Trade sides as sent by the venue.
const (
	SideBuy  = "B"
	SideSell = "A"
)

// Trade is an executed trade.
type Trade struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // "B" = buyer was taker, "A" = seller was taker
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"` // Venue time (ms since epoch)
	Hash string `json:"hash"`
	TID  int64  `json:"tid"`
}

// IsBuy reports whether the taker bought.
func (t Trade) IsBuy() bool {
	return t.Side == SideBuy
}

// ExchangeTime returns the venue timestamp.
func (t Trade) ExchangeTime() time.Time {
	return time.UnixMilli(t.Time)
}

// -----------------------------------------------------------------------------
// Account Data
// -----------------------------------------------------------------------------

// MarginSummary aggregates account margin figures.
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

// Leverage is a position's leverage setting.
type Leverage struct {
	Type  string `json:"type"` // "cross" or "isolated"
	Value int    `json:"value"`
}

// Position is an open perpetual position.
type Position struct {
	Coin           string   `json:"coin"`
	Szi            string   `json:"szi"` // Signed size
	EntryPx        *string  `json:"entryPx"`
	PositionValue  string   `json:"positionValue"`
	UnrealizedPnl  string   `json:"unrealizedPnl"`
	ReturnOnEquity string   `json:"returnOnEquity"`
	LiquidationPx  *string  `json:"liquidationPx"`
	MarginUsed     string   `json:"marginUsed"`
	Leverage       Leverage `json:"leverage"`
}

// AssetPosition wraps a Position.
type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

// AccountState is a user's perpetuals account snapshot.
type AccountState struct {
	MarginSummary      MarginSummary   `json:"marginSummary"`
	CrossMarginSummary MarginSummary   `json:"crossMarginSummary"`
	Withdrawable       string          `json:"withdrawable"`
	AssetPositions     []AssetPosition `json:"assetPositions"`
	Time               int64           `json:"time"`
}

// AccountUpdate is the data of a user channel frame. The venue pushes
// several shapes on these channels; Raw keeps the frame untouched.
type AccountUpdate struct {
	User       string          `json:"user"`
	Channel    string          `json:"channel"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// -----------------------------------------------------------------------------
// Recorded Rows
// -----------------------------------------------------------------------------

// ReceivedTrade is a trade with local receive metadata.
type ReceivedTrade struct {
	Trade
	ReceivedAt time.Time
	SessionID  string // Stream session the trade arrived on
}

// MidSample is one coin's mid price at a receive time.
type MidSample struct {
	Coin       string
	Mid        string
	ReceivedAt time.Time
}

// ParsePrice parses a venue decimal string.
func ParsePrice(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return f, nil
}
