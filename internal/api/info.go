package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/venuesync/internal/model"
)

// ErrMissingArgument is returned when a coin or user is required but empty.
var ErrMissingArgument = errors.New("missing required argument")

// Info posts req to /info and decodes the response into out.
func (c *Client) Info(ctx context.Context, req InfoRequest, out any) error {
	if err := c.postJSON(ctx, "/info", req, out, req.OperationID()); err != nil {
		return fmt.Errorf("info %s: %w", req.Type, err)
	}
	return nil
}

// AllMids fetches the mid price of every coin.
func (c *Client) AllMids(ctx context.Context) (model.Mids, error) {
	var mids model.Mids
	if err := c.Info(ctx, InfoRequest{Type: InfoAllMids}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

// Meta fetches the perpetuals universe.
func (c *Client) Meta(ctx context.Context) (*model.Meta, error) {
	var meta model.Meta
	if err := c.Info(ctx, InfoRequest{Type: InfoMeta}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// L2Book fetches the aggregated order book for coin.
func (c *Client) L2Book(ctx context.Context, coin string) (*model.L2Book, error) {
	if coin == "" {
		return nil, fmt.Errorf("l2Book coin: %w", ErrMissingArgument)
	}
	var book model.L2Book
	if err := c.Info(ctx, InfoRequest{Type: InfoL2Book, Coin: coin}, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// RecentTrades fetches the latest trades for coin.
func (c *Client) RecentTrades(ctx context.Context, coin string) ([]model.Trade, error) {
	if coin == "" {
		return nil, fmt.Errorf("recentTrades coin: %w", ErrMissingArgument)
	}
	var trades []model.Trade
	if err := c.Info(ctx, InfoRequest{Type: InfoRecentTrades, Coin: coin}, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// AccountState fetches the perpetuals account snapshot for user.
func (c *Client) AccountState(ctx context.Context, user string) (*model.AccountState, error) {
	if user == "" {
		return nil, fmt.Errorf("clearinghouseState user: %w", ErrMissingArgument)
	}
	var st model.AccountState
	if err := c.Info(ctx, InfoRequest{Type: InfoClearinghouseState, User: user}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
