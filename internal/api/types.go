package api

// Info request types accepted by POST /info.
const (
	InfoAllMids            = "allMids"
	InfoMeta               = "meta"
	InfoL2Book             = "l2Book"
	InfoRecentTrades       = "recentTrades"
	InfoClearinghouseState = "clearinghouseState"
)

// InfoRequest is the body of POST /info.
type InfoRequest struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

// OperationID names the request for retry tracking, e.g. "info:l2Book:BTC".
func (r InfoRequest) OperationID() string {
	id := "info:" + r.Type
	if r.Coin != "" {
		id += ":" + r.Coin
	}
	if r.User != "" {
		id += ":" + r.User
	}
	return id
}
