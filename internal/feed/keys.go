package feed

// Stream channels the bridge maps into the cache.
const (
	ChannelAllMids  = "allMids"
	ChannelTrades   = "trades"
	ChannelL2Book   = "l2Book"
	ChannelWebData2 = "webData2"
)

// Cache tags.
const (
	TagMarket  = "market"
	TagTrades  = "trades"
	TagBook    = "book"
	TagAccount = "account"
)

// MidsKey holds the latest model.Mids.
const MidsKey = "mids"

// TradesKey holds the most recent trades for coin, oldest first.
func TradesKey(coin string) string {
	return "trades:" + coin
}

// BookKey holds the latest model.L2Book for coin.
func BookKey(coin string) string {
	return "book:" + coin
}

// AccountKey holds the latest model.AccountUpdate a user channel pushed.
// webData2 frames land under "account:<user>".
func AccountKey(channel, user string) string {
	if channel == ChannelWebData2 {
		return "account:" + user
	}
	return channel + ":" + user
}

// CoinTag groups every entry for one coin.
func CoinTag(coin string) string {
	return "coin:" + coin
}

// UserTag groups every entry for one user.
func UserTag(user string) string {
	return "user:" + user
}

// ClearinghouseKey holds the model.AccountState REST snapshot for user.
func ClearinghouseKey(user string) string {
	return "clearinghouse:" + user
}
