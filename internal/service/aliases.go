package service

import "strings"

// assetAliases maps a base asset to the names the reference source uses for
// it. Assets missing from the table alias to themselves.
var assetAliases = map[string][]string{
	"BTC":   {"BITCOIN", "BTC", "XBT", "BIT COIN"},
	"ETH":   {"ETHEREUM", "ETH", "ETHER"},
	"SOL":   {"SOLANA", "SOL"},
	"BNB":   {"BINANCE COIN", "BINANCE", "BNB"},
	"XRP":   {"RIPPLE", "XRP"},
	"ADA":   {"CARDANO", "ADA"},
	"DOGE":  {"DOGECOIN", "DOGE"},
	"MATIC": {"POLYGON", "MATIC", "POL"},
	"DOT":   {"POLKADOT", "DOT"},
	"AVAX":  {"AVALANCHE", "AVAX"},
	"LINK":  {"CHAINLINK", "LINK"},
	"UNI":   {"UNISWAP", "UNI"},
	"ATOM":  {"COSMOS", "ATOM"},
	"ETC":   {"ETHEREUM CLASSIC", "ETH CLASSIC", "ETC"},
	"LTC":   {"LITECOIN", "LTC"},
	"BCH":   {"BITCOIN CASH", "BTC CASH", "BCH"},
	"XLM":   {"STELLAR", "XLM"},
	"ALGO":  {"ALGORAND", "ALGO"},
	"VET":   {"VECHAIN", "VET"},
	"FIL":   {"FILECOIN", "FIL"},
	"TRX":   {"TRON", "TRX"},
	"EOS":   {"EOS"},
	"AAVE":  {"AAVE"},
	"MKR":   {"MAKER", "MKR"},
	"COMP":  {"COMPOUND", "COMP"},
	"YFI":   {"YEARN FINANCE", "YEARN", "YFI"},
	"SUSHI": {"SUSHISWAP", "SUSHI"},
	"SNX":   {"SYNTHETIX", "SNX"},
	"NEAR":  {"NEAR PROTOCOL", "NEAR"},
	"APT":   {"APTOS", "APT"},
	"OP":    {"OPTIMISM", "OP"},
	"ARB":   {"ARBITRUM", "ARB"},
	"IMX":   {"IMMUTABLE X", "IMX"},
	"GRT":   {"THE GRAPH", "GRT"},
	"RUNE":  {"THORCHAIN", "RUNE"},
	"INJ":   {"INJECTIVE", "INJ"},
	"TIA":   {"CELESTIA", "TIA"},
	"SEI":   {"SEI NETWORK", "SEI"},
	"SUI":   {"SUI"},
	"PYTH":  {"PYTH NETWORK", "PYTH"},
	"JTO":   {"JITO", "JTO"},
	"HYPE":  {"HYPERLIQUID", "HYPE"},
}

func aliasesFor(asset string) []string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if a, ok := assetAliases[asset]; ok {
		return a
	}
	return []string{asset}
}

// containsWord reports whether word occurs in text delimited by
// non-alphanumerics, so "OP" does not match "OPEN".
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(word)
		if (start == 0 || !isAlnum(text[start-1])) && (end == len(text) || !isAlnum(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isAlnum(b byte) bool {
	return b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// periodFromText extracts a period in minutes from upper-cased title text.
// More specific patterns are checked first so "4 HOUR" is not read as hourly.
func periodFromText(text string) int {
	has := func(s string) bool { return strings.Contains(text, s) }
	switch {
	case has("15") && (has("MIN") || has("15M")):
		return 15
	case has("4H") || (has("4") && has("HOUR")):
		return 240
	case has("MONTHLY") || (has("MONTH") && !has("WEEKLY")):
		return 43200
	case has("WEEK"):
		return 10080
	case has("DAILY") || (has("DAY") && !has("WEEK") && !has("MONTH")):
		return 1440
	case has("HOURLY") || has("HOUR") || has("1H"):
		return 60
	}
	return 0
}
