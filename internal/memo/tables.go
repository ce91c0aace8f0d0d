package memo

// Static bidirectional lookup tables mapping wire codes to names. Tables are
// process-wide constants; an unrecognized code on either side is a decode or
// encode error, never a silent default.

type codeTable struct {
	byName map[string]string
	byCode map[string]string
}

func newCodeTable(pairs map[string]string) codeTable {
	t := codeTable{
		byName: make(map[string]string, len(pairs)),
		byCode: make(map[string]string, len(pairs)),
	}
	for name, code := range pairs {
		t.byName[name] = code
		t.byCode[code] = name
	}
	return t
}

func (t codeTable) code(name string) (string, bool) {
	code, ok := t.byName[name]
	return code, ok
}

func (t codeTable) name(code string) (string, bool) {
	name, ok := t.byCode[code]
	return name, ok
}

var kindTable = newCodeTable(map[string]string{
	string(KindSpot):         "SP",
	string(KindSwap):         "SW",
	string(KindMarketMaking): "MM",
	string(KindArbitrage):    "AR",
	string(KindLeverage):     "LV",
	string(KindPerpetual):    "PP",
	string(KindWithdrawal):   "WD",
})

var spotSubtypeTable = newCodeTable(map[string]string{
	string(SpotLimitBuy):   "LB",
	string(SpotLimitSell):  "LS",
	string(SpotMarketBuy):  "MB",
	string(SpotMarketSell): "MS",
})

var strategySubtypeTable = newCodeTable(map[string]string{
	string(StrategyCreate):   "CR",
	string(StrategyDeposit):  "DP",
	string(StrategyWithdraw): "WX",
})

// Exchange indices are two ASCII digits on the wire.
var exchangeTable = newCodeTable(map[string]string{
	"binance": "01",
	"okx":     "02",
	"bitget":  "03",
	"gate":    "04",
	"bybit":   "05",
})

// Symbol short keys keep frequently traded pairs to two characters.
var symbolTable = newCodeTable(map[string]string{
	"BTC/USDT":  "BT",
	"ETH/USDT":  "ET",
	"SOL/USDT":  "SL",
	"XRP/USDT":  "XR",
	"DOGE/USDT": "DG",
	"BNB/USDT":  "BN",
	"ETH/BTC":   "EB",
	"USDC/USDT": "UC",
})

// Exchanges lists the exchange names the codec can address, in no particular
// order.
func Exchanges() []string {
	names := make([]string, 0, len(exchangeTable.byName))
	for name := range exchangeTable.byName {
		names = append(names, name)
	}
	return names
}

// Symbols lists the trading pairs the codec can address.
func Symbols() []string {
	names := make([]string, 0, len(symbolTable.byName))
	for name := range symbolTable.byName {
		names = append(names, name)
	}
	return names
}
