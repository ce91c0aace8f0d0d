package memo

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
)

const component = "memo"

const (
	// Version1 is the only wire layout this codec understands. Decoders
	// presented with any other version refuse deterministically.
	Version1 uint8 = 1

	// MaxEncodedLength bounds the encoded memo to the host network's memo
	// capacity.
	MaxEncodedLength = 200

	delimiter = "|"
)

// Encode packs the instruction into an opaque, checksummed, base62-encoded
// string bounded by MaxEncodedLength.
func Encode(in Instruction) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	layout, _ := layoutFor(in.Kind)
	fields, err := layout.fields(in)
	if err != nil {
		return "", err
	}
	payload := strings.Join(fields, delimiter)
	buffer := payload + delimiter + checksum(payload)
	encoded := base62Encode([]byte(buffer))
	if len(encoded) > MaxEncodedLength {
		return "", errs.New(component, errs.CodeInvalid,
			errs.WithMessage("encoded memo exceeds network capacity"),
			errs.WithField("length", strconv.Itoa(len(encoded))))
	}
	return encoded, nil
}

// Decode unpacks an opaque memo string. The checksum is recomputed and
// verified before any field is interpreted; every failure is a protocol
// error and never yields an instruction.
func Decode(opaque string) (Instruction, error) {
	trimmed := strings.TrimSpace(opaque)
	if trimmed == "" || len(trimmed) > MaxEncodedLength {
		return Instruction{}, malformed("memo length out of range")
	}
	raw, ok := base62Decode(trimmed)
	if !ok {
		return Instruction{}, malformed("memo is not base62")
	}
	buffer := string(raw)
	cut := strings.LastIndex(buffer, delimiter)
	if cut <= 0 || cut == len(buffer)-1 {
		return Instruction{}, malformed("memo missing checksum")
	}
	payload, sum := buffer[:cut], buffer[cut+1:]
	if checksum(payload) != sum {
		return Instruction{}, errs.New(component, errs.CodeProtocol,
			errs.WithCanonicalCode(errs.CanonicalInvalidChecksum))
	}

	fields := strings.Split(payload, delimiter)
	if len(fields) < 2 {
		return Instruction{}, malformed("memo payload too short")
	}
	if fields[0] != "1" {
		return Instruction{}, errs.New(component, errs.CodeProtocol,
			errs.WithCanonicalCode(errs.CanonicalUnsupportedVersion),
			errs.WithField("version", fields[0]))
	}
	kindName, ok := kindTable.name(fields[1])
	if !ok {
		return Instruction{}, unknownCode("kind", fields[1])
	}
	kind := Kind(kindName)
	layout, ok := layoutFor(kind)
	if !ok {
		return Instruction{}, unknownCode("kind", fields[1])
	}
	return layout.parse(kind, fields[2:])
}

// layout dispatches encoding and decoding on the instruction kind.
type layout struct {
	fields   func(Instruction) ([]string, error)
	parse    func(Kind, []string) (Instruction, error)
	validate func(Instruction) error
}

func layoutFor(kind Kind) (layout, bool) {
	switch kind {
	case KindSpot, KindSwap:
		return spotLayout, true
	case KindMarketMaking, KindArbitrage, KindLeverage, KindPerpetual, KindWithdrawal:
		return strategyLayout, true
	}
	return layout{}, false
}

// Spot layout: version, kind, subtype, exchange index, symbol key, and a
// limit price only for limit subtypes.
var spotLayout = layout{
	fields: func(in Instruction) ([]string, error) {
		p := in.Spot
		kindCode, _ := kindTable.code(string(in.Kind))
		subtypeCode, _ := spotSubtypeTable.code(string(p.Subtype))
		exchangeCode, _ := exchangeTable.code(p.Exchange)
		symbolCode, _ := symbolTable.code(p.Symbol)
		fields := []string{"1", kindCode, subtypeCode, exchangeCode, symbolCode}
		if p.Subtype.IsLimit() {
			fields = append(fields, p.LimitPrice.String())
		}
		return fields, nil
	},
	parse: func(kind Kind, rest []string) (Instruction, error) {
		if len(rest) < 3 {
			return Instruction{}, malformed("spot memo payload too short")
		}
		subtypeName, ok := spotSubtypeTable.name(rest[0])
		if !ok {
			return Instruction{}, unknownCode("subtype", rest[0])
		}
		subtype := SpotSubtype(subtypeName)
		exchange, ok := exchangeTable.name(rest[1])
		if !ok {
			return Instruction{}, unknownCode("exchange", rest[1])
		}
		symbol, ok := symbolTable.name(rest[2])
		if !ok {
			return Instruction{}, unknownCode("symbol", rest[2])
		}
		payload := &SpotPayload{Subtype: subtype, Exchange: exchange, Symbol: symbol}
		switch {
		case subtype.IsLimit():
			if len(rest) != 4 {
				return Instruction{}, malformed("limit memo requires a price field")
			}
			price, err := decimal.NewFromString(rest[3])
			if err != nil || !price.IsPositive() {
				return Instruction{}, malformed("limit price is not a positive decimal")
			}
			payload.LimitPrice = price
		default:
			if len(rest) != 3 {
				return Instruction{}, malformed("market memo carries no price field")
			}
		}
		return Instruction{Version: Version1, Kind: kind, Spot: payload}, nil
	},
	validate: func(in Instruction) error {
		p := in.Spot
		if p == nil || in.Strategy != nil {
			return invalid("spot instruction requires exactly a spot payload")
		}
		if _, ok := spotSubtypeTable.code(string(p.Subtype)); !ok {
			return unknownCode("subtype", string(p.Subtype))
		}
		if _, ok := exchangeTable.code(p.Exchange); !ok {
			return unknownCode("exchange", p.Exchange)
		}
		if _, ok := symbolTable.code(p.Symbol); !ok {
			return unknownCode("symbol", p.Symbol)
		}
		if p.Subtype.IsLimit() && !p.LimitPrice.IsPositive() {
			return invalid("limit subtype requires a positive limit price")
		}
		if !p.Subtype.IsLimit() && !p.LimitPrice.IsZero() {
			return invalid("market subtype must not carry a limit price")
		}
		return nil
	},
}

// Strategy layout: version, kind, subtype, exchange index, symbol key,
// routing id correlating the payment with an off-chain strategy instance.
var strategyLayout = layout{
	fields: func(in Instruction) ([]string, error) {
		p := in.Strategy
		kindCode, _ := kindTable.code(string(in.Kind))
		subtypeCode, _ := strategySubtypeTable.code(string(p.Subtype))
		exchangeCode, _ := exchangeTable.code(p.Exchange)
		symbolCode, _ := symbolTable.code(p.Symbol)
		return []string{"1", kindCode, subtypeCode, exchangeCode, symbolCode, p.RoutingID}, nil
	},
	parse: func(kind Kind, rest []string) (Instruction, error) {
		if len(rest) != 4 {
			return Instruction{}, malformed("strategy memo requires four payload fields")
		}
		subtypeName, ok := strategySubtypeTable.name(rest[0])
		if !ok {
			return Instruction{}, unknownCode("subtype", rest[0])
		}
		exchange, ok := exchangeTable.name(rest[1])
		if !ok {
			return Instruction{}, unknownCode("exchange", rest[1])
		}
		symbol, ok := symbolTable.name(rest[2])
		if !ok {
			return Instruction{}, unknownCode("symbol", rest[2])
		}
		if rest[3] == "" {
			return Instruction{}, malformed("strategy memo requires a routing id")
		}
		return Instruction{Version: Version1, Kind: kind, Strategy: &StrategyPayload{
			Subtype:   StrategySubtype(subtypeName),
			Exchange:  exchange,
			Symbol:    symbol,
			RoutingID: rest[3],
		}}, nil
	},
	validate: func(in Instruction) error {
		p := in.Strategy
		if p == nil || in.Spot != nil {
			return invalid("strategy instruction requires exactly a strategy payload")
		}
		if _, ok := strategySubtypeTable.code(string(p.Subtype)); !ok {
			return unknownCode("subtype", string(p.Subtype))
		}
		if _, ok := exchangeTable.code(p.Exchange); !ok {
			return unknownCode("exchange", p.Exchange)
		}
		if _, ok := symbolTable.code(p.Symbol); !ok {
			return unknownCode("symbol", p.Symbol)
		}
		if p.RoutingID == "" {
			return invalid("strategy instruction requires a routing id")
		}
		if strings.Contains(p.RoutingID, delimiter) {
			return invalid("routing id must not contain the field delimiter")
		}
		return nil
	},
}

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var base62Index = func() map[byte]int64 {
	idx := make(map[byte]int64, len(base62Alphabet))
	for i := 0; i < len(base62Alphabet); i++ {
		idx[base62Alphabet[i]] = int64(i)
	}
	return idx
}()

// base62Encode renders raw bytes in the dense alphanumeric alphabet. The
// payload always starts with an ASCII version digit, so the big.Int round
// trip never strips significant leading bytes.
func base62Encode(raw []byte) string {
	n := new(big.Int).SetBytes(raw)
	if n.Sign() == 0 {
		return string(base62Alphabet[0])
	}
	base := big.NewInt(int64(len(base62Alphabet)))
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, base62Alphabet[mod.Int64()])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base62Decode(encoded string) ([]byte, bool) {
	n := new(big.Int)
	base := big.NewInt(int64(len(base62Alphabet)))
	for i := 0; i < len(encoded); i++ {
		digit, ok := base62Index[encoded[i]]
		if !ok {
			return nil, false
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(digit))
	}
	return n.Bytes(), true
}

// checksum renders the CRC-16/CCITT-FALSE of the payload as four lowercase
// hex characters.
func checksum(payload string) string {
	crc := crc16(payload)
	const hexdigits = "0123456789abcdef"
	return string([]byte{
		hexdigits[crc>>12&0xf],
		hexdigits[crc>>8&0xf],
		hexdigits[crc>>4&0xf],
		hexdigits[crc&0xf],
	})
}

func crc16(payload string) uint16 {
	var crc uint16 = 0xffff
	for i := 0; i < len(payload); i++ {
		crc ^= uint16(payload[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func malformed(msg string) error {
	return errs.New(component, errs.CodeProtocol,
		errs.WithCanonicalCode(errs.CanonicalMalformedPayload),
		errs.WithMessage(msg))
}

func unknownCode(field, value string) error {
	return errs.New(component, errs.CodeProtocol,
		errs.WithCanonicalCode(errs.CanonicalUnknownCode),
		errs.WithField(field, value))
}

func invalid(msg string) error {
	return errs.New(component, errs.CodeInvalid, errs.WithMessage(msg))
}
