package payout

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/bankroll/settlement-engine/internal/apperr"
)

var rangeFields = [...]string{"from", "to", "value"}

// ParseRanges decodes a JSON array of payout objects. Each object must carry
// exactly the fields from, to and value, all integers; anything else is a
// validation failure. Range bounds themselves are checked by New.
func ParseRanges(data []byte) ([]Range, error) {
	var raw []map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, apperr.New(apperr.Validation, op, "payouts is not an array of objects")
	}
	if len(raw) == 0 {
		return nil, apperr.New(apperr.Validation, op, "payouts needs at least one payout")
	}

	ranges := make([]Range, 0, len(raw))
	for i, obj := range raw {
		if obj == nil {
			return nil, apperr.New(apperr.Validation, op,
				"all payouts must be an object { from: ..., to: ..., value: ... }")
		}
		if len(obj) != len(rangeFields) {
			return nil, apperr.New(apperr.Validation, op,
				"payout %d: unrecognized field (should only have from, to and value)", i)
		}

		var vals [len(rangeFields)]*big.Int
		for j, name := range rangeFields {
			msg, ok := obj[name]
			if !ok {
				return nil, apperr.New(apperr.Validation, op, "payout %d: missing `%s` field", i, name)
			}
			v, ok := parseInteger(msg)
			if !ok {
				return nil, apperr.New(apperr.Validation, op, "payout %d: invalid `%s` field", i, name)
			}
			vals[j] = v
		}

		from, to, value := vals[0], vals[1], vals[2]
		if from.Sign() < 0 || !from.IsUint64() {
			return nil, apperr.New(apperr.Validation, op, "payout %d: invalid or missing `from` field", i)
		}
		if to.Sign() < 0 || !to.IsUint64() {
			return nil, apperr.New(apperr.Validation, op, "payout %d: `to` is not valid", i)
		}
		if !value.IsInt64() {
			return nil, apperr.New(apperr.Validation, op, "payout %d: value is invalid", i)
		}

		ranges = append(ranges, Range{
			From:  from.Uint64(),
			To:    to.Uint64(),
			Value: value.Int64(),
		})
	}
	return ranges, nil
}

// parseInteger accepts any JSON number with an integral value, including
// exponent forms such as 4.294967296e9.
func parseInteger(msg json.RawMessage) (*big.Int, bool) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] == '"' {
		return nil, false
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(num.String())
	if !ok || !r.IsInt() {
		return nil, false
	}
	return new(big.Int).Set(r.Num()), true
}
