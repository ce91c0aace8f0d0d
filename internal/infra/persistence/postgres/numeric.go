package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromNullDecimal converts an optional decimal into a pgtype.Numeric;
// an invalid input maps to SQL NULL.
func numericFromNullDecimal(value decimal.NullDecimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if !value.Valid {
		return out, nil
	}
	return numericFromDecimal(value.Decimal)
}

// decimalFromNumeric converts a scanned pgtype.Numeric back into a decimal.
func decimalFromNumeric(value pgtype.Numeric) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	driverValue, err := value.Value()
	if err != nil {
		return decimal.Zero, fmt.Errorf("render numeric: %w", err)
	}
	text, ok := driverValue.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("render numeric: unexpected type %T", driverValue)
	}
	out, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", text, err)
	}
	return out, nil
}

// nullDecimalFromNumeric converts a scanned nullable numeric.
func nullDecimalFromNumeric(value pgtype.Numeric) (decimal.NullDecimal, error) {
	if !value.Valid {
		return decimal.NullDecimal{}, nil
	}
	parsed, err := decimalFromNumeric(value)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: parsed, Valid: true}, nil
}
