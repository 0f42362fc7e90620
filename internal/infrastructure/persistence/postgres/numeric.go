package postgres

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// amountToNumeric converts an amount to a NUMERIC(78,0) parameter.
func amountToNumeric(a shared.Amount) pgtype.Numeric {
	return pgtype.Numeric{Int: a.ToBig(), Exp: 0, Valid: true}
}

// numericToAmount converts a scanned NUMERIC back to an amount. Fractional,
// negative, NaN and out-of-range values are rejected.
func numericToAmount(n pgtype.Numeric) (shared.Amount, error) {
	if !n.Valid {
		return shared.Amount{}, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return shared.Amount{}, fmt.Errorf("postgres: amount is not a finite number")
	}
	if n.Int == nil {
		return shared.Amount{}, nil
	}

	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
		q, r := new(big.Int).QuoRem(v, div, new(big.Int))
		if r.Sign() != 0 {
			return shared.Amount{}, fmt.Errorf("postgres: amount %s has a fractional part", n.Int.String())
		}
		v = q
	}

	if v.Sign() < 0 {
		return shared.Amount{}, fmt.Errorf("postgres: amount %s is negative", v.String())
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return shared.Amount{}, fmt.Errorf("postgres: amount %s exceeds 256 bits", v.String())
	}
	return *out, nil
}
