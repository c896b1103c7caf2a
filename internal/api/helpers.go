package api

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/model"
)

// parseAddress parses a 0x-prefixed hex Address, matching
// model.Address.String()'s own encoding.
func parseAddress(s string) (model.Address, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return model.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return model.AddressFromBytes(b), nil
}

// parseReferralCode parses an optional 0x-prefixed hex referral code,
// placing a shorter value in the low (rightmost) bytes of the 32-byte
// code with zero bytes on the left (mirroring parseAddress's encoding for
// the low 20 bytes a referral code carries). An empty string is the zero
// code.
func parseReferralCode(s string) (model.ReferralCode, error) {
	var code model.ReferralCode
	if s == "" {
		return code, nil
	}
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 || len(b) > len(code) {
		return code, fmt.Errorf("invalid referral code %q", s)
	}
	copy(code[len(code)-len(b):], b)
	return code, nil
}

// parseUint256 parses a required base-10 unsigned integer string.
func parseUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing amount")
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}

// parseOptionalUint256 parses an optional base-10 unsigned integer
// string, returning a zero value for an empty input.
func parseOptionalUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	return parseUint256(s)
}

// parseBigInt parses a required signed base-10 integer string.
func parseBigInt(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// parseURLOrderID parses a uint32 order id from a chi URL parameter.
func parseURLOrderID(r *http.Request, param string) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, param), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
