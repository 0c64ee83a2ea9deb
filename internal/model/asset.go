package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Known vault assets.
const (
	AssetUSDY = "usdy"
	AssetMETH = "meth"
)

// assetRegex matches lowercase asset symbols, e.g. "usdy" or "meth".
var assetRegex = regexp.MustCompile(`^[a-z][a-z0-9]{1,15}$`)

// addressRegex matches a 20-byte hex account or contract address.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var (
	ErrInvalidAsset = errors.New("model: invalid asset symbol")
	ErrInvalidUser  = errors.New("model: invalid user identity")
)

// ParseAsset normalizes and validates an asset symbol.
func ParseAsset(s string) (string, error) {
	asset := strings.ToLower(strings.TrimSpace(s))
	if !assetRegex.MatchString(asset) {
		return "", fmt.Errorf("%w: %q (expected 2-16 lowercase letters/digits)", ErrInvalidAsset, s)
	}
	return asset, nil
}

// ParseUser validates a user identity. Hex addresses are lowercased so the
// same account always maps to the same (user, asset) deposit.
func ParseUser(s string) (string, error) {
	user := strings.TrimSpace(s)
	if user == "" || len(user) > 128 || strings.ContainsAny(user, " \t\r\n/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUser, s)
	}
	if strings.HasPrefix(user, "0x") || strings.HasPrefix(user, "0X") {
		if !addressRegex.MatchString(user) {
			return "", fmt.Errorf("%w: malformed address %q", ErrInvalidUser, s)
		}
		return strings.ToLower(user), nil
	}
	return user, nil
}

// IsAddress reports whether s is a hex address.
func IsAddress(s string) bool {
	return addressRegex.MatchString(s)
}
