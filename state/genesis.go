package state

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/holiman/uint256"
)

// Genesis maps accounts to their initial balance, as decimal strings.
type Genesis map[Address]string

// ReadGenesis decodes a JSON object of address to balance.
func ReadGenesis(r io.Reader) (Genesis, error) {
	var g Genesis
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	return g, nil
}

// Apply writes every balance to dst in one batch. Accounts that already
// hold a balance are left untouched, so applying twice is harmless.
func (g Genesis) Apply(dst Access) (int, error) {
	addrs := make([]Address, 0, len(g))
	for a := range g {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, Address.Compare)

	var changes []Change
	for _, a := range addrs {
		balance, err := uint256.FromDecimal(g[a])
		if err != nil {
			return 0, fmt.Errorf("balance of %s: %w", a, err)
		}
		current, err := dst.Get(a, FieldBalance)
		if err != nil {
			return 0, err
		}
		if current != nil {
			continue
		}
		b := balance.Bytes32()
		changes = append(changes, Change{Key: Key{Address: a, Field: FieldBalance}, Value: b[:]})
	}
	return len(changes), Apply(dst, changes)
}
