package buyplan

import (
	"strings"

	"golang.org/x/text/cases"
)

// VendorSet is the configured set of vendors whose stock needs no external PO.
type VendorSet struct {
	names map[string]struct{}
}

// NewVendorSet builds a VendorSet from raw names. Blank names are ignored.
func NewVendorSet(names []string) VendorSet {
	set := VendorSet{names: make(map[string]struct{}, len(names))}
	for _, name := range names {
		key := normalizeVendor(name)
		if key == "" {
			continue
		}
		set.names[key] = struct{}{}
	}
	return set
}

// Contains reports whether name belongs to the set after trimming and case folding.
func (v VendorSet) Contains(name string) bool {
	key := normalizeVendor(name)
	if key == "" {
		return false
	}
	_, ok := v.names[key]
	return ok
}

// Len returns the number of distinct vendors.
func (v VendorSet) Len() int {
	return len(v.names)
}

// IsStockSale reports whether every line item's vendor is in the set. A plan
// without line items is never a stock sale.
func (v VendorSet) IsStockSale(items []LineItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !v.Contains(item.VendorName) {
			return false
		}
	}
	return true
}

func normalizeVendor(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
