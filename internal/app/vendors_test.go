package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVendorFileDropsBlankNames(t *testing.T) {
	names, err := parseVendorFile([]byte("stock_sale_vendors:\n  - Acme Stock\n  - \"  \"\n  - House Inventory\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"Acme Stock", "House Inventory"}, names)
}

func TestParseVendorFileRejectsMalformedYAML(t *testing.T) {
	_, err := parseVendorFile([]byte("stock_sale_vendors: [unterminated"))
	require.Error(t, err)
}

func TestStockSaleVendorNamesMergesEnvAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stock_sale_vendors:\n  - House Inventory\n"), 0o600))

	cfg := &Config{StockSaleVendors: []string{"Acme Stock", ""}, StockSaleVendorsFile: path}
	names, err := cfg.StockSaleVendorNames()
	require.NoError(t, err)
	require.Equal(t, []string{"Acme Stock", "House Inventory"}, names)
}

func TestStockSaleVendorNamesMissingFile(t *testing.T) {
	cfg := &Config{StockSaleVendorsFile: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err := cfg.StockSaleVendorNames()
	require.Error(t, err)
}
