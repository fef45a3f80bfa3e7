package app

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// vendorFile is the on-disk shape of STOCK_SALE_VENDORS_FILE.
type vendorFile struct {
	StockSaleVendors []string `yaml:"stock_sale_vendors"`
}

// StockSaleVendorNames merges STOCK_SALE_VENDORS with the optional YAML file.
// Blank names are dropped; case folding happens in buyplan.NewVendorSet.
func (c *Config) StockSaleVendorNames() ([]string, error) {
	names := make([]string, 0, len(c.StockSaleVendors))
	for _, name := range c.StockSaleVendors {
		if strings.TrimSpace(name) != "" {
			names = append(names, name)
		}
	}
	if c.StockSaleVendorsFile == "" {
		return names, nil
	}
	raw, err := os.ReadFile(c.StockSaleVendorsFile)
	if err != nil {
		return nil, fmt.Errorf("app: read stock sale vendors: %w", err)
	}
	fromFile, err := parseVendorFile(raw)
	if err != nil {
		return nil, err
	}
	return append(names, fromFile...), nil
}

func parseVendorFile(raw []byte) ([]string, error) {
	var file vendorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("app: parse stock sale vendors: %w", err)
	}
	names := make([]string, 0, len(file.StockSaleVendors))
	for _, name := range file.StockSaleVendors {
		if strings.TrimSpace(name) != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
