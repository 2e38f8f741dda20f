package domain

// StoreType identifies the storefront platform a store runs on.
type StoreType string

const (
	StoreShopify     StoreType = "shopify"
	StoreWooCommerce StoreType = "woocommerce"
	StorePrestaShop  StoreType = "prestashop"
	StoreMagento     StoreType = "magento"
	StoreBigCommerce StoreType = "bigcommerce"
	StoreWix         StoreType = "wix"
	StoreSquarespace StoreType = "squarespace"
	StoreAmazon      StoreType = "amazon"
)

// AllStoreTypes lists every supported platform.
func AllStoreTypes() []StoreType {
	return []StoreType{
		StoreShopify, StoreWooCommerce, StorePrestaShop, StoreMagento,
		StoreBigCommerce, StoreWix, StoreSquarespace, StoreAmazon,
	}
}

func (t StoreType) IsValid() bool {
	switch t {
	case StoreShopify, StoreWooCommerce, StorePrestaShop, StoreMagento,
		StoreBigCommerce, StoreWix, StoreSquarespace, StoreAmazon:
		return true
	default:
		return false
	}
}

func (t StoreType) String() string { return string(t) }

// DisplayName returns a human-readable platform name.
func (t StoreType) DisplayName() string {
	switch t {
	case StoreShopify:
		return "Shopify"
	case StoreWooCommerce:
		return "WooCommerce"
	case StorePrestaShop:
		return "PrestaShop"
	case StoreMagento:
		return "Magento"
	case StoreBigCommerce:
		return "BigCommerce"
	case StoreWix:
		return "Wix"
	case StoreSquarespace:
		return "Squarespace"
	case StoreAmazon:
		return "Amazon SP-API"
	default:
		return string(t)
	}
}

// Store is a configured publication target.
type Store struct {
	ID   string    `json:"store_id"`
	Type StoreType `json:"store_type"`
}
