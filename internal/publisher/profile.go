package publisher

import (
	"fmt"
	"os"
	"time"

	"ecomsimply/internal/domain"

	"gopkg.in/yaml.v3"
)

// Profile captures the constraints and behaviour of one store type.
type Profile struct {
	MaxImages         int           `yaml:"max_images"`
	MaxAttributes     int           `yaml:"max_attributes"`
	MaxTitleLength    int           `yaml:"max_title_length"`
	RequiresInventory bool          `yaml:"requires_inventory"`
	SupportsVariants  bool          `yaml:"supports_variants"`
	MinLatency        time.Duration `yaml:"min_latency"`
	MaxLatency        time.Duration `yaml:"max_latency"`
	FailureRate       float64       `yaml:"failure_rate"`
	// Endpoint switches the store from the simulated client to REST.
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

func DefaultProfiles() map[domain.StoreType]Profile {
	ms := time.Millisecond
	return map[domain.StoreType]Profile{
		domain.StoreShopify:     {MaxImages: 10, MaxAttributes: 50, MaxTitleLength: 255, SupportsVariants: true, MinLatency: 100 * ms, MaxLatency: 400 * ms},
		domain.StoreWooCommerce: {MaxImages: 20, MaxAttributes: 40, MaxTitleLength: 200, SupportsVariants: true, MinLatency: 150 * ms, MaxLatency: 600 * ms},
		domain.StorePrestaShop:  {MaxImages: 15, MaxAttributes: 30, MaxTitleLength: 128, MinLatency: 200 * ms, MaxLatency: 700 * ms},
		domain.StoreMagento:     {MaxImages: 20, MaxAttributes: 60, MaxTitleLength: 255, SupportsVariants: true, MinLatency: 200 * ms, MaxLatency: 800 * ms},
		domain.StoreBigCommerce: {MaxImages: 20, MaxAttributes: 40, MaxTitleLength: 250, SupportsVariants: true, MinLatency: 100 * ms, MaxLatency: 500 * ms},
		domain.StoreWix:         {MaxImages: 15, MaxAttributes: 20, MaxTitleLength: 80, MinLatency: 150 * ms, MaxLatency: 500 * ms},
		domain.StoreSquarespace: {MaxImages: 10, MaxAttributes: 20, MaxTitleLength: 200, MinLatency: 150 * ms, MaxLatency: 500 * ms},
		domain.StoreAmazon:      {MaxImages: 9, MaxAttributes: 30, MaxTitleLength: 200, RequiresInventory: true, SupportsVariants: true, MinLatency: 300 * ms, MaxLatency: 1200 * ms},
	}
}

// LoadProfiles overlays the YAML file at path on the defaults. The file maps
// store type to profile; fields left out keep their default values.
func LoadProfiles(path string) (map[domain.StoreType]Profile, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read store profiles: %w", err)
	}
	return ParseProfiles(raw, profiles)
}

func ParseProfiles(raw []byte, base map[domain.StoreType]Profile) (map[domain.StoreType]Profile, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse store profiles: %w", err)
	}
	out := make(map[domain.StoreType]Profile, len(base))
	for k, v := range base {
		out[k] = v
	}
	for name, node := range doc {
		st := domain.StoreType(name)
		if !st.IsValid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStoreType, name)
		}
		p := out[st]
		if err := node.Decode(&p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", name, err)
		}
		if p.MaxLatency < p.MinLatency {
			p.MaxLatency = p.MinLatency
		}
		out[st] = p
	}
	return out, nil
}
