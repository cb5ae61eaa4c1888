package plans

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan is a priced product that maps onto a tier
type Plan struct {
	ID              string `json:"id" yaml:"id"`
	Tier            Tier   `json:"tier" yaml:"tier"`
	Name            string `json:"name" yaml:"name"`
	PriceCents      int64  `json:"price_cents" yaml:"price_cents"`
	Currency        string `json:"currency" yaml:"currency"`
	ProviderPriceID string `json:"provider_price_id,omitempty" yaml:"provider_price_id"`
}

// IsFree reports whether the plan can be applied without a payment round-trip
func (p Plan) IsFree() bool {
	return p.PriceCents == 0
}

// Catalog holds the known plans. It is read-only after construction.
type Catalog struct {
	plans     map[string]Plan
	byPriceID map[string]string
	ordered   []Plan
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// NewCatalog builds a catalog from a list of plans
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:     make(map[string]Plan, len(plans)),
		byPriceID: make(map[string]string),
	}
	for _, p := range plans {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if _, exists := c.plans[p.ID]; exists {
			return nil, fmt.Errorf("duplicate plan id: %s", p.ID)
		}
		if p.PriceCents < 0 {
			return nil, fmt.Errorf("plan %s has a negative price", p.ID)
		}
		p.Tier = Normalize(p.Tier)
		if p.Currency == "" {
			p.Currency = "usd"
		}
		if p.ProviderPriceID != "" {
			if other, exists := c.byPriceID[p.ProviderPriceID]; exists {
				return nil, fmt.Errorf("provider price %s mapped by both %s and %s", p.ProviderPriceID, other, p.ID)
			}
			c.byPriceID[p.ProviderPriceID] = p.ID
		}
		c.plans[p.ID] = p
		c.ordered = append(c.ordered, p)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		return Rank(c.ordered[i].Tier) < Rank(c.ordered[j].Tier)
	})
	return c, nil
}

// DefaultCatalog returns the built-in monthly plans
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Plan{
		{ID: "plan_free", Tier: TierFree, Name: "Free", PriceCents: 0},
		{ID: "plan_starter", Tier: TierStarter, Name: "Starter", PriceCents: 2900, ProviderPriceID: "price_starter_monthly"},
		{ID: "plan_professional", Tier: TierProfessional, Name: "Professional", PriceCents: 9900, ProviderPriceID: "price_professional_monthly"},
		{ID: "plan_enterprise", Tier: TierEnterprise, Name: "Enterprise", PriceCents: 49900, ProviderPriceID: "price_enterprise_monthly"},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog reads a YAML plan catalog from disk
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML plan catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}
	return NewCatalog(f.Plans)
}

// Get returns a plan by id
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[strings.TrimSpace(id)]
	return p, ok
}

// ForTier returns the cheapest plan of a tier
func (c *Catalog) ForTier(tier Tier) (Plan, bool) {
	t := Normalize(tier)
	var (
		best  Plan
		found bool
	)
	for _, p := range c.ordered {
		if p.Tier != t {
			continue
		}
		if !found || p.PriceCents < best.PriceCents {
			best, found = p, true
		}
	}
	return best, found
}

// List returns the plans ordered by tier rank
func (c *Catalog) List() []Plan {
	out := make([]Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ResolvePrice maps a provider price to a plan. The explicit provider price
// id wins; the amount is only a fallback and must identify exactly one plan.
func (c *Catalog) ResolvePrice(priceID string, amountCents *int64) (Plan, bool) {
	if priceID != "" {
		if id, ok := c.byPriceID[priceID]; ok {
			return c.plans[id], true
		}
	}
	if amountCents == nil {
		return Plan{}, false
	}

	var (
		match Plan
		count int
	)
	for _, p := range c.ordered {
		if p.PriceCents == *amountCents {
			match = p
			count++
		}
	}
	if count != 1 {
		return Plan{}, false
	}
	return match, true
}
