package billing

// Plan is a subscription tier. Tiers are totally ordered: free < standard < pro.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// Rank returns the position of p in the tier order. Unknown values rank below free.
func (p Plan) Rank() int {
	switch p {
	case PlanFree:
		return 0
	case PlanStandard:
		return 1
	case PlanPro:
		return 2
	default:
		return -1
	}
}

func (p Plan) Valid() bool {
	return p.Rank() >= 0
}

// Paid reports whether p is a paying tier.
func (p Plan) Paid() bool {
	return p.Rank() > PlanFree.Rank()
}

// ParsePlan maps a tier hint (e.g. checkout metadata) to a Plan.
// The ok result is false for anything that is not an exact tier name.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(s)
	if p.Valid() {
		return p, true
	}
	return "", false
}

// Catalog maps Stripe price/product ids to plans. It is built once from
// configuration in cmd/api and passed in; nothing here reads the environment.
type Catalog struct {
	PriceStandard   string
	PricePro        string
	ProductStandard string
	ProductPro      string
}

// Resolve maps a Stripe price or product id to a plan tier.
//
// Unknown ids resolve to the lowest paid tier instead of failing: a paying
// customer must not lose access because the deployed catalog lags behind
// Stripe (new price ids, grandfathered plans).
func (c Catalog) Resolve(priceOrProductID string) Plan {
	if priceOrProductID != "" {
		switch priceOrProductID {
		case c.PricePro, c.ProductPro:
			return PlanPro
		case c.PriceStandard, c.ProductStandard:
			return PlanStandard
		}
	}
	return PlanStandard
}

// PriceForPlan returns the configured Stripe price id for a paid tier.
func (c Catalog) PriceForPlan(p Plan) (string, bool) {
	switch p {
	case PlanStandard:
		return c.PriceStandard, c.PriceStandard != ""
	case PlanPro:
		return c.PricePro, c.PricePro != ""
	default:
		return "", false
	}
}
