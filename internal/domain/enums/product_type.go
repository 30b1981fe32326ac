package enums

import "strings"

// ProductType tags one-time checkout sessions so the fulfillment dispatcher
// can route them. Subscriptions carry no tag; unknown tags are benign no-ops.
type ProductType string

const (
	ProductSubscription ProductType = "subscription"
	ProductEbook        ProductType = "ebook"
	ProductImageCredits ProductType = "image_credits"
)

func ProductTypeFromMetadata(md map[string]string) ProductType {
	if md == nil {
		return ProductSubscription
	}
	raw := strings.ToLower(strings.TrimSpace(md["product_type"]))
	if raw == "" {
		return ProductSubscription
	}
	return ProductType(raw)
}
