// Package model holds the canonical cart types shared by every layer:
// identity keys, line items, cart snapshots, and the error taxonomy.
// Wire formats of remote backends are translated to these types at the
// gateway boundary and never leak past it.
package model

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Key is the identity of a purchasable unit: the same Key means the same line item.
// Comparable, so it can be used directly as a map key.
type Key struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
}

// String renders the key as productId:variantId.
func (k Key) String() string {
	return k.ProductID + ":" + k.VariantID
}

// IsZero reports whether the key has no product.
func (k Key) IsZero() bool {
	return k.ProductID == ""
}

// Variant is the snapshot of the selected variant captured when the item was chosen.
// Some backend calls need the whole object rather than its identifier.
type Variant struct {
	ID        string          `json:"id,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Size      string          `json:"size,omitempty"`
	Packaging string          `json:"packaging,omitempty"`
}

// LineItem is one entry of a cart.
type LineItem struct {
	ProductID string  `json:"productId" validate:"required"`
	VariantID string  `json:"variantId" validate:"required"`
	Variant   Variant `json:"variant"`
	Quantity  int     `json:"quantity" validate:"gt=0"`
}

// Key returns the identity key of the item.
func (li LineItem) Key() Key {
	return Key{ProductID: li.ProductID, VariantID: li.VariantID}
}

// Subtotal is price multiplied by quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Variant.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// CartState is an ordered snapshot of a cart. No two items share a Key.
type CartState struct {
	Items []LineItem `json:"items"`
}

// Len returns the number of distinct line items.
func (s CartState) Len() int {
	return len(s.Items)
}

// Find returns the item with the given key.
func (s CartState) Find(key Key) (LineItem, bool) {
	for _, item := range s.Items {
		if item.Key() == key {
			return item, true
		}
	}
	return LineItem{}, false
}

// TotalQuantity sums quantities across all items.
func (s CartState) TotalQuantity() int {
	total := 0
	for _, item := range s.Items {
		total += item.Quantity
	}
	return total
}

// Total sums item subtotals.
func (s CartState) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ResolveKey computes the identity key for a product and variant descriptor.
// The variant identifier is the explicit id when present, else the unit of measure.
// Fails with ErrUnresolvableIdentity when the product is empty or the variant has neither.
func ResolveKey(productID string, variant Variant) (Key, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Key{}, NewUnresolvableIdentityError("", "product id is required")
	}

	variantID := strings.TrimSpace(variant.ID)
	if variantID == "" {
		variantID = strings.TrimSpace(variant.Unit)
	}
	if variantID == "" {
		return Key{}, NewUnresolvableIdentityError(productID, "variant has neither id nor unit")
	}

	return Key{ProductID: productID, VariantID: variantID}, nil
}

// NewLineItem resolves the key and validates the quantity in one step.
func NewLineItem(productID string, variant Variant, quantity int) (LineItem, error) {
	key, err := ResolveKey(productID, variant)
	if err != nil {
		return LineItem{}, err
	}
	item := LineItem{
		ProductID: key.ProductID,
		VariantID: key.VariantID,
		Variant:   variant,
		Quantity:  quantity,
	}
	if err := Validate(item); err != nil {
		return LineItem{}, err
	}
	return item, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags on v and converts the first failure to a validation APIError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fe := validationErrors[0]
		return NewValidationError(lowerFirst(fe.Field()), "failed on rule: "+fe.Tag())
	}
	return NewValidationError("request", err.Error())
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
