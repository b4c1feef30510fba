package backend

import (
	"log/slog"

	"cartsync/internal/gateway"
	"cartsync/internal/model"
)

// toLineItems converts wire items to canonical line items.
// Items without a resolvable identity or with a non-positive quantity
// are dropped and logged.
func toLineItems(items []wireItem, logger *slog.Logger) []model.LineItem {
	out := make([]model.LineItem, 0, len(items))
	for i, wi := range items {
		productID := string(wi.ProductID)
		if productID == "" {
			productID = string(wi.ID)
		}

		var variant model.Variant
		if wi.SelectedVariant != nil {
			variant = toVariant(*wi.SelectedVariant)
		}

		item, err := model.NewLineItem(productID, variant, wi.Quantity)
		if err != nil {
			logger.Warn("dropping backend cart item",
				"index", i,
				"product_id", productID,
				"error", err,
			)
			continue
		}
		out = append(out, item)
	}
	return out
}

func toVariant(wv wireVariant) model.Variant {
	id := string(wv.ID)
	if id == "" {
		id = string(wv.ObjectID)
	}
	return model.Variant{
		ID:        id,
		Unit:      wv.Unit,
		Name:      wv.Name,
		Price:     wv.Price,
		Size:      wv.Size,
		Packaging: wv.Packaging,
	}
}

// fromVariant renders the variant snapshot the way addToCart expects it.
func fromVariant(v model.Variant) wireVariant {
	return wireVariant{
		ID:        looseID(v.ID),
		Unit:      v.Unit,
		Name:      v.Name,
		Price:     v.Price,
		Size:      v.Size,
		Packaging: v.Packaging,
	}
}

func toUser(wu wireUser) *gateway.User {
	id := string(wu.ObjectID)
	if id == "" {
		id = string(wu.ID)
	}
	return &gateway.User{ID: id, Name: wu.Name, Email: wu.Email}
}
