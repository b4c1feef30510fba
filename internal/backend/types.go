package backend

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Wire types for the cart backend's JSON API.
// The backend is inconsistent about naming: products appear as "id" or
// "productId" (sometimes populated as an object), variants as "id" or "_id",
// and the variant discriminator in update/remove bodies is called "unit".

// looseID decodes an identifier that may arrive as a string, a number, or a
// populated document carrying "_id" or "id".
type looseID string

func (l *looseID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = looseID(s)
	case '{':
		var doc struct {
			ObjectID looseID `json:"_id"`
			ID       looseID `json:"id"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		*l = doc.ObjectID
		if *l == "" {
			*l = doc.ID
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*l = looseID(n.String())
	}
	return nil
}

type wireVariant struct {
	ID        looseID         `json:"id,omitempty"`
	ObjectID  looseID         `json:"_id,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Size      string          `json:"size,omitempty"`
	Packaging string          `json:"packaging,omitempty"`
}

type wireItem struct {
	ID              looseID      `json:"id,omitempty"`
	ProductID       looseID      `json:"productId,omitempty"`
	SelectedVariant *wireVariant `json:"selectedVariant,omitempty"`
	Quantity        int          `json:"quantity"`
}

// cartResponse is returned by getUserCart, addToCart and updateCartItem.
type cartResponse struct {
	CartItems []wireItem `json:"cartItems"`
}

type addRequest struct {
	ProductID       string      `json:"productId"`
	SelectedVariant wireVariant `json:"selectedVariant"`
	Quantity        int         `json:"quantity"`
}

type updateRequest struct {
	ProductID string `json:"productId"`
	Unit      string `json:"unit"`
	Quantity  int    `json:"quantity"`
}

type removeRequest struct {
	ProductID string `json:"productId"`
	Unit      string `json:"unit"`
}

type meResponse struct {
	User *wireUser `json:"user"`
}

type wireUser struct {
	ID       looseID `json:"id"`
	ObjectID looseID `json:"_id"`
	Name     string  `json:"name"`
	Email    string  `json:"email"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
