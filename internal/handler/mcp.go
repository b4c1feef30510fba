// MCP transport handler using the official MCP Go SDK.
// Exposes cart operations as MCP tools.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"cartsync/internal/model"
	"cartsync/internal/session"
)

// === MCP Meta Types ===
// meta carries what the Cart-Client header carries over REST.

// MCPMeta represents request metadata in MCP requests.
type MCPMeta struct {
	ClientID string `json:"client-id" jsonschema:"cart session id (UUID) as announced in the Cart-Client header,required"`
}

// === MCP Tool Input Types ===

// GetCartInput is the input schema for get_cart, clear_cart and logout.
type GetCartInput struct {
	Meta MCPMeta `json:"meta" jsonschema:"request metadata,required"`
}

// VariantInput describes the selected variant of a product.
type VariantInput struct {
	ID        string `json:"id,omitempty" jsonschema:"variant ID"`
	Unit      string `json:"unit,omitempty" jsonschema:"unit of measure, identifies the variant when id is absent"`
	Name      string `json:"name,omitempty" jsonschema:"display name"`
	Price     string `json:"price,omitempty" jsonschema:"unit price as a decimal string"`
	Size      string `json:"size,omitempty" jsonschema:"size"`
	Packaging string `json:"packaging,omitempty" jsonschema:"packaging"`
}

// AddItemInput is the input schema for add_item.
type AddItemInput struct {
	Meta      MCPMeta      `json:"meta" jsonschema:"request metadata,required"`
	ProductID string       `json:"product_id" jsonschema:"product ID,required"`
	Variant   VariantInput `json:"variant" jsonschema:"selected variant,required"`
	Quantity  int          `json:"quantity" jsonschema:"units to add,required"`
}

// UpdateItemInput is the input schema for update_item_quantity.
type UpdateItemInput struct {
	Meta      MCPMeta `json:"meta" jsonschema:"request metadata,required"`
	ProductID string  `json:"product_id" jsonschema:"product ID,required"`
	VariantID string  `json:"variant_id" jsonschema:"variant ID as shown in the cart,required"`
	Quantity  int     `json:"quantity" jsonschema:"new quantity; 0 removes the line,required"`
}

// RemoveItemInput is the input schema for remove_item.
type RemoveItemInput struct {
	Meta      MCPMeta `json:"meta" jsonschema:"request metadata,required"`
	ProductID string  `json:"product_id" jsonschema:"product ID,required"`
	VariantID string  `json:"variant_id" jsonschema:"variant ID as shown in the cart,required"`
}

// LoginInput is the input schema for login.
type LoginInput struct {
	Meta  MCPMeta `json:"meta" jsonschema:"request metadata,required"`
	Token string  `json:"token" jsonschema:"backend access token,required"`
}

// NewMCPServer creates an MCP server with cart tools registered.
// The server exposes the same operations as the REST API but via MCP protocol.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "cartsync",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "Cart synchronization. Every tool takes meta.client-id naming the cart session. " +
				"Changes apply to the local cart at once and are confirmed against the store in the background.",
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cart",
		Description: "Get the current cart and whether the session is logged in.",
	}, h.mcpGetCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_item",
		Description: "Add units of a product variant. Adding a variant already in the cart sums the quantities.",
	}, h.mcpAddItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_item_quantity",
		Description: "Set the quantity of a cart line. 0 removes it.",
	}, h.mcpUpdateItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_item",
		Description: "Remove a line from the cart.",
	}, h.mcpRemoveItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_cart",
		Description: "Remove every line from the cart.",
	}, h.mcpClearCart)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "login",
		Description: "Log the session in and merge its guest cart into the user's cart.",
	}, h.mcpLogin)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "logout",
		Description: "Log the session out. The local cart is emptied; the user's stored cart is kept.",
	}, h.mcpLogout)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
// Mount this at /mcp on your mux.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)
}

// === Tool Handlers ===
// Outputs are typed any so that no output schema is derived from the
// decimal-valued views.

func (h *Handler) mcpGetCart(ctx context.Context, req *mcp.CallToolRequest, input GetCartInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}
	return nil, newCartView(s), nil
}

func (h *Handler) mcpAddItem(ctx context.Context, req *mcp.CallToolRequest, input AddItemInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}
	variant, err := input.Variant.toModel()
	if err != nil {
		return nil, nil, h.mcpError(err)
	}

	m, err := s.Coordinator().AddItem(ctx, input.ProductID, variant, input.Quantity)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	resp, _ := h.awaitMutation(ctx, s, m)
	return nil, resp, nil
}

func (h *Handler) mcpUpdateItem(ctx context.Context, req *mcp.CallToolRequest, input UpdateItemInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}

	key := model.Key{ProductID: input.ProductID, VariantID: input.VariantID}
	m, err := s.Coordinator().UpdateQuantity(ctx, key, input.Quantity)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	resp, _ := h.awaitMutation(ctx, s, m)
	return nil, resp, nil
}

func (h *Handler) mcpRemoveItem(ctx context.Context, req *mcp.CallToolRequest, input RemoveItemInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}

	key := model.Key{ProductID: input.ProductID, VariantID: input.VariantID}
	m, err := s.Coordinator().RemoveItem(ctx, key)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	resp, _ := h.awaitMutation(ctx, s, m)
	return nil, resp, nil
}

func (h *Handler) mcpClearCart(ctx context.Context, req *mcp.CallToolRequest, input GetCartInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}

	m, err := s.Coordinator().Clear(ctx)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	resp, _ := h.awaitMutation(ctx, s, m)
	return nil, resp, nil
}

func (h *Handler) mcpLogin(ctx context.Context, req *mcp.CallToolRequest, input LoginInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}
	if input.Token == "" {
		return nil, nil, fmt.Errorf("token is required")
	}

	result, err := s.Login(ctx, input.Token)
	var partial *model.PartialMergeError
	if err != nil && !errors.As(err, &partial) {
		return nil, nil, h.mcpError(err)
	}
	resp := LoginResponse{Cart: newCartView(s), Merge: newMergeView(result)}
	if partial != nil {
		resp.Error = &errorBody{Code: "PARTIAL_MERGE", Message: err.Error()}
	}
	return nil, resp, nil
}

func (h *Handler) mcpLogout(ctx context.Context, req *mcp.CallToolRequest, input GetCartInput) (*mcp.CallToolResult, any, error) {
	s, err := h.mcpSession(ctx, input.Meta)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Logout(ctx); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, newCartView(s), nil
}

// mcpSession resolves the session named by meta.client-id.
func (h *Handler) mcpSession(ctx context.Context, meta MCPMeta) (*session.Session, error) {
	id := strings.TrimSpace(meta.ClientID)
	if id == "" {
		return nil, fmt.Errorf("INVALID_CLIENT: meta.client-id is required in MCP requests")
	}
	s, err := h.registry.Get(ctx, id)
	if err != nil {
		return nil, h.mcpError(err)
	}
	return s, nil
}

// mcpError converts cart errors to MCP-friendly errors.
func (h *Handler) mcpError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	// Don't leak internal error details
	h.logger.Error("mcp internal error", "error", err.Error())
	return fmt.Errorf("internal error")
}

func (v VariantInput) toModel() (model.Variant, error) {
	variant := model.Variant{
		ID:        v.ID,
		Unit:      v.Unit,
		Name:      v.Name,
		Size:      v.Size,
		Packaging: v.Packaging,
	}
	if v.Price != "" {
		price, err := decimal.NewFromString(v.Price)
		if err != nil {
			return model.Variant{}, model.NewValidationError("variant.price", "must be a decimal number")
		}
		variant.Price = price
	}
	return variant, nil
}
