package grpc

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

const (
	paymentChargeMethod   = "/viralforge.payment.v1.PaymentService/Charge"
	catalogProductMethod  = "/viralforge.catalog.v1.CatalogService/GetProduct"
	catalogVariantMethod  = "/viralforge.catalog.v1.CatalogService/GetVariant"
	cartGetMethod         = "/viralforge.cart.v1.CartService/GetCart"
	paymentStatusDeclined = "declined"
)

// Dial opens a client connection to a collaborator service.
func Dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func int64Field(s *structpb.Struct, name string) int64 {
	if v := s.GetFields()[name]; v != nil {
		return int64(v.GetNumberValue())
	}
	return 0
}

type PaymentClient struct {
	conn grpc.ClientConnInterface
}

func NewPaymentClient(conn grpc.ClientConnInterface) *PaymentClient { return &PaymentClient{conn: conn} }

func (c *PaymentClient) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	resp, err := invoke(ctx, c.conn, paymentChargeMethod, map[string]any{
		"payment_token_id": req.PaymentTokenID,
		"amount_cents":     float64(req.AmountCents),
		"currency":         req.Currency,
		"idempotency_key":  req.IdempotencyKey,
		"user_id":          req.UserID,
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
			return ports.ChargeResult{}, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, st.Message())
		}
		return ports.ChargeResult{}, err
	}
	if strings.EqualFold(stringField(resp, "status"), paymentStatusDeclined) {
		return ports.ChargeResult{}, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, stringField(resp, "decline_reason"))
	}
	ref := stringField(resp, "payment_intent_ref")
	if ref == "" {
		return ports.ChargeResult{}, fmt.Errorf("payment service returned no payment_intent_ref")
	}
	return ports.ChargeResult{PaymentIntentRef: ref}, nil
}

type CatalogClient struct {
	conn grpc.ClientConnInterface
}

func NewCatalogClient(conn grpc.ClientConnInterface) *CatalogClient { return &CatalogClient{conn: conn} }

func (c *CatalogClient) GetProduct(ctx context.Context, productID string) (ports.Product, error) {
	resp, err := invoke(ctx, c.conn, catalogProductMethod, map[string]any{"product_id": productID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ports.Product{}, domain.ErrProductNotFound
		}
		return ports.Product{}, err
	}
	return ports.Product{
		ProductID: productID,
		Title:     stringField(resp, "title"),
		Active:    resp.GetFields()["active"].GetBoolValue(),
	}, nil
}

func (c *CatalogClient) GetVariant(ctx context.Context, productID, variantID string) (ports.Variant, error) {
	resp, err := invoke(ctx, c.conn, catalogVariantMethod, map[string]any{"product_id": productID, "variant_id": variantID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ports.Variant{}, domain.ErrProductNotFound
		}
		return ports.Variant{}, err
	}
	return ports.Variant{
		ProductID:  productID,
		VariantID:  variantID,
		SKU:        stringField(resp, "sku"),
		PriceCents: int64Field(resp, "price_cents"),
		Currency:   stringField(resp, "currency"),
		Available:  int64Field(resp, "available"),
	}, nil
}

type CartClient struct {
	conn grpc.ClientConnInterface
}

func NewCartClient(conn grpc.ClientConnInterface) *CartClient { return &CartClient{conn: conn} }

func (c *CartClient) GetCart(ctx context.Context, cartID, userID string) (ports.CartSnapshot, error) {
	resp, err := invoke(ctx, c.conn, cartGetMethod, map[string]any{"cart_id": cartID, "user_id": userID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ports.CartSnapshot{}, domain.ErrNotFound
		}
		return ports.CartSnapshot{}, err
	}
	out := ports.CartSnapshot{CartID: cartID, UserID: stringField(resp, "user_id")}
	for _, v := range resp.GetFields()["items"].GetListValue().GetValues() {
		item := v.GetStructValue()
		out.Items = append(out.Items, ports.CartItem{
			ProductID: stringField(item, "product_id"),
			VariantID: stringField(item, "variant_id"),
			Quantity:  int(int64Field(item, "quantity")),
		})
	}
	return out, nil
}
