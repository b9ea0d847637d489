package grpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

const serviceName = "viralforge.referral.v1.ReferralSettlementInternalService"

type ReferralSettlementInternalService interface {
	ValidateReferral(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmPayout(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type InternalServer struct {
	service *application.Service
}

func NewInternalServer(service *application.Service) *InternalServer {
	return &InternalServer{service: service}
}

func Register(server grpc.ServiceRegistrar, svc ReferralSettlementInternalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*ReferralSettlementInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ValidateReferral", Handler: unaryHandler("ValidateReferral", svc.ValidateReferral)},
			{MethodName: "GetOrder", Handler: unaryHandler("GetOrder", svc.GetOrder)},
			{MethodName: "ConfirmPayout", Handler: unaryHandler("ConfirmPayout", svc.ConfirmPayout)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "mesh/contracts/proto/referral/v1/referral_settlement_internal.proto",
	}, svc)
}

// callerActor trusts the calling service name from metadata. Internal traffic is authenticated at the mesh.
func callerActor(ctx context.Context) application.Actor {
	actor := application.Actor{SubjectID: "internal", Role: "service"}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-caller-service"); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			actor.SubjectID = strings.TrimSpace(v[0])
		}
		if v := md.Get("x-request-id"); len(v) > 0 {
			actor.RequestID = v[0]
		}
	}
	return actor
}

func stringField(req *structpb.Struct, name string) string {
	if v := req.GetFields()[name]; v != nil {
		return strings.TrimSpace(v.GetStringValue())
	}
	return ""
}

func (s *InternalServer) ValidateReferral(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rid := stringField(req, "rid")
	if rid == "" {
		return nil, status.Error(codes.InvalidArgument, "missing rid")
	}
	res, err := s.service.ValidateReferral(ctx, callerActor(ctx), application.ValidateReferralInput{
		RID:               rid,
		UserID:            stringField(req, "user_id"),
		DeviceFingerprint: stringField(req, "device_fingerprint"),
		IP:                stringField(req, "ip"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"valid":          res.Valid,
		"attribution":    nil,
		"reason":         nil,
		"attributed_rid": res.AttributedRID,
	}
	if res.Valid {
		out["attribution"] = res.Attribution
	} else {
		out["reason"] = string(res.Reason)
	}
	return newStruct(out)
}

func (s *InternalServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(req, "order_id")
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing order_id")
	}
	order, err := s.service.GetOrder(ctx, callerActor(ctx), orderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"order_id":           order.OrderID,
		"user_id":            order.UserID,
		"status":             string(order.Status),
		"referral_id":        order.ReferralID,
		"payment_intent_ref": order.PaymentIntentRef,
		"total_cents":        float64(order.TotalCents),
		"currency":           order.Currency,
	})
}

func (s *InternalServer) ConfirmPayout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entry, err := s.service.ConfirmPayout(ctx, callerActor(ctx), stringField(req, "entry_id"), stringField(req, "payout_ref"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"entry_id":     entry.EntryID,
		"status":       string(entry.Status),
		"payout_ref":   entry.PayoutRef,
		"amount_cents": float64(entry.AmountCents),
		"currency":     entry.Currency,
	})
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func toStatus(err error) error {
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidEnvelope):
		return status.Error(codes.InvalidArgument, code)
	case errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, code)
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, code)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrProductNotFound):
		return status.Error(codes.NotFound, code)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return status.Error(codes.FailedPrecondition, code)
	default:
		return status.Error(codes.Internal, domain.CodeInternal)
	}
}

func unaryHandler(method string, call func(context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
