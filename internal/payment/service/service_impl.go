package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditmeter/internal/payment/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultProvider = "default"

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            paymentdomain.Repository
	Pricing         pricingdomain.Service
	CreditSvc       creditdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            paymentdomain.Repository
	pricing         pricingdomain.Service
	creditSvc       creditdomain.Service
	subscriptionSvc subscriptiondomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		pricing:         p.Pricing,
		creditSvc:       p.CreditSvc,
		subscriptionSvc: p.SubscriptionSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Service) CreateOrder(ctx context.Context, req paymentdomain.CreateOrderRequest) (paymentdomain.Order, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return paymentdomain.Order{}, paymentdomain.ErrInvalidUser
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return paymentdomain.Order{}, paymentdomain.ErrInvalidProduct
	}
	product, err := s.pricing.Product(req.ProductID)
	if err != nil {
		return paymentdomain.Order{}, err
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return paymentdomain.Order{}, paymentdomain.ErrInvalidPayload
		}
		metadata = datatypes.JSON(raw)
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	order := paymentdomain.Order{
		ID:          id,
		OrderNo:     "ord_" + id.String(),
		UserID:      userID,
		ProductID:   product.ID,
		ProductKind: string(product.Kind),
		Credits:     product.Credits,
		ValidDays:   product.ValidDays,
		Amount:      product.Amount,
		Currency:    product.Currency,
		Status:      paymentdomain.OrderStatusPending,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertOrder(ctx, s.db, &order); err != nil {
		s.log.Error("failed to insert order", zap.String("user_id", userID), zap.Error(err))
		return paymentdomain.Order{}, creditdomain.Persistence(err)
	}

	s.log.Info("order created",
		zap.String("order_no", order.OrderNo),
		zap.String("user_id", userID),
		zap.String("product_id", product.ID),
	)
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderNo string) (paymentdomain.Order, error) {
	order, err := s.repo.FindOrderByNo(ctx, s.db, strings.TrimSpace(orderNo))
	if err != nil {
		return paymentdomain.Order{}, creditdomain.Persistence(err)
	}
	if order == nil || (userID != "" && order.UserID != userID) {
		return paymentdomain.Order{}, paymentdomain.ErrOrderNotFound
	}
	return *order, nil
}

func (s *Service) HandleSessionPaid(ctx context.Context, req paymentdomain.SessionPaidRequest) (paymentdomain.Order, error) {
	req.OrderNo = strings.TrimSpace(req.OrderNo)
	if req.OrderNo == "" {
		return paymentdomain.Order{}, paymentdomain.ErrInvalidOrder
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return paymentdomain.Order{}, paymentdomain.ErrInvalidPayload
	}
	paidAt := req.PaidAt.UTC()
	if req.PaidAt.IsZero() {
		paidAt = s.clock.Now()
	}

	event, replayed, err := s.recordEvent(ctx, req)
	if err != nil {
		return paymentdomain.Order{}, err
	}

	order, err := s.repo.FindOrderByNo(ctx, s.db, req.OrderNo)
	if err != nil {
		return paymentdomain.Order{}, creditdomain.Persistence(err)
	}
	if order == nil {
		return paymentdomain.Order{}, paymentdomain.ErrOrderNotFound
	}
	if replayed || order.Status == paymentdomain.OrderStatusPaid {
		s.log.Debug("payment already applied", zap.String("order_no", order.OrderNo))
		return *order, s.markProcessed(ctx, event)
	}

	if err := s.apply(ctx, *order, paidAt); err != nil {
		return paymentdomain.Order{}, err
	}

	if _, err := s.repo.MarkOrderPaid(ctx, s.db, order.OrderNo, paidAt); err != nil {
		s.log.Error("failed to mark order paid", zap.String("order_no", order.OrderNo), zap.Error(err))
		return paymentdomain.Order{}, creditdomain.Persistence(err)
	}
	if err := s.markProcessed(ctx, event); err != nil {
		return paymentdomain.Order{}, err
	}

	s.obsMetrics.RecordPaymentEvent(ctx, order.ProductKind, paymentdomain.EventTypeSessionPaid)
	s.log.Info("order paid",
		zap.String("order_no", order.OrderNo),
		zap.String("user_id", order.UserID),
		zap.String("product_kind", order.ProductKind),
	)

	order.Status = paymentdomain.OrderStatusPaid
	order.PaidAt = &paidAt
	return *order, nil
}

func (s *Service) apply(ctx context.Context, order paymentdomain.Order, paidAt time.Time) error {
	switch pricingdomain.ProductKind(order.ProductKind) {
	case pricingdomain.ProductKindSubscription:
		result, err := s.subscriptionSvc.SetupSubscriptionCredits(ctx, subscriptiondomain.SetupRequest{
			UserID:      order.UserID,
			ProductID:   order.ProductID,
			OrderNo:     order.OrderNo,
			PeriodStart: paidAt,
		})
		if err != nil {
			return err
		}
		if result.Applied {
			return nil
		}
		state, err := s.subscriptionSvc.GetState(ctx, order.UserID)
		if err != nil {
			return err
		}
		if state.OrderNo != nil && *state.OrderNo == order.OrderNo {
			return nil
		}
		// a second paid subscription order on a live term renews or changes plan
		_, err = s.subscriptionSvc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{
			UserID:      order.UserID,
			ProductID:   order.ProductID,
			OrderNo:     order.OrderNo,
			PeriodStart: paidAt,
		})
		return err

	case pricingdomain.ProductKindOneTime:
		var expiredAt *time.Time
		if order.ValidDays > 0 {
			at := paidAt.AddDate(0, 0, order.ValidDays)
			expiredAt = &at
		}
		orderNo := order.OrderNo
		_, err := s.creditSvc.Increase(ctx, creditdomain.IncreaseRequest{
			UserID:      order.UserID,
			Amount:      order.Credits,
			TransType:   ledgerdomain.TransTypeOrderPay,
			OrderNo:     &orderNo,
			ExpiredAt:   expiredAt,
			Description: fmt.Sprintf("Purchase %s", order.ProductID),
		})
		return err

	default:
		return paymentdomain.ErrUnsupportedKind
	}
}

func (s *Service) recordEvent(ctx context.Context, req paymentdomain.SessionPaidRequest) (*paymentdomain.EventRecord, bool, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return nil, false, nil
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = defaultProvider
	}

	record := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       paymentdomain.EventTypeSessionPaid,
		OrderNo:         req.OrderNo,
		ReceivedAt:      s.clock.Now(),
	}
	if len(req.Payload) > 0 {
		record.Payload = datatypes.JSON(req.Payload)
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return nil, false, creditdomain.Persistence(err)
	}
	if inserted {
		return &record, false, nil
	}

	stored, err := s.repo.FindEvent(ctx, s.db, provider, eventID)
	if err != nil {
		return nil, false, creditdomain.Persistence(err)
	}
	if stored == nil {
		return nil, false, errors.New("payment event vanished after conflict")
	}
	return stored, stored.ProcessedAt != nil, nil
}

func (s *Service) markProcessed(ctx context.Context, event *paymentdomain.EventRecord) error {
	if event == nil || event.ProcessedAt != nil {
		return nil
	}
	if err := s.repo.MarkProcessed(ctx, s.db, event.ID, s.clock.Now()); err != nil {
		return creditdomain.Persistence(err)
	}
	return nil
}
