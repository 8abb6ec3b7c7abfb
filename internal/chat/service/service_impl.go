package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	chatdomain "github.com/smallbiznis/creditmeter/internal/chat/domain"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	llmdomain "github.com/smallbiznis/creditmeter/internal/llm/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

const (
	outcomeRejected      = "rejected"
	outcomeCompleted     = "completed"
	outcomeFailed        = "failed"
	outcomeCancelled     = "cancelled"
	outcomeBillingFailed = "billing_failed"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       config.Config
	Repo         chatdomain.Repository
	LLM          llmdomain.Client
	Pricing      pricingdomain.Service
	Credit       creditdomain.Service
	Subscription subscriptiondomain.Service
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	llmCfg       config.LLMConfig
	billingCfg   config.BillingConfig
	repo         chatdomain.Repository
	llm          llmdomain.Client
	pricing      pricingdomain.Service
	credit       creditdomain.Service
	subscription subscriptiondomain.Service
	obsMetrics   *obsmetrics.Metrics
}

func New(p Params) chatdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("chat.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		llmCfg:       p.Config.LLM,
		billingCfg:   p.Config.Billing,
		repo:         p.Repo,
		llm:          p.LLM,
		pricing:      p.Pricing,
		credit:       p.Credit,
		subscription: p.Subscription,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) CreateSession(ctx context.Context, req chatdomain.CreateSessionRequest) (chatdomain.ChatSession, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return chatdomain.ChatSession{}, chatdomain.ErrInvalidUser
	}
	model := strings.TrimSpace(req.Model)
	if _, err := s.pricing.ModelPrice(model); err != nil {
		return chatdomain.ChatSession{}, err
	}

	now := s.clock.Now()
	session := chatdomain.ChatSession{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Title:     strings.TrimSpace(req.Title),
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertSession(ctx, s.db, &session); err != nil {
		s.log.Error("failed to create chat session", zap.String("user_id", userID), zap.Error(err))
		return chatdomain.ChatSession{}, creditdomain.Persistence(err)
	}
	return session, nil
}

func (s *Service) ListMessages(ctx context.Context, req chatdomain.ListMessagesRequest) (chatdomain.ListMessagesResponse, error) {
	session, err := s.loadSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return chatdomain.ListMessagesResponse{}, err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultMessagePageSize
	}
	pageSize = min(pageSize, maxMessagePageSize)

	var beforeID int64
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return chatdomain.ListMessagesResponse{}, chatdomain.ErrInvalidPageToken
		}
		beforeID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil || beforeID <= 0 {
			return chatdomain.ListMessagesResponse{}, chatdomain.ErrInvalidPageToken
		}
	}

	items, err := s.repo.ListMessagesBefore(ctx, s.db, session.ID, beforeID, pageSize+1)
	if err != nil {
		return chatdomain.ListMessagesResponse{}, creditdomain.Persistence(err)
	}

	ptrs := make([]*chatdomain.ChatMessage, 0, len(items))
	for i := range items {
		ptrs = append(ptrs, &items[i])
	}
	var encodeErr error
	pageInfo := pagination.BuildCursorPageInfo(ptrs, int32(pageSize), func(m *chatdomain.ChatMessage) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: m.ID.String()})
		if err != nil {
			encodeErr = err
		}
		return token
	})
	if encodeErr != nil {
		return chatdomain.ListMessagesResponse{}, encodeErr
	}

	if len(items) > pageSize {
		items = items[:pageSize]
	}
	slices.Reverse(items)
	resp := chatdomain.ListMessagesResponse{Messages: items, HasMore: pageInfo.HasMore}
	if pageInfo.HasMore {
		resp.NextPageToken = pageInfo.NextPageToken
	}
	return resp, nil
}

func (s *Service) loadSession(ctx context.Context, userID, sessionID string) (*chatdomain.ChatSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, chatdomain.ErrInvalidUser
	}
	id, err := snowflake.ParseString(strings.TrimSpace(sessionID))
	if err != nil || id <= 0 {
		return nil, chatdomain.ErrInvalidSession
	}
	session, err := s.repo.FindSession(ctx, s.db, userID, id)
	if err != nil {
		return nil, creditdomain.Persistence(err)
	}
	if session == nil {
		return nil, chatdomain.ErrSessionNotFound
	}
	return session, nil
}

// turn carries one generation from estimate to persisted history.
type turn struct {
	session   *chatdomain.ChatSession
	userID    string
	model     string
	prompt    string
	messages  []llmdomain.Message
	estimate  pricingdomain.Estimate
	startedAt time.Time

	response strings.Builder
	usage    *llmdomain.Usage
}

func (s *Service) Stream(ctx context.Context, req chatdomain.StreamRequest, sink chatdomain.EventSink) (chatdomain.StreamResult, error) {
	session, err := s.loadSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return chatdomain.StreamResult{}, err
	}
	prompt := strings.TrimSpace(req.Content)
	if prompt == "" {
		return chatdomain.StreamResult{}, chatdomain.ErrInvalidContent
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = session.Model
	}

	t := &turn{
		session:   session,
		userID:    session.UserID,
		model:     model,
		prompt:    prompt,
		startedAt: s.clock.Now(),
	}
	if err := s.buildPrompt(ctx, t); err != nil {
		return chatdomain.StreamResult{}, err
	}

	estimate, err := s.pricing.EstimateRequest(model, toPricingMessages(t.messages))
	if err != nil {
		return chatdomain.StreamResult{}, err
	}
	t.estimate = estimate
	result := chatdomain.StreamResult{EstimatedCredits: estimate.Credits}

	// Lazy reset so a user whose allotment is due is not rejected.
	if _, err := s.subscription.CheckAndResetSubscriptionCredits(ctx, t.userID); err != nil {
		s.log.Warn("lazy subscription reset failed", zap.String("user_id", t.userID), zap.Error(err))
	}
	balance, err := s.credit.GetBalance(ctx, t.userID)
	if err != nil {
		return chatdomain.StreamResult{}, err
	}
	if balance.Total() < estimate.Credits {
		result.State = chatdomain.StateRejected
		s.obsMetrics.RecordInsufficientCredits(ctx, "preflight")
		s.obsMetrics.RecordStreamOutcome(ctx, model, outcomeRejected)
		s.log.Info("chat turn rejected by preflight",
			zap.String("user_id", t.userID),
			zap.Int64("required", estimate.Credits),
			zap.Int64("available", balance.LeftCredits),
		)
		_ = sink.Send(chatdomain.InsufficientCreditsEvent("insufficient credits", estimate.Credits, balance.LeftCredits))
		return result, nil
	}

	outcome := s.relay(ctx, t, sink)
	if outcome != outcomeCompleted {
		result.State = chatdomain.StateFailed
		s.obsMetrics.RecordStreamOutcome(ctx, model, outcome)
		if outcome == outcomeFailed {
			_ = sink.Send(chatdomain.ErrorEvent{Type: chatdomain.EventTypeError, Message: "generation failed"})
		}
		s.persistTurn(ctx, t, 0, 0, 0, chatdomain.MessageStatusFailed, outcome)
		return result, nil
	}

	promptTokens, completionTokens := s.actualUsage(t)
	result.PromptTokens = promptTokens
	result.CompletionTokens = completionTokens
	result.UsageReported = t.usage != nil

	credits, state := s.settle(ctx, t, promptTokens, completionTokens, sink)
	result.State = state
	result.CreditsConsumed = credits

	status := chatdomain.MessageStatusCompleted
	outcome = outcomeCompleted
	if state == chatdomain.StateBillingFailed {
		status = chatdomain.MessageStatusBillingFailed
		outcome = outcomeBillingFailed
	} else {
		_ = sink.Send(chatdomain.CreditsUpdatedEvent{
			Type:             chatdomain.EventTypeCreditsUpdated,
			CreditsConsumed:  credits,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		})
	}
	s.obsMetrics.RecordStreamOutcome(ctx, model, outcome)
	s.persistTurn(ctx, t, promptTokens, completionTokens, credits, status, outcome)
	return result, nil
}

func (s *Service) buildPrompt(ctx context.Context, t *turn) error {
	history, err := s.repo.ListRecentMessages(ctx, s.db, t.session.ID, s.historyLimit())
	if err != nil {
		return creditdomain.Persistence(err)
	}

	messages := make([]llmdomain.Message, 0, len(history)+2)
	if prompt := strings.TrimSpace(s.llmCfg.SystemPrompt); prompt != "" {
		messages = append(messages, llmdomain.Message{Role: chatdomain.RoleSystem, Content: prompt})
	}
	for _, item := range history {
		if item.Status == chatdomain.MessageStatusFailed {
			continue
		}
		messages = append(messages, llmdomain.Message{Role: item.Role, Content: item.Content})
	}
	t.messages = append(messages, llmdomain.Message{Role: chatdomain.RoleUser, Content: t.prompt})
	return nil
}

// relay forwards deltas until the provider completes, fails, or the caller
// goes away. Nothing is charged on any outcome but completed.
func (s *Service) relay(ctx context.Context, t *turn, sink chatdomain.EventSink) string {
	stream, err := s.llm.StreamChat(ctx, llmdomain.ChatRequest{
		Model:       t.model,
		Messages:    t.messages,
		Temperature: s.llmCfg.Temperature,
		MaxTokens:   s.llmCfg.MaxTokens,
	})
	if err != nil {
		s.log.Warn("llm stream open failed", zap.String("user_id", t.userID), zap.String("model", t.model), zap.Error(err))
		return outcomeFailed
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			t.usage = stream.Usage()
			return outcomeCompleted
		}
		if err != nil {
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			s.log.Warn("llm stream failed", zap.String("user_id", t.userID), zap.String("model", t.model), zap.Error(err))
			return outcomeFailed
		}
		if chunk.Content == "" {
			continue
		}
		t.response.WriteString(chunk.Content)
		if err := sink.Send(chatdomain.ContentEvent{Content: chunk.Content}); err != nil {
			s.log.Info("caller went away mid-stream", zap.String("user_id", t.userID), zap.Error(err))
			return outcomeCancelled
		}
	}
}

// actualUsage prefers provider-reported counts and estimates the rest.
func (s *Service) actualUsage(t *turn) (int64, int64) {
	promptTokens := t.estimate.InputTokens
	completionTokens := s.pricing.EstimateTokens(t.response.String(), t.model)
	if t.usage != nil {
		if t.usage.PromptTokens > 0 {
			promptTokens = t.usage.PromptTokens
		}
		if t.usage.CompletionTokens > 0 {
			completionTokens = t.usage.CompletionTokens
		}
	}
	return promptTokens, completionTokens
}

func (s *Service) settle(ctx context.Context, t *turn, promptTokens, completionTokens int64, sink chatdomain.EventSink) (int64, chatdomain.State) {
	credits, err := s.pricing.CalculateCost(t.model, promptTokens, completionTokens)
	if err != nil {
		s.obsMetrics.RecordReconcileFailure(ctx, "pricing")
		s.log.Error("failed to price completed generation", zap.String("model", t.model), zap.Error(err))
		_ = sink.Send(chatdomain.ErrorEvent{Type: chatdomain.EventTypeError, Message: "billing could not be finalized"})
		return 0, chatdomain.StateBillingFailed
	}
	if credits == 0 {
		return 0, chatdomain.StateCompleted
	}

	req := creditdomain.DecreaseRequest{
		UserID:      t.userID,
		Amount:      credits,
		Description: "chat:" + t.session.ID.String() + ":" + t.model,
	}
	// The caller already has the content; the charge must not be lost on the
	// way out because the request context ended.
	billCtx := context.WithoutCancel(ctx)
	_, err = s.credit.DecreaseStrict(billCtx, req)
	if errors.Is(err, creditdomain.ErrInsufficientCredits) && s.billingCfg.ReconcileOverdraft {
		_, err = s.credit.DecreaseReconciling(billCtx, req)
	}
	if err == nil {
		return credits, chatdomain.StateCompleted
	}

	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		s.obsMetrics.RecordReconcileFailure(ctx, "insufficient_credits")
		s.log.Warn("post-stream charge rejected",
			zap.String("user_id", t.userID),
			zap.Int64("required", insufficient.Required),
			zap.Int64("available", insufficient.Available),
		)
		_ = sink.Send(chatdomain.InsufficientCreditsEvent("billing could not be finalized", insufficient.Required, insufficient.Available))
		return 0, chatdomain.StateBillingFailed
	}

	s.obsMetrics.RecordReconcileFailure(ctx, "persistence")
	s.log.Error("post-stream charge failed", zap.String("user_id", t.userID), zap.Int64("credits", credits), zap.Error(err))
	_ = sink.Send(chatdomain.ErrorEvent{Type: chatdomain.EventTypeError, Message: "billing could not be finalized"})
	return 0, chatdomain.StateBillingFailed
}

// persistTurn writes the user and assistant records and touches the session.
// Failures are logged; the charge, if any, already stands.
func (s *Service) persistTurn(ctx context.Context, t *turn, promptTokens, completionTokens, credits int64, status chatdomain.MessageStatus, outcome string) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	elapsed := now.Sub(t.startedAt).Milliseconds()
	metadata, _ := json.Marshal(map[string]any{
		"outcome":           outcome,
		"estimated_credits": t.estimate.Credits,
		"usage_reported":    t.usage != nil,
	})

	userMsg := chatdomain.ChatMessage{
		ID:          s.genID.Generate(),
		SessionID:   t.session.ID,
		UserID:      t.userID,
		Role:        chatdomain.RoleUser,
		MessageType: chatdomain.MessageTypeText,
		Content:     t.prompt,
		Model:       t.model,
		InputTokens: promptTokens,
		Status:      status,
		CreatedAt:   now,
	}
	assistantMsg := chatdomain.ChatMessage{
		ID:               s.genID.Generate(),
		SessionID:        t.session.ID,
		UserID:           t.userID,
		Role:             chatdomain.RoleAssistant,
		MessageType:      chatdomain.MessageTypeText,
		Content:          t.response.String(),
		Model:            t.model,
		OutputTokens:     completionTokens,
		ProcessingTimeMs: elapsed,
		CreditsConsumed:  credits,
		Status:           status,
		Metadata:         datatypes.JSON(metadata),
		CreatedAt:        now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertMessage(ctx, tx, &userMsg); err != nil {
			return err
		}
		if err := s.repo.InsertMessage(ctx, tx, &assistantMsg); err != nil {
			return err
		}
		return s.repo.TouchSession(ctx, tx, t.session.ID, now)
	})
	if err != nil {
		s.log.Error("failed to persist chat turn",
			zap.String("user_id", t.userID),
			zap.String("session_id", t.session.ID.String()),
			zap.Int64("credits", credits),
			zap.Error(err),
		)
	}
}

func (s *Service) historyLimit() int {
	if s.billingCfg.HistoryLimit <= 0 {
		return 20
	}
	return s.billingCfg.HistoryLimit
}

func toPricingMessages(messages []llmdomain.Message) []pricingdomain.Message {
	out := make([]pricingdomain.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, pricingdomain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
