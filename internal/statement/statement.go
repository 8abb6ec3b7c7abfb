package statement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypePDF  = "application/pdf"

	dateLayout = "2006-01-02 15:04"
)

var ErrInvalidRange = errors.New("invalid_statement_range")

type Service interface {
	ExportXLSX(ctx context.Context, req Request) ([]byte, error)
	RenderPDF(ctx context.Context, req Request) ([]byte, error)
}

// Request covers [From, To). Zero bounds default to the last 30 days.
type Request struct {
	UserID string
	From   time.Time
	To     time.Time
}

// Statement is the data both renderings share.
type Statement struct {
	UserID     string
	From       time.Time
	To         time.Time
	Entries    []ledgerdomain.LedgerEntry
	CreditsIn  int64
	CreditsOut int64
	Balance    creditdomain.Balance
	IssuedAt   time.Time
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Credit creditdomain.Service
}

type service struct {
	log    *zap.Logger
	clock  clock.Clock
	credit creditdomain.Service
}

func New(p Params) Service {
	return &service{
		log:    p.Log.Named("statement.service"),
		clock:  p.Clock,
		credit: p.Credit,
	}
}

func (s *service) ExportXLSX(ctx context.Context, req Request) ([]byte, error) {
	st, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := renderXLSX(st)
	if err != nil {
		s.log.Error("failed to render xlsx statement", zap.String("user_id", st.UserID), zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (s *service) RenderPDF(ctx context.Context, req Request) ([]byte, error) {
	st, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := renderPDF(st)
	if err != nil {
		s.log.Error("failed to render pdf statement", zap.String("user_id", st.UserID), zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (s *service) load(ctx context.Context, req Request) (Statement, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Statement{}, creditdomain.ErrInvalidUser
	}
	now := s.clock.Now()
	to := req.To
	if to.IsZero() {
		to = now
	}
	from := req.From
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if !from.Before(to) {
		return Statement{}, ErrInvalidRange
	}

	entries, err := s.credit.StatementEntries(ctx, userID, from, to)
	if err != nil {
		return Statement{}, err
	}
	balance, err := s.credit.GetBalance(ctx, userID)
	if err != nil {
		return Statement{}, err
	}

	st := Statement{
		UserID:   userID,
		From:     from,
		To:       to,
		Entries:  entries,
		Balance:  balance,
		IssuedAt: now,
	}
	for _, e := range entries {
		if e.Credits >= 0 {
			st.CreditsIn += e.Credits
		} else {
			st.CreditsOut += -e.Credits
		}
	}
	return st, nil
}

func expiry(e ledgerdomain.LedgerEntry) string {
	if e.ExpiredAt == nil {
		return ""
	}
	return e.ExpiredAt.UTC().Format(dateLayout)
}

func orderNo(e ledgerdomain.LedgerEntry) string {
	if e.OrderNo == nil {
		return ""
	}
	return *e.OrderNo
}
