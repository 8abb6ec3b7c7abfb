package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/creditmeter/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const entryColumns = `id, trans_no, user_id, trans_type, credits, order_no, expired_at,
	description, balance_after, created_at`

const stateColumns = `user_id, subscription_credits, subscription_status, subscription_plan,
	subscription_product_id, subscription_credits_reset_date, subscription_expires_date,
	subscription_order_no, created_at, updated_at`

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *ledgerdomain.LedgerEntry) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TransNo,
		entry.UserID,
		entry.TransType,
		entry.Credits,
		entry.OrderNo,
		entry.ExpiredAt,
		entry.Description,
		entry.BalanceAfter,
		entry.CreatedAt,
	).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: %s", ledgerdomain.ErrDuplicateEntry, entry.TransNo)
	}
	return err
}

func (r *repo) ListValidEntries(ctx context.Context, db *gorm.DB, userID string, at time.Time) ([]ledgerdomain.LedgerEntry, error) {
	var items []ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		FROM credit_ledger_entries
		WHERE user_id = ? AND trans_type IN ?
		AND (expired_at IS NULL OR expired_at > ?)
		ORDER BY id ASC`,
		userID, ledgerdomain.OneTimeTransTypes, at,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumValidCredits(ctx context.Context, db *gorm.DB, userID string, at time.Time) (int64, error) {
	var row struct {
		Total int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits), 0) AS total
		FROM credit_ledger_entries
		WHERE user_id = ? AND trans_type IN ?
		AND (expired_at IS NULL OR expired_at > ?)`,
		userID, ledgerdomain.OneTimeTransTypes, at,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Total, nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, userID string, beforeID int64, limit int) ([]ledgerdomain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + entryColumns + ` FROM credit_ledger_entries WHERE user_id = ?`
	args := []any{userID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []ledgerdomain.LedgerEntry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListEntriesBetween(ctx context.Context, db *gorm.DB, userID string, from, to time.Time) ([]ledgerdomain.LedgerEntry, error) {
	var items []ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		FROM credit_ledger_entries
		WHERE user_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY id ASC`,
		userID, from, to,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindEntryByOrderNo(ctx context.Context, db *gorm.DB, orderNo string, transType ledgerdomain.TransType) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		FROM credit_ledger_entries
		WHERE order_no = ? AND trans_type = ?
		ORDER BY id ASC
		LIMIT 1`,
		orderNo, transType,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) FindFirstEntryByType(ctx context.Context, db *gorm.DB, userID string, transType ledgerdomain.TransType) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		FROM credit_ledger_entries
		WHERE user_id = ? AND trans_type = ?
		ORDER BY id ASC
		LIMIT 1`,
		userID, transType,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) FindState(ctx context.Context, db *gorm.DB, userID string) (*ledgerdomain.UserCredit, error) {
	var state ledgerdomain.UserCredit
	err := db.WithContext(ctx).Raw(
		`SELECT `+stateColumns+` FROM user_credits WHERE user_id = ?`,
		userID,
	).Scan(&state).Error
	if err != nil {
		return nil, err
	}
	if state.UserID == "" {
		return nil, nil
	}
	return &state, nil
}

// EnsureState inserts an inactive row for userID unless one exists. The
// dialector renders the conflict clause (ON CONFLICT DO NOTHING on postgres
// and sqlite, ON DUPLICATE KEY UPDATE on mysql).
func (r *repo) EnsureState(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	state := ledgerdomain.UserCredit{
		UserID:             userID,
		SubscriptionStatus: ledgerdomain.SubscriptionStatusInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&state).Error
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, userID string, update ledgerdomain.StateUpdate, now time.Time) error {
	if update.Empty() {
		return nil
	}

	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if update.SubscriptionCredits != nil {
		add("subscription_credits", *update.SubscriptionCredits)
	}
	if update.SubscriptionStatus != nil {
		add("subscription_status", *update.SubscriptionStatus)
	}
	if update.SubscriptionPlan != nil {
		add("subscription_plan", *update.SubscriptionPlan)
	}
	if update.SubscriptionProductID != nil {
		add("subscription_product_id", *update.SubscriptionProductID)
	}
	if update.SubscriptionCreditsResetDate != nil {
		add("subscription_credits_reset_date", *update.SubscriptionCreditsResetDate)
	}
	if update.SubscriptionExpiresDate != nil {
		add("subscription_expires_date", *update.SubscriptionExpiresDate)
	}
	if update.SubscriptionOrderNo != nil {
		add("subscription_order_no", *update.SubscriptionOrderNo)
	}
	add("updated_at", now)
	args = append(args, userID)

	result := db.WithContext(ctx).Exec(
		`UPDATE user_credits SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`,
		args...,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrStateNotFound
	}
	return nil
}

func (r *repo) DecrementSubscriptionCredits(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE user_credits
		SET subscription_credits = subscription_credits - ?, updated_at = ?
		WHERE user_id = ? AND subscription_credits >= ?`,
		amount, now, userID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListDueResets(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]ledgerdomain.UserCredit, error) {
	var items []ledgerdomain.UserCredit
	err := db.WithContext(ctx).Raw(
		`SELECT `+stateColumns+`
		FROM user_credits
		WHERE subscription_status IN ?
		AND subscription_credits_reset_date IS NOT NULL
		AND subscription_credits_reset_date <= ?
		AND subscription_expires_date > subscription_credits_reset_date
		ORDER BY subscription_credits_reset_date ASC
		LIMIT ?`,
		liveStatuses, at, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListElapsedTerms(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]ledgerdomain.UserCredit, error) {
	var items []ledgerdomain.UserCredit
	err := db.WithContext(ctx).Raw(
		`SELECT `+stateColumns+`
		FROM user_credits
		WHERE subscription_status IN ?
		AND subscription_expires_date IS NOT NULL
		AND subscription_expires_date <= ?
		ORDER BY subscription_expires_date ASC
		LIMIT ?`,
		liveStatuses, at, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

var liveStatuses = []ledgerdomain.SubscriptionStatus{
	ledgerdomain.SubscriptionStatusActive,
	ledgerdomain.SubscriptionStatusCancelled,
}
