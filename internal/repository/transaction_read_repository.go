package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/models"
	"github.com/lib/pq"
)

// TransactionReadRepository reads the transaction history projected into
// PostgreSQL by the ledger sync. It never writes.
type TransactionReadRepository struct {
	db *sql.DB
}

func NewTransactionReadRepository(db *sql.DB) *TransactionReadRepository {
	return &TransactionReadRepository{db: db}
}

// ListUserTransactions returns one page (1-based) of a user's transactions,
// newest first, with the total count across all pages.
func (r *TransactionReadRepository) ListUserTransactions(ctx context.Context, userID string, page int) (*models.TransactionPage, error) {
	if page < 1 {
		page = 1
	}

	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `
		SELECT id, user_id, partner_id, amount, currency, type, status, reference, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, models.TransactionPageSize, (page-1)*models.TransactionPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	result := &models.TransactionPage{Count: count, Transactions: []models.Transaction{}}
	for rows.Next() {
		var tx models.Transaction
		var partnerID, reference sql.NullString
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &partnerID, &tx.Amount, &tx.Currency,
			&tx.Type, &tx.Status, &reference, &tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if partnerID.Valid {
			tx.PartnerID = &partnerID.String
		}
		if reference.Valid {
			tx.Reference = reference.String
		}
		result.Transactions = append(result.Transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return result, nil
}

// GetUserTransactionTotal aggregates a user's transactions matching filters.
// Amount is credits minus debits.
func (r *TransactionReadRepository) GetUserTransactionTotal(ctx context.Context, userID string, filters map[string]string) (*models.TransactionTotals, error) {
	query, args, err := buildTotalsQuery(userID, filters)
	if err != nil {
		return nil, err
	}

	totals := &models.TransactionTotals{Currency: filters["currency"]}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&totals.Count, &totals.Credits, &totals.Debits); err != nil {
		return nil, fmt.Errorf("failed to total transactions: %w", err)
	}
	totals.Amount = totals.Credits - totals.Debits
	return totals, nil
}

// totalsFilterColumns lists the accepted filter keys in the order they are
// applied. Unknown keys are ignored.
var totalsFilterColumns = []struct {
	key    string
	clause string
}{
	{"currency", "currency = %s"},
	{"tx_type", "type = %s"},
	{"status", "status = ANY(%s)"},
	{"created__gt", "created_at > %s"},
	{"created__lt", "created_at < %s"},
}

func buildTotalsQuery(userID string, filters map[string]string) (string, []any, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}

	for _, col := range totalsFilterColumns {
		value, ok := filters[col.key]
		if !ok || value == "" {
			continue
		}
		var arg any = value
		switch col.key {
		case "status":
			arg = pq.Array(strings.Split(value, ","))
		case "created__gt", "created__lt":
			ts, err := parseFilterTime(value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s: %v", apperr.ErrInvalidFilter, col.key, err)
			}
			arg = ts
		}
		args = append(args, arg)
		where = append(where, fmt.Sprintf(col.clause, fmt.Sprintf("$%d", len(args))))
	}

	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN type = 'credit' THEN amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = 'debit' THEN amount ELSE 0 END), 0)
		FROM transactions WHERE ` + strings.Join(where, " AND ")
	return query, args, nil
}

func parseFilterTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", value)
}
