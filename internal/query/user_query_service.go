package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/cqrs"
	"github.com/eaglebank/user-accounts/shared/models"
)

type UserViewReader interface {
	GetByID(ctx context.Context, id string) (*models.UserView, error)
}

type UserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

type BalanceReader interface {
	GetBalance(ctx context.Context, accountReference, currency string) (*models.Balance, error)
}

type TransactionReader interface {
	ListUserTransactions(ctx context.Context, userID string, page int) (*models.TransactionPage, error)
	GetUserTransactionTotal(ctx context.Context, userID string, filters map[string]string) (*models.TransactionTotals, error)
}

// UserQueryService answers account reads: user views from the Redis read
// model, balances from the ledger and transactions from PostgreSQL.
type UserQueryService struct {
	views        UserViewReader
	users        UserReader
	balances     BalanceReader
	transactions TransactionReader
}

func NewUserQueryService(views UserViewReader, users UserReader, balances BalanceReader, transactions TransactionReader) *UserQueryService {
	return &UserQueryService{
		views:        views,
		users:        users,
		balances:     balances,
		transactions: transactions,
	}
}

func (s *UserQueryService) GetUser(ctx context.Context, q cqrs.GetUserQuery) (*models.UserView, error) {
	return s.views.GetByID(ctx, q.UserID)
}

func (s *UserQueryService) ListPhoneNumbers(ctx context.Context, q cqrs.ListPhoneNumbersQuery) ([]models.PhoneNumber, error) {
	view, err := s.views.GetByID(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	return view.SavedPhoneNumbers, nil
}

// GetBalance reads a balance from the ledger. Every ledger failure other than
// a timeout surfaces as *apperr.UpstreamError.
func (s *UserQueryService) GetBalance(ctx context.Context, q cqrs.GetBalanceQuery) (*models.Balance, error) {
	balance, err := s.balances.GetBalance(ctx, q.AccountReference, q.Currency)
	if err != nil {
		var upstream *apperr.UpstreamError
		if errors.As(err, &upstream) || errors.Is(err, apperr.ErrUpstreamTimeout) {
			return nil, err
		}
		return nil, &apperr.UpstreamError{Err: err}
	}
	return balance, nil
}

// GetUserBalance resolves the user's ledger account and reads its balance.
func (s *UserQueryService) GetUserBalance(ctx context.Context, userID, currency string) (*models.Balance, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.GetBalance(ctx, cqrs.GetBalanceQuery{AccountReference: user.AccountReference, Currency: currency})
}

// GetTransactions returns the page containing offset q.Skip, each transaction
// joined with its partner. Partners are resolved in one batched lookup; a
// partner unknown locally is null.
func (s *UserQueryService) GetTransactions(ctx context.Context, q cqrs.ListTransactionsQuery) (*models.TransactionListView, error) {
	skip := q.Skip
	if skip < 0 {
		skip = 0
	}
	page, err := s.transactions.ListUserTransactions(ctx, q.UserID, skip/models.TransactionPageSize+1)
	if err != nil {
		return nil, err
	}

	partners := map[string]*models.PartnerView{}
	if ids := partnerIDs(page.Transactions); len(ids) > 0 {
		users, err := s.users.FindByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load transaction partners: %w", err)
		}
		for i := range users {
			partners[users[i].ID] = models.NewPartnerView(&users[i])
		}
	}

	result := &models.TransactionListView{
		Count:        page.Count,
		Transactions: make([]models.TransactionView, 0, len(page.Transactions)),
	}
	for _, tx := range page.Transactions {
		view := models.TransactionView{Transaction: tx}
		if tx.PartnerID != nil {
			view.Partner = partners[*tx.PartnerID]
		}
		result.Transactions = append(result.Transactions, view)
	}
	return result, nil
}

// GetTransactionsTotal totals a user's transactions. Currency defaults to
// XOF; any filter the caller supplies takes precedence.
func (s *UserQueryService) GetTransactionsTotal(ctx context.Context, q cqrs.TransactionTotalsQuery) (*models.TransactionTotals, error) {
	filters := map[string]string{"currency": models.DefaultCurrency}
	for k, v := range q.Filters {
		if v != "" {
			filters[k] = v
		}
	}
	return s.transactions.GetUserTransactionTotal(ctx, q.UserID, filters)
}

// partnerIDs returns the distinct non-null partner IDs in first-seen order.
func partnerIDs(txs []models.Transaction) []string {
	seen := map[string]bool{}
	var ids []string
	for _, tx := range txs {
		if tx.PartnerID == nil || seen[*tx.PartnerID] {
			continue
		}
		seen[*tx.PartnerID] = true
		ids = append(ids, *tx.PartnerID)
	}
	return ids
}
