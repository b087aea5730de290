package cqrs

// ---------- User queries ----------

// GetUserQuery fetches a single user view by ID.
type GetUserQuery struct {
	UserID string
}

// ListPhoneNumbersQuery fetches a user's saved phone numbers.
type ListPhoneNumbersQuery struct {
	UserID string
}

// ---------- Ledger queries ----------

// GetBalanceQuery reads a balance from the ledger. Currency is optional.
type GetBalanceQuery struct {
	AccountReference string
	Currency         string
}

// ---------- Transaction queries ----------

// ListTransactionsQuery fetches one page of a user's transactions.
// Skip is a zero-based result offset.
type ListTransactionsQuery struct {
	UserID string
	Skip   int
}

// TransactionTotalsQuery aggregates a user's transactions.
type TransactionTotalsQuery struct {
	UserID  string
	Filters map[string]string
}
