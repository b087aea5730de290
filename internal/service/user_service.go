// Package service assembles the CQRS halves into the single AccountService
// the HTTP and event adapters talk to:
//   - internal/command  UserCommandService (writes + KYC event handling)
//   - internal/query    UserQueryService   (read model, ledger, transactions)
package service

import (
	"github.com/eaglebank/user-accounts/internal/command"
	"github.com/eaglebank/user-accounts/internal/query"
)

// AccountService exposes every account operation through one value.
type AccountService struct {
	*command.UserCommandService
	*query.UserQueryService
}

func NewAccountService(commands *command.UserCommandService, queries *query.UserQueryService) *AccountService {
	return &AccountService{UserCommandService: commands, UserQueryService: queries}
}
