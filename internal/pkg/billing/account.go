package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/billrecon/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// MetadataAccountID is the processor metadata key carrying the local account
// id, set when the checkout session was created.
const MetadataAccountID = "account_id"

// resolveAccount finds the account owning customerID. A customer seen for the
// first time is linked when the payload metadata names an account. A nil
// account with nil error means the customer is unknown.
func resolveAccount(ctx context.Context, repo Repository, customerID string, metadata map[string]string) (*models.BillingAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: missing customer reference", ErrPayload)
	}

	account, err := repo.FindAccountByCustomer(ctx, models.BillingProviderStripe, customerID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, transient(err)
	}

	raw := strings.TrimSpace(metadata[MetadataAccountID])
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: metadata %s=%q", ErrPayload, MetadataAccountID, raw)
	}

	account, err = repo.LinkCustomer(ctx, uint(id), models.BillingProviderStripe, customerID)
	if err != nil {
		if errors.Is(err, ErrAccountConflict) {
			return nil, fmt.Errorf("%w: customer %s, account %d", ErrAccountConflict, customerID, id)
		}
		return nil, transient(err)
	}
	log.Infof("[Billing] Linked customer %s to account %d", customerID, id)
	return account, nil
}
