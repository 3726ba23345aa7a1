// Package email is the outbound proxy for notification delivery. The
// engine queues tagged messages; rendering and delivery belong to the
// external mailer consuming the subject.
package email

import (
	"context"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Templates the engine queues. The mailer owns the rendering; the engine
// only promises the Data keys each template documents.
const (
	TemplateAccountOpened     = "account-opened"
	TemplateAccountClosed     = "account-closed"
	TemplateBillingStatement  = "billing-statement"
	TemplateTransferDeposited = "transfer-deposited"
	TemplatePurchaseDeclined  = "purchase-declined"
	TemplateEmployeeInvite    = "employee-invite"
)

// Sender queues one outbound email message.
type Sender interface {
	Send(ctx context.Context, msg bank.EmailMessage) error
}
