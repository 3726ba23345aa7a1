package bank

// RecipientKind discriminates the transfer recipient variants.
type RecipientKind string

const (
	RecipientInternalWithinOrg   RecipientKind = "InternalWithinOrg"
	RecipientInternalBetweenOrgs RecipientKind = "InternalBetweenOrgs"
	RecipientDomestic            RecipientKind = "Domestic"
)

// RecipientStatus is the registration status of a transfer recipient.
// A recipient in a non-Confirmed status cannot receive transfers until the
// owner corrects the registration.
type RecipientStatus string

const (
	RecipientConfirmed      RecipientStatus = "Confirmed"
	RecipientInvalidAccount RecipientStatus = "InvalidAccount"
	RecipientClosed         RecipientStatus = "Closed"
)

// Depository is the account class behind a domestic recipient.
type Depository string

const (
	DepositoryChecking Depository = "Checking"
	DepositorySavings  Depository = "Savings"
)

// PaymentNetwork is the rail a domestic transfer settles on.
type PaymentNetwork string

const (
	PaymentNetworkACH PaymentNetwork = "ACH"
)

// TransferRecipient is one entry in an account's recipient registry.
// Internal variants reference another account on the platform; the domestic
// variant carries external routing details for the transfer processor.
type TransferRecipient struct {
	ID     string          `json:"id"`
	Kind   RecipientKind   `json:"kind"`
	Status RecipientStatus `json:"status"`
	Name   string          `json:"name"`

	// Internal variants.
	AccountID string `json:"accountId,omitempty"`
	OrgID     string `json:"orgId,omitempty"`

	// Domestic variant.
	AccountNumber  string         `json:"accountNumber,omitempty"`
	RoutingNumber  string         `json:"routingNumber,omitempty"`
	Depository     Depository     `json:"depository,omitempty"`
	PaymentNetwork PaymentNetwork `json:"paymentNetwork,omitempty"`
}

// Internal reports whether the recipient is on the platform.
func (r TransferRecipient) Internal() bool {
	return r.Kind == RecipientInternalWithinOrg || r.Kind == RecipientInternalBetweenOrgs
}

// Transferable reports whether the recipient can currently receive money.
func (r TransferRecipient) Transferable() bool {
	return r.Status == RecipientConfirmed
}

// Party maps an internal recipient to a transfer party.
func (r TransferRecipient) Party() Party {
	return Party{AccountID: r.AccountID, OrgID: r.OrgID, Name: r.Name}
}
