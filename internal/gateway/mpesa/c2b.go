package mpesa

import (
	"encoding/json"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
)

// Accept is the fixed handshake reply for C2B validation and confirmation.
type Accept struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var Accepted = Accept{ResultCode: 0, ResultDesc: "Accepted"}

// C2BNotification is a paybill deposit made directly by the customer.
type C2BNotification struct {
	TransactionType   string      `json:"TransactionType"`
	TransID           string      `json:"TransID"`
	TransTime         string      `json:"TransTime"`
	TransAmount       json.Number `json:"TransAmount"`
	BusinessShortCode string      `json:"BusinessShortCode"`
	BillRefNumber     string      `json:"BillRefNumber"`
	MSISDN            string      `json:"MSISDN"`
}

// AuditDetails returns the notification with the payer number masked.
func (n C2BNotification) AuditDetails() map[string]any {
	return map[string]any{
		"transactionType": n.TransactionType,
		"transId":         n.TransID,
		"transTime":       n.TransTime,
		"amount":          n.TransAmount.String(),
		"shortCode":       n.BusinessShortCode,
		"billRef":         gateway.SanitizeMessage(n.BillRefNumber),
		"msisdn":          gateway.SanitizeMessage(n.MSISDN),
	}
}
