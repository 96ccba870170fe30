package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/shopspring/decimal"
)

// Result codes with a known meaning.
const (
	ResultSuccess         = "0"
	ResultInsufficient    = "1"
	ResultCancelledByUser = "1032"
	ResultUnreachable     = "1037"
	ResultExpired         = "1019"
	ResultPushFailed      = "1025"
	ResultSubscriberBusy  = "1001"
	ResultSystemError     = "9999"
	ResultWrongPIN        = "2001"
)

// transientCodes are failures where the payer never saw or could not answer
// the prompt. Cancellation, wrong PIN and insufficient funds are decisions.
var transientCodes = map[string]bool{
	ResultUnreachable:    true,
	ResultExpired:        true,
	ResultPushFailed:     true,
	ResultSubscriberBusy: true,
	ResultSystemError:    true,
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// ParseCallback decodes an STK push result notification.
func ParseCallback(body []byte) (gateway.Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env stkCallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return gateway.Callback{}, gateway.Malformed("malformed stk callback", err)
	}
	stk := env.Body.StkCallback
	if stk == nil || stk.CheckoutRequestID == "" || stk.ResultCode.String() == "" {
		return gateway.Callback{}, gateway.Malformed("malformed stk callback", errors.New("missing stkCallback fields"))
	}

	cb := gateway.Callback{
		Provider:      payment.ProviderMobileMoney,
		CorrelationID: stk.CheckoutRequestID,
		Details: map[string]any{
			"merchantRequestId": stk.MerchantRequestID,
			"checkoutRequestId": stk.CheckoutRequestID,
			"resultCode":        stk.ResultCode.String(),
			"resultDesc":        gateway.SanitizeMessage(stk.ResultDesc),
		},
	}
	applyResult(&cb, stk.ResultCode.String(), stk.ResultDesc)

	if stk.CallbackMetadata != nil {
		for _, it := range stk.CallbackMetadata.Item {
			v := scalar(it.Value)
			switch it.Name {
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = v
				cb.Details["receiptNumber"] = v
			case "TransactionDate":
				if t, ok := parseTransactionDate(v); ok {
					cb.SettledAt = t
				}
			case "Amount":
				if d, err := decimal.NewFromString(v); err == nil {
					cb.Amount = &d
					cb.Details["amount"] = d.String()
				}
			}
		}
	}
	return cb, nil
}

func applyResult(cb *gateway.Callback, code, desc string) {
	cb.ResultCode = code
	cb.ResultDesc = gateway.SanitizeMessage(desc)
	if code == ResultSuccess {
		cb.Result = gateway.ResultSucceeded
		return
	}
	cb.Result = gateway.ResultFailed
	cb.Transient = transientCodes[code]
	if cb.ResultDesc == "" {
		cb.ResultDesc = "payment failed with result code " + code
	}
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
