// Package mpesa drives the M-Pesa Express (STK push) protocol.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL          string
	ConsumerKey      string
	ConsumerSecret   string
	ShortCode        string
	Passkey          string
	CallbackURL      string
	AccountReference string
	Timeout          time.Duration
}

type Adapter struct {
	cfg    Config
	client *gateway.Client
	tokens *TokenSource
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Adapter, error) {
	client, err := gateway.NewClient("mpesa", cfg.BaseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		tokens: NewTokenSource(client, cfg.ConsumerKey, cfg.ConsumerSecret),
		logger: logger.Named("mpesa"),
		now:    time.Now,
	}, nil
}

func (a *Adapter) Provider() payment.Provider { return payment.ProviderMobileMoney }

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	errorBody
}

type errorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// WholeShillings converts to the gateway's unit. STK push charges whole
// shillings only, so a fractional amount is refused rather than rounded: the
// ledger must record exactly what the payer is charged.
func WholeShillings(amount decimal.Decimal) (int64, error) {
	if !amount.Equal(amount.Truncate(0)) {
		return 0, apperr.Validation("mobile money amounts must be whole shillings")
	}
	n := amount.IntPart()
	if n < 1 {
		return 0, apperr.Validation("amount must be at least 1 KES")
	}
	return n, nil
}

// Submit validates locally, then asks the gateway to prompt the payer's phone.
func (a *Adapter) Submit(ctx context.Context, req gateway.SubmitRequest) (gateway.SubmitResult, error) {
	phone, err := NormalizePhone(req.PayerReference)
	if err != nil {
		return gateway.SubmitResult{}, err
	}
	amount, err := WholeShillings(req.Amount)
	if err != nil {
		return gateway.SubmitResult{}, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	ts := Timestamp(a.now())
	ref := a.cfg.AccountReference
	if ref == "" {
		ref = req.OrderID
	}
	desc := req.Description
	if desc == "" {
		desc = "Order " + req.OrderID
	}
	body := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          Password(a.cfg.ShortCode, a.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            msisdn(phone),
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       msisdn(phone),
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  truncate(ref, 12),
		TransactionDesc:   truncate(desc, 13),
	}

	var out stkPushResponse
	status, err := a.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", body, &out)
	if err != nil {
		return gateway.SubmitResult{}, err
	}

	if status != http.StatusOK || out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		msg := out.ErrorMessage
		if msg == "" {
			msg = out.ResponseDescription
		}
		cause := fmt.Errorf("stk push status %d code %q: %s", status, out.ErrorCode+out.ResponseCode, gateway.SanitizeMessage(msg))
		if status >= 500 {
			return gateway.SubmitResult{}, gateway.Unavailable("mobile money gateway error", cause)
		}
		return gateway.SubmitResult{}, gateway.Rejected(rejectionMessage(msg), cause)
	}

	a.logger.Debug("stk push accepted",
		zap.String("transaction_id", req.TransactionID),
		zap.String("checkout_request_id", out.CheckoutRequestID),
	)
	return gateway.SubmitResult{
		CorrelationID: out.CheckoutRequestID,
		MerchantRef:   out.MerchantRequestID,
		Message:       out.CustomerMessage,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	errorBody
}

// stillProcessing is returned by the query API while the payer has not answered.
const stillProcessing = "500.001.1001"

// QueryStatus asks the gateway for the outcome of a checkout request. The
// query API carries no receipt number; a success found this way completes
// the transaction without one.
func (a *Adapter) QueryStatus(ctx context.Context, checkoutRequestID string) (gateway.Callback, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	ts := Timestamp(a.now())
	var out stkQueryResponse
	status, err := a.postJSON(ctx, "/mpesa/stkpushquery/v1/query", stkQueryRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          Password(a.cfg.ShortCode, a.cfg.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}, &out)
	if err != nil {
		return gateway.Callback{}, err
	}

	cb := gateway.Callback{
		Provider:      payment.ProviderMobileMoney,
		CorrelationID: checkoutRequestID,
		Details: map[string]any{
			"source":     "stk_query",
			"resultCode": out.ResultCode,
			"resultDesc": gateway.SanitizeMessage(out.ResultDesc),
		},
	}
	switch {
	case out.ErrorCode == stillProcessing:
		cb.Result = gateway.ResultPending
		return cb, nil
	case status >= 500:
		return gateway.Callback{}, gateway.Unavailable("mobile money gateway error", fmt.Errorf("stk query status %d", status))
	case status != http.StatusOK || out.ResultCode == "":
		return gateway.Callback{}, gateway.Rejected("status query rejected", fmt.Errorf("stk query status %d: %s", status, gateway.SanitizeMessage(out.ErrorMessage)))
	}

	applyResult(&cb, out.ResultCode, out.ResultDesc)
	return cb, nil
}

func (a *Adapter) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	tok, err := a.tokens.TokenContext(ctx)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+tok.AccessToken)

	status, body, err := a.client.Call(ctx, http.MethodPost, path, "", bytes.NewReader(payload), h)
	if err != nil {
		return 0, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil && status < 500 {
			return status, gateway.Unavailable("mobile money gateway returned an unreadable response", err)
		}
	}
	return status, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Timeout)
}

func rejectionMessage(gatewayMsg string) string {
	if m := gateway.SanitizeMessage(gatewayMsg); m != "" {
		return "mobile money request rejected: " + m
	}
	return "mobile money request rejected"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
