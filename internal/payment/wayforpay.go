// Package payment adapts WayForPay purchase requests and service callbacks to
// the access payment events.
package payment

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"turbotaai/apps/backend/internal/access"
)

var ErrInvalidSignature = errors.New("invalid wayforpay signature")

type WayForPay struct {
	MerchantAccount string
	SecretKey       string
	Domain          string
	Now             func() time.Time
}

func (w WayForPay) Enabled() bool {
	return strings.TrimSpace(w.MerchantAccount) != "" && strings.TrimSpace(w.SecretKey) != ""
}

// Purchase holds the fields a client posts to the WayForPay checkout page.
type Purchase struct {
	MerchantAccount    string   `json:"merchantAccount"`
	MerchantDomainName string   `json:"merchantDomainName"`
	OrderReference     string   `json:"orderReference"`
	OrderDate          int64    `json:"orderDate"`
	Amount             string   `json:"amount"`
	Currency           string   `json:"currency"`
	ProductName        []string `json:"productName"`
	ProductCount       []int    `json:"productCount"`
	ProductPrice       []string `json:"productPrice"`
	MerchantSignature  string   `json:"merchantSignature"`
}

func (w WayForPay) NewPurchase(order access.Order, productName string) Purchase {
	p := Purchase{
		MerchantAccount:    w.MerchantAccount,
		MerchantDomainName: w.Domain,
		OrderReference:     order.Reference,
		OrderDate:          w.now().Unix(),
		Amount:             order.Amount,
		Currency:           order.Currency,
		ProductName:        []string{productName},
		ProductCount:       []int{1},
		ProductPrice:       []string{order.Amount},
	}
	fields := []string{
		p.MerchantAccount,
		p.MerchantDomainName,
		p.OrderReference,
		strconv.FormatInt(p.OrderDate, 10),
		p.Amount,
		p.Currency,
	}
	fields = append(fields, p.ProductName...)
	for _, count := range p.ProductCount {
		fields = append(fields, strconv.Itoa(count))
	}
	fields = append(fields, p.ProductPrice...)
	p.MerchantSignature = w.sign(fields...)
	return p
}

// Callback is the service URL notification body. Amount arrives as a JSON
// number or string depending on the integration, so it is kept raw.
type Callback struct {
	MerchantAccount   string          `json:"merchantAccount"`
	OrderReference    string          `json:"orderReference"`
	MerchantSignature string          `json:"merchantSignature"`
	Amount            json.RawMessage `json:"amount"`
	Currency          string          `json:"currency"`
	AuthCode          string          `json:"authCode"`
	CardPan           string          `json:"cardPan"`
	TransactionStatus string          `json:"transactionStatus"`
	ReasonCode        json.RawMessage `json:"reasonCode"`
}

func ParseCallback(body []byte) (Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, fmt.Errorf("decode callback: %w", err)
	}
	if strings.TrimSpace(cb.OrderReference) == "" {
		return Callback{}, errors.New("callback is missing orderReference")
	}
	return cb, nil
}

// Verify checks the callback signature against the merchant secret.
func (w WayForPay) Verify(cb Callback) error {
	expected := w.sign(
		cb.MerchantAccount,
		cb.OrderReference,
		rawScalar(cb.Amount),
		cb.Currency,
		cb.AuthCode,
		cb.CardPan,
		cb.TransactionStatus,
		rawScalar(cb.ReasonCode),
	)
	got := strings.ToLower(strings.TrimSpace(cb.MerchantSignature))
	if !hmac.Equal([]byte(expected), []byte(got)) {
		return ErrInvalidSignature
	}
	if cb.MerchantAccount != w.MerchantAccount {
		return fmt.Errorf("%w: merchant account mismatch", ErrInvalidSignature)
	}
	return nil
}

func (cb Callback) Event() access.PaymentEvent {
	return access.PaymentEvent{
		OrderReference: strings.TrimSpace(cb.OrderReference),
		Status:         MapStatus(cb.TransactionStatus),
		Amount:         rawScalar(cb.Amount),
		Currency:       strings.TrimSpace(cb.Currency),
	}
}

// MapStatus translates a WayForPay transactionStatus to a payment status.
func MapStatus(transactionStatus string) access.PaymentStatus {
	switch strings.TrimSpace(transactionStatus) {
	case "Approved":
		return access.PaymentPaid
	case "InProcessing", "Pending", "WaitingAuthComplete":
		return access.PaymentProcessing
	default:
		return access.PaymentFailed
	}
}

// Acknowledgement is the signed reply WayForPay expects to stop retrying.
type Acknowledgement struct {
	OrderReference string `json:"orderReference"`
	Status         string `json:"status"`
	Time           int64  `json:"time"`
	Signature      string `json:"signature"`
}

func (w WayForPay) Acknowledge(orderReference string) Acknowledgement {
	ack := Acknowledgement{
		OrderReference: orderReference,
		Status:         "accept",
		Time:           w.now().Unix(),
	}
	ack.Signature = w.sign(ack.OrderReference, ack.Status, strconv.FormatInt(ack.Time, 10))
	return ack
}

func (w WayForPay) sign(fields ...string) string {
	mac := hmac.New(md5.New, []byte(w.SecretKey))
	mac.Write([]byte(strings.Join(fields, ";")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (w WayForPay) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func rawScalar(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(value); err == nil {
		return unquoted
	}
	return value
}
