package server

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"turbotaai/apps/backend/internal/identity"
	"turbotaai/apps/backend/internal/testutil"
)

func signedCallback(t *testing.T, ref, amount, status string) []byte {
	t.Helper()
	mac := hmac.New(md5.New, []byte(testSecretKey))
	mac.Write([]byte(strings.Join([]string{testMerchant, ref, amount, "UAH", "", "", status, ""}, ";")))
	body, err := json.Marshal(map[string]any{
		"merchantAccount":   testMerchant,
		"orderReference":    ref,
		"merchantSignature": hex.EncodeToString(mac.Sum(nil)),
		"amount":            amount,
		"currency":          "UAH",
		"transactionStatus": status,
	})
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return body
}

func createOrder(t *testing.T, router *gin.Engine, token string, headers map[string]string) string {
	t.Helper()
	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/orders", token, nil, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	ref, _ := decodeJSONMap(t, rec)["order_reference"].(string)
	if !strings.HasPrefix(ref, "TA-") {
		t.Fatalf("unexpected order reference %q", ref)
	}
	return ref
}

func TestCreateBillingOrderReturnsSignedPurchase(t *testing.T) {
	store := testutil.NewMemoryStore()
	router := newTestRouter(t, store)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/orders", "", nil, deviceHeaders("device-"+testID()))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	purchase, ok := body["purchase"].(map[string]any)
	if !ok {
		t.Fatalf("expected purchase object, got %v", body)
	}
	if purchase["merchantAccount"] != testMerchant || purchase["amount"] != "499.00" || purchase["currency"] != "UAH" {
		t.Fatalf("unexpected purchase %v", purchase)
	}
	if sig, _ := purchase["merchantSignature"].(string); len(sig) != 32 {
		t.Fatalf("expected md5 hex signature, got %q", sig)
	}
	if names := decodeStringList(t, purchase["productName"]); len(names) != 1 || names[0] != baseTestConfig.ProductName {
		t.Fatalf("unexpected product names %v", names)
	}

	order, ok := store.Order(body["order_reference"].(string))
	if !ok || order.Status != "pending" {
		t.Fatalf("expected pending order in store, got %+v (found=%t)", order, ok)
	}
}

func TestBillingDisabledWithoutMerchant(t *testing.T) {
	cfg := newTestConfig()
	cfg.WayForPayMerchant = ""
	router := newTestRouterWithConfig(t, cfg, testutil.NewMemoryStore())

	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/orders", "", nil, deviceHeaders("device-a"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, "TA-x", "499.00", "Approved"), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 callback, got %d", rec.Code)
	}
}

func TestWayForPayCallbackExtendsOnce(t *testing.T) {
	store := testutil.NewMemoryStore()
	router := newTestRouter(t, store)
	deviceID := "device-" + testID()
	headers := deviceHeaders(deviceID)

	ref := createOrder(t, router, "", headers)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, ref, "499.00", "Approved"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	ack := decodeJSONMap(t, rec)
	if ack["orderReference"] != ref || ack["status"] != "accept" || ack["signature"] == "" {
		t.Fatalf("unexpected acknowledgement %v", ack)
	}

	grant, ok := store.Get(identity.HashDeviceID(deviceID))
	if !ok || grant.PaidUntil == nil {
		t.Fatalf("expected paid window on the device grant, got %+v", grant)
	}
	firstPaidUntil := *grant.PaidUntil

	rec = performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, ref, "499.00", "Approved"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected replay to be acknowledged, got %d", rec.Code)
	}
	grant, _ = store.Get(identity.HashDeviceID(deviceID))
	if !grant.PaidUntil.Equal(firstPaidUntil) {
		t.Fatalf("expected replay to keep paidUntil %s, got %s", firstPaidUntil, grant.PaidUntil)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/access/check", "", map[string]any{"consume": true}, headers)
	view := decodeGrant(t, decodeJSONMap(t, rec))
	if view["basis"] != "paid" || view["trialLeft"] != float64(5) {
		t.Fatalf("expected paid access without trial spend, got %v", view)
	}
}

func TestWayForPayCallbackRejections(t *testing.T) {
	store := testutil.NewMemoryStore()
	router := newTestRouter(t, store)
	ref := createOrder(t, router, "", deviceHeaders("device-"+testID()))

	tampered := signedCallback(t, ref, "499.00", "Declined")
	var payload map[string]any
	if err := json.Unmarshal(tampered, &payload); err != nil {
		t.Fatalf("decode callback: %v", err)
	}
	payload["transactionStatus"] = "Approved"
	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", payload, nil)
	if rec.Code != http.StatusBadRequest || responseDetail(t, rec) != "Invalid signature" {
		t.Fatalf("expected 400 invalid signature, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", []byte(`{"amount":`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, "TA-unknown", "499.00", "Approved"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, ref, "1.00", "Approved"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for amount mismatch, got %d", rec.Code)
	}
	if order, _ := store.Order(ref); order.Status != "pending" || order.AppliedAt != nil {
		t.Fatalf("expected order untouched after rejections, got %+v", order)
	}
}

func TestWayForPayDeclinedDoesNotExtend(t *testing.T) {
	store := testutil.NewMemoryStore()
	router := newTestRouter(t, store)
	deviceID := "device-" + testID()
	ref := createOrder(t, router, "", deviceHeaders(deviceID))

	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, ref, "499.00", "Declined"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected declined callback to be acknowledged, got %d", rec.Code)
	}
	if order, _ := store.Order(ref); order.Status != "failed" {
		t.Fatalf("expected failed order, got %s", order.Status)
	}
	if grant, ok := store.Get(identity.HashDeviceID(deviceID)); ok && grant.PaidUntil != nil {
		t.Fatalf("expected no paid window, got %+v", grant)
	}
}

func TestClaimMovesGuestPaymentToAccount(t *testing.T) {
	store := testutil.NewMemoryStore()
	router := newTestRouter(t, store)
	deviceID := "device-" + testID()
	headers := deviceHeaders(deviceID)
	userID := "user-" + testID()

	ref := createOrder(t, router, "", headers)
	rec := performRequest(t, router, http.MethodPost, "/api/v1/billing/wayforpay/callback", "", signedCallback(t, ref, "499.00", "Approved"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/claim", "", nil, headers)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for guest claim, got %d", rec.Code)
	}

	token := signToken(t, userID, nil)
	rec = performRequest(t, router, http.MethodPost, "/api/v1/claim", token, nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if refs := decodeStringList(t, body["orders"]); len(refs) != 1 || refs[0] != ref {
		t.Fatalf("expected claimed order %s, got %v", ref, refs)
	}
	if decodeGrant(t, body)["paidUntil"] == nil {
		t.Fatalf("expected account paidUntil after claim, got %v", body)
	}

	order, _ := store.Order(ref)
	if order.OwnerID == nil || *order.OwnerID != userID || order.IdentityKey != "account:"+userID {
		t.Fatalf("expected order owned by account, got %+v", order)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/claim", token, nil, headers)
	if body := decodeJSONMap(t, rec); body["claimed"] != float64(0) {
		t.Fatalf("expected nothing left to claim, got %v", body)
	}
}
