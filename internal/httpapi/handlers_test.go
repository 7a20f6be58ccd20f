package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/service"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path. The
// store is returned too so tests can inject faults behind the API.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, 0)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*"), repo
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    map[string]any  `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v (body: %s)", err, rec.Body.String())
	}
	return env
}

// doJSON issues a request through the full middleware chain with auth and
// CSRF headers attached.
func doJSON(t *testing.T, api *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	var resp domain.LoginResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access token, got %s", env.Data)
	}
	return resp.AccessToken
}

// findProduct looks up a seeded demo product by name.
func findProduct(t *testing.T, api *API, token, name string) domain.Product {
	t.Helper()

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list products: got %d (body: %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	var data struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	for _, p := range data.Products {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("product %q not seeded", name)
	return domain.Product{}
}

func saleRequest(productID string, qty int64) map[string]any {
	return map[string]any{
		"transaction_date": time.Now().UTC().Format("2006-01-02"),
		"payment_mode":     "immediate",
		"items": []map[string]any{
			{"product_id": productID, "name": "Kopi Susu", "qty": qty, "unit": "cup", "price": 10000},
		},
		"customer":    map[string]any{"name": "Budi"},
		"discount":    map[string]any{"value": 0},
		"tax_enabled": false,
		"tax_rate":    0,
	}
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("expected success envelope, got %s", rec.Body.String())
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "demo",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Fatalf("expected failure envelope, got %s", rec.Body.String())
	}
}

func TestSaleEndpointsRequireToken(t *testing.T) {
	api, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sale-transactions", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCreateSaleEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")
	product := findProduct(t, api, token, "Kopi Susu")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sale-transactions", token, saleRequest(product.ID, 2))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	var resp domain.CreateSaleResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	wantInvoice := fmt.Sprintf("INV-%d-0001", time.Now().UTC().Year())
	if resp.Order.InvoiceNumber != wantInvoice {
		t.Fatalf("expected invoice %s, got %s", wantInvoice, resp.Order.InvoiceNumber)
	}
	if resp.Order.Total != 20000 {
		t.Fatalf("expected total 20000, got %d", resp.Order.Total)
	}
	if resp.ItemsCount != 1 || resp.StockDeductedCount != 1 {
		t.Fatalf("unexpected counts: %+v", resp)
	}
}

func TestCreateSaleValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")

	body := saleRequest("", 1)
	body["items"] = []map[string]any{}

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sale-transactions", token, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Error == "" {
		t.Fatalf("expected failure envelope with message, got %s", rec.Body.String())
	}
}

func TestCreateSaleInsufficientStockMeta(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")
	product := findProduct(t, api, token, "Kopi Susu")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sale-transactions", token, saleRequest(product.ID, 5000))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	if env.Meta["kind"] != string(store.KindInsufficientStock) {
		t.Fatalf("expected insufficient-stock meta, got %v", env.Meta)
	}
	shortages, ok := env.Meta["shortages"].([]any)
	if !ok || len(shortages) != 1 {
		t.Fatalf("expected one shortage, got %v", env.Meta["shortages"])
	}
}

func TestAuthorizationDenialSurfacesRemediation(t *testing.T) {
	api, repo := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")
	product := findProduct(t, api, token, "Kopi Susu")

	repo.DenyTable(store.TableSaleOrders, store.AuthPolicy)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sale-transactions", token, saleRequest(product.ID, 1))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	if env.Meta["kind"] != string(store.KindAuthDenied) {
		t.Fatalf("expected authorization-denied meta, got %v", env.Meta)
	}
	if env.Meta["auth_kind"] != string(store.AuthPolicy) {
		t.Fatalf("expected policy auth kind, got %v", env.Meta["auth_kind"])
	}
	script, _ := env.Meta["recommended_remediation"].(string)
	if script == "" {
		t.Fatalf("expected a remediation script, got %v", env.Meta)
	}
}

func TestListAndDeleteSales(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")
	product := findProduct(t, api, token, "Kopi Susu")

	createRec := doJSON(t, api, http.MethodPost, "/api/v1/sale-transactions", token, saleRequest(product.ID, 3))
	if createRec.Code != http.StatusOK {
		t.Fatalf("create: got %d (body: %s)", createRec.Code, createRec.Body.String())
	}
	var created domain.CreateSaleResponse
	if err := json.Unmarshal(decodeEnvelope(t, createRec).Data, &created); err != nil {
		t.Fatalf("decode created sale: %v", err)
	}

	listRec := doJSON(t, api, http.MethodGet, "/api/v1/sale-transactions?payment_status=paid", token, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list: got %d (body: %s)", listRec.Code, listRec.Body.String())
	}
	var listData struct {
		Sales []domain.SaleOrder `json:"sales"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, listRec).Data, &listData); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listData.Sales) != 1 || listData.Sales[0].ID != created.Order.ID {
		t.Fatalf("expected the created sale in listing, got %+v", listData.Sales)
	}

	deleteRec := doJSON(t, api, http.MethodDelete, "/api/v1/sale-transactions", token, domain.DeleteSalesRequest{
		IDs: []string{created.Order.ID},
	})
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete: got %d (body: %s)", deleteRec.Code, deleteRec.Body.String())
	}
	var deleted domain.DeleteSalesResponse
	if err := json.Unmarshal(decodeEnvelope(t, deleteRec).Data, &deleted); err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if deleted.DeletedCount != 1 || deleted.StockRestoredCount != 1 {
		t.Fatalf("unexpected delete counts: %+v", deleted)
	}
}

func TestProductLifecycleEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")

	createRec := doJSON(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		Name:         "Es Teh",
		Unit:         "cup",
		Price:        5000,
		TrackStock:   true,
		InitialStock: 30,
	})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create product: got %d (body: %s)", createRec.Code, createRec.Body.String())
	}
	var createData struct {
		Product domain.Product `json:"product"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, createRec).Data, &createData); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	newPrice := int64(6000)
	patchRec := doJSON(t, api, http.MethodPatch, "/api/v1/products/"+createData.Product.ID, token, domain.ProductUpdateRequest{
		Price: &newPrice,
	})
	if patchRec.Code != http.StatusOK {
		t.Fatalf("patch product: got %d (body: %s)", patchRec.Code, patchRec.Body.String())
	}
	var patched struct {
		Product domain.Product `json:"product"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, patchRec).Data, &patched); err != nil {
		t.Fatalf("decode patched product: %v", err)
	}
	if patched.Product.Price != 6000 || patched.Product.Name != "Es Teh" {
		t.Fatalf("unexpected patched product: %+v", patched.Product)
	}

	missingRec := doJSON(t, api, http.MethodGet, "/api/v1/products/prd-nope", token, nil)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", missingRec.Code)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "demo", "demo123")

	createRec := doJSON(t, api, http.MethodPost, "/api/v1/ledger", token, domain.LedgerCreateRequest{
		EntryType: "expense",
		Amount:    75000,
		Category:  "supplies",
		Note:      "gas refill",
	})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create entry: got %d (body: %s)", createRec.Code, createRec.Body.String())
	}

	listRec := doJSON(t, api, http.MethodGet, "/api/v1/ledger?entry_type=expense", token, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list entries: got %d (body: %s)", listRec.Code, listRec.Body.String())
	}
	var listData struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, listRec).Data, &listData); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(listData.Entries) != 1 || listData.Entries[0].Amount != 75000 {
		t.Fatalf("unexpected entries: %+v", listData.Entries)
	}
}
