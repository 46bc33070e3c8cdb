package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/ap2-gateway/backend/validator"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSignCommand(t *testing.T) {
	out, err := run(t, "sign", "--agent", "SupplierAgent-Delhi-South", "--key", "po-456", "--amount", "1650.00", "--secret", "s3cret")
	require.NoError(t, err)
	want := validator.Sign("s3cret", "SupplierAgent-Delhi-South", "po-456", decimal.RequireFromString("1650"))
	assert.Equal(t, want, strings.TrimSpace(out))

	_, err = run(t, "sign", "--agent", "a", "--key", "k", "--amount", "lots", "--secret", "s")
	assert.Error(t, err)
}

func TestStatusAndRetryCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/status/tx-1":
			w.Write([]byte(`{"transaction_id":"tx-1","status":"completed"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/payments/tx-1/retry":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"Transaction is not eligible for retry","code":"RETRY_NOT_ALLOWED"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "status", "tx-1", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)

	out, err = run(t, "retry", "tx-1", "--addr", srv.URL)
	assert.Error(t, err)
	assert.Contains(t, out, "RETRY_NOT_ALLOWED")
}
