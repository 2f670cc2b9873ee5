package rpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/access"
	"github.com/iotaledger/gas-station/internal/config"
	"github.com/iotaledger/gas-station/internal/coordinator"
	"github.com/iotaledger/gas-station/internal/fullnode"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/reservation"
	"github.com/iotaledger/gas-station/internal/signer"
	"github.com/iotaledger/gas-station/internal/storage"
)

const testAuth = "test-secret"

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *signer.Local) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.SeedPool(pool.CoinRef{ObjectID: "c1", Version: 1, Digest: "d1", Balance: 1000})

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sg, err := signer.NewLocal(base64.StdEncoding.EncodeToString(priv))
	require.NoError(t, err)

	eng := reservation.New(store)
	ac := access.New(config.AccessControllerConfig{AccessPolicy: "allow-all"}, store)
	fn := fullnode.NewFake()
	coord := coordinator.New(eng, ac, fn, sg, nil)

	srv := New(testAuth, sg.Address(), eng, coord, store, nil, 0, false)
	return srv, store, sg
}

func TestServer_LivenessNoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReserveGasRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(reserveGasRequest{GasBudget: 100, ReserveDurationSecs: 60})
	req := httptest.NewRequest(http.MethodPost, "/v1/reserve_gas", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_ReserveAndExecute(t *testing.T) {
	srv, store, sg := newTestServer(t)

	reserveBody, _ := json.Marshal(reserveGasRequest{GasBudget: 1000, ReserveDurationSecs: 60})
	req := httptest.NewRequest(http.MethodPost, "/v1/reserve_gas", bytes.NewReader(reserveBody))
	req.Header.Set("Authorization", "Bearer "+testAuth)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var reserveResp reserveGasResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserveResp))
	require.NotNil(t, reserveResp.Result)
	assert.Equal(t, sg.Address(), reserveResp.Result.SponsorAddress)

	env := coordinator.Envelope{
		Sender:              "0xuser",
		GasOwner:            sg.Address(),
		GasBudget:           1000,
		GasPaymentObjectIDs: []string{reserveResp.Result.GasCoins[0].ObjectID},
	}
	envBytes, _ := json.Marshal(env)
	execBody, _ := json.Marshal(executeTxRequest{
		ReservationID: reserveResp.Result.ReservationID,
		TxBytes:       base64.StdEncoding.EncodeToString(envBytes),
		UserSig:       base64.StdEncoding.EncodeToString([]byte("sig")),
	})

	req2 := httptest.NewRequest(http.MethodPost, "/v1/execute_tx", bytes.NewReader(execBody))
	req2.Header.Set("Authorization", "Bearer "+testAuth)
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var execResp executeTxResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &execResp))
	require.NotNil(t, execResp.Effects)
	assert.Equal(t, "Finalized", execResp.Effects.State)
	assert.Nil(t, execResp.Error)

	avail, _, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail, "the change coin from the fake's default success effects returns to the pool")
}

func TestServer_StatusReportsPoolSize(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+testAuth)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.PoolSize)
}
