package node

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbond/internal/bond"
	"greenbond/internal/chain"
	"greenbond/internal/ledger"
)

const (
	testGenesisMs int64 = 1_700_000_000_000
	testBond            = "green-1"
	testUSDC            = ledger.AssetID("usdc")
)

type testNode struct {
	chain *chain.Chain
	srv   *Server
	keys  map[string]string
	addrs map[string]chain.Address
}

func newTestNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	n := &testNode{keys: map[string]string{}, addrs: map[string]chain.Address{}}
	for _, role := range []string{"proposer", "issuer", "regulator", "verifier", "alice", "bob"} {
		_, priv, addr, err := chain.DeterministicKeypair("node-test-" + role)
		require.NoError(t, err)
		n.keys[role] = priv
		n.addrs[role] = addr
	}

	start := testGenesisMs / 1000
	c, err := chain.New(chain.Config{
		BlockInterval:      time.Second,
		GenesisTimestampMs: testGenesisMs,
		Proposer:           n.addrs["proposer"],
		FS:                 afero.NewMemMapFs(),
		GenesisAccounts: map[chain.Address]uint64{
			n.addrs["issuer"]:    1_000,
			n.addrs["regulator"]: 1_000,
			n.addrs["alice"]:     1_000,
			n.addrs["bob"]:       1_000,
		},
		GenesisAssets: []ledger.Asset{{
			ID:      testUSDC,
			Name:    "USD Coin",
			Total:   1 << 40,
			Creator: n.addrs["issuer"],
			Manager: n.addrs["issuer"],
		}},
		GenesisHoldings: []chain.GenesisHolding{{Address: n.addrs["alice"], Asset: testUSDC, Amount: 1 << 30}},
		GenesisBonds: []chain.GenesisBond{{
			ID:      testBond,
			Creator: n.addrs["issuer"],
			Terms: bond.Terms{
				Name:               "Green Bond",
				Issuer:             n.addrs["issuer"],
				FinancialRegulator: n.addrs["regulator"],
				GreenVerifier:      n.addrs["verifier"],
				Stablecoin:         testUSDC,
				StartBuyDate:       start,
				EndBuyDate:         start + 10,
				MaturityDate:       start + 20,
				Period:             5,
				BondLength:         2,
				BondCost:           50,
				BondCoupon:         5,
				BondPrincipal:      100,
				Supply:             1_000,
			},
		}},
	})
	require.NoError(t, err)
	n.chain = c
	n.srv = NewServer(c, cfg)
	return n
}

func (n *testNode) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res := httptest.NewRecorder()
	n.srv.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	n := newTestNode(t, Config{AdminToken: "secret"})

	res := n.do(t, http.MethodPost, "/admin/produce", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = n.do(t, http.MethodPost, "/admin/produce", nil, "X-Admin-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = n.do(t, http.MethodPost, "/admin/produce", nil, "X-Admin-Token", "secret")
	require.Equal(t, http.StatusOK, res.Code)
	block := decode[chain.Block](t, res)
	assert.Equal(t, uint64(1), block.Height)
	assert.Equal(t, uint64(1), n.chain.GetStatus().Height)
}

func TestAdminSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	var n *testNode
	n = newTestNode(t, Config{Snapshot: func() (string, error) {
		data, err := json.Marshal(n.chain.Snapshot())
		if err != nil {
			return "", err
		}
		return "/state.json", afero.WriteFile(fs, "/state.json", data, 0o644)
	}})

	res := n.do(t, http.MethodPost, "/admin/snapshot", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := decode[map[string]any](t, res)
	assert.Equal(t, "/state.json", body["location"])

	data, err := afero.ReadFile(fs, "/state.json")
	require.NoError(t, err)
	loaded, err := chain.LoadSnapshotBytes(data, chain.Config{})
	require.NoError(t, err)
	assert.Equal(t, n.chain.GetStatus().HeadHash, loaded.GetStatus().HeadHash)

	unconfigured := newTestNode(t, Config{})
	res = unconfigured.do(t, http.MethodPost, "/admin/snapshot", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestSigningEndpointsDisabledByDefault(t *testing.T) {
	n := newTestNode(t, Config{})

	res := n.do(t, http.MethodPost, "/wallets", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = n.do(t, http.MethodPost, "/tx/sign-and-submit", map[string]any{"privateKey": "x", "to": "y", "amount": 1})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = n.do(t, http.MethodPost, "/tx/sign", map[string]any{"privateKey": "x"})
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestHealthReadyAndMetricsEndpoints(t *testing.T) {
	n := newTestNode(t, Config{})

	assert.Equal(t, http.StatusOK, n.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, n.do(t, http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, n.do(t, http.MethodPost, "/healthz", nil).Code)

	res := n.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "greenbond_chain_height")
	assert.Contains(t, res.Body.String(), "greenbond_instruments 1")
	assert.Contains(t, res.Body.String(), "greenbond_http_requests_total")

	res = n.do(t, http.MethodGet, "/metrics.json", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 1, decode[chain.Metrics](t, res).InstrumentsCount)
}

func TestRequestIDHeader(t *testing.T) {
	n := newTestNode(t, Config{})

	res := n.do(t, http.MethodGet, "/status", nil)
	assert.Len(t, res.Header().Get("X-Request-ID"), 36)

	res = n.do(t, http.MethodGet, "/status", nil, "X-Request-ID", "trace-123")
	assert.Equal(t, "trace-123", res.Header().Get("X-Request-ID"))
}

func TestBondQueries(t *testing.T) {
	n := newTestNode(t, Config{})

	res := n.do(t, http.MethodGet, "/bonds", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode[[]bond.Instrument](t, res), 1)

	res = n.do(t, http.MethodGet, "/bonds/"+testBond, nil)
	require.Equal(t, http.StatusOK, res.Code)
	inst := decode[bond.Instrument](t, res)
	assert.Equal(t, n.addrs["issuer"], inst.Terms.Issuer)
	assert.True(t, inst.Global.Frozen)

	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/bonds/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/bonds/missing/status", nil).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/bonds/"+testBond+"/holders/"+string(n.addrs["alice"]), nil).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/bonds/"+testBond+"/coupons", nil).Code)

	res = n.do(t, http.MethodGet, "/bonds/"+testBond+"/status", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, bond.PhaseOffering, decode[bond.Status](t, res).Phase)

	res = n.do(t, http.MethodGet, "/bonds/"+testBond+"/default?claim=no", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	res = n.do(t, http.MethodGet, "/bonds/"+testBond+"/default?claim=yes", nil)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Body.String(), bond.ErrDefaultClaimMismatch.Error())
	res = n.do(t, http.MethodGet, "/bonds/"+testBond+"/default?claim=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = n.do(t, http.MethodGet, "/assets", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode[[]ledger.Asset](t, res), 2)
	assert.Equal(t, http.StatusOK, n.do(t, http.MethodGet, "/assets/usdc", nil).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/assets/eur", nil).Code)
}

func TestSignSubmitAndDuplicate(t *testing.T) {
	n := newTestNode(t, Config{AllowDevSigning: true})

	res := n.do(t, http.MethodPost, "/tx/sign-and-submit", map[string]any{
		"privateKey": n.keys["alice"],
		"kind":       "bond_opt_in",
		"bond":       testBond,
	})
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	submitted := decode[struct {
		Tx   chain.Transaction `json:"tx"`
		TxID string            `json:"txId"`
	}](t, res)
	assert.Equal(t, uint64(1), submitted.Tx.Nonce)

	res = n.do(t, http.MethodPost, "/tx", submitted.Tx)
	assert.Equal(t, http.StatusConflict, res.Code)

	res = n.do(t, http.MethodPost, "/tx?idempotent=true", submitted.Tx)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, chain.TxStatePending, decode[map[string]any](t, res)["state"])

	res = n.do(t, http.MethodGet, "/tx/pending?kind=bond_opt_in&withMeta=true", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, res)["total"])

	res = n.do(t, http.MethodGet, "/nonce/"+string(n.addrs["alice"]), nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, uint64(2), decode[map[string]uint64](t, res)["nextNonce"])

	_, err := n.chain.ProduceOnce()
	require.NoError(t, err)

	res = n.do(t, http.MethodGet, "/tx?id="+submitted.TxID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, chain.TxStateFinalized, decode[chain.TransactionLookup](t, res).State)

	res = n.do(t, http.MethodGet, "/bonds/"+testBond+"/holders/"+string(n.addrs["alice"]), nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, decode[bond.HolderState](t, res).Frozen)

	res = n.do(t, http.MethodGet, "/tx/finalized?bond="+testBond, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode[[]chain.TransactionLookup](t, res), 1)
}

func TestSubmitRejectsInvalidTransactions(t *testing.T) {
	n := newTestNode(t, Config{AllowDevSigning: true})

	res := n.do(t, http.MethodPost, "/tx/sign-and-submit", map[string]any{
		"privateKey": n.keys["alice"],
		"kind":       "bond_buy",
		"bond":       testBond,
		"amount":     1,
		"fee":        10,
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "frozen")

	res = n.do(t, http.MethodPost, "/tx", map[string]any{"unknownField": true})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/tx?id=deadbeef", nil).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/accounts/nobody", nil).Code)
	assert.Equal(t, http.StatusNotFound, n.do(t, http.MethodGet, "/nonce/nobody", nil).Code)
}
