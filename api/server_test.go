package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"vaultkeeper/crypto"
	"vaultkeeper/native/exitqueue"
	"vaultkeeper/native/oracle"
	"vaultkeeper/native/rewards"
	"vaultkeeper/native/vault"
	"vaultkeeper/payloads"
	"vaultkeeper/registry"
	"vaultkeeper/state"
	"vaultkeeper/storage"
)

const testNow = 1_000_000

type testStack struct {
	server    *Server
	handler   http.Handler
	oracle    *oracle.Engine
	registry  *registry.Registry
	attestors []*crypto.PrivateKey
	vault     [20]byte
	vaultAddr string
}

func newTestStack(t *testing.T, authSecret string) *testStack {
	t.Helper()
	store := state.NewKeeperStore(storage.NewMemDB())
	reg := registry.New(2)

	attestors := make([]*crypto.PrivateKey, 3)
	for i := range attestors {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		attestors[i] = key
		reg.AddAttestor(key.PubKey().RawAddress())
	}
	sort.Slice(attestors, func(i, j int) bool {
		a := attestors[i].PubKey().RawAddress()
		b := attestors[j].PubKey().RawAddress()
		return bytes.Compare(a[:], b[:]) < 0
	})

	vaultKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	vaultRaw := vaultKey.PubKey().RawAddress()
	reg.AddVault(vaultRaw)

	oracleEng, err := oracle.NewEngine(store, reg, 1)
	if err != nil {
		t.Fatalf("oracle engine: %v", err)
	}
	oracleEng.SetNowFunc(func() int64 { return testNow })

	harvester, err := rewards.NewEngine(store, oracleEng)
	if err != nil {
		t.Fatalf("harvester: %v", err)
	}
	factory := func(v [20]byte) (*exitqueue.Engine, error) {
		return exitqueue.NewEngine(v, store.QueueState(v))
	}
	vaultEng, err := vault.NewEngine(reg, harvester, store, factory, nil)
	if err != nil {
		t.Fatalf("vault engine: %v", err)
	}

	server := NewServer(Config{
		Oracle:     oracleEng,
		Vaults:     vaultEng,
		Payloads:   payloads.NewStore(storage.NewMemDB()),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		AuthSecret: authSecret,
	})
	return &testStack{
		server:    server,
		handler:   server.Handler(),
		oracle:    oracleEng,
		registry:  reg,
		attestors: attestors,
		vault:     vaultRaw,
		vaultAddr: crypto.NewAddress(crypto.VaultPrefix, vaultRaw[:]).String(),
	}
}

func (s *testStack) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := make(map[string]any)
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// submitSnapshot drives an attested root through the oracle endpoint.
func (s *testStack) submitSnapshot(t *testing.T, root [32]byte, timestamp uint64, payload string) *httptest.ResponseRecorder {
	t.Helper()
	digest := crypto.SnapshotDigest(root, timestamp, s.oracle.Nonce()+1)
	sigs := make([]string, 0, 2)
	for _, key := range s.attestors[:2] {
		sig, err := key.Sign(digest[:])
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		sigs = append(sigs, hex.EncodeToString(sig))
	}
	caller := crypto.NewAddress(crypto.AttestorPrefix, make([]byte, 20)).String()
	return s.do(t, http.MethodPost, "/v1/oracle/snapshot", submitSnapshotRequest{
		Caller:     caller,
		Root:       hex.EncodeToString(root[:]),
		Timestamp:  timestamp,
		Payload:    payload,
		Signatures: sigs,
	}, "")
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t, "")
	rec := s.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestOracleStateEmpty(t *testing.T) {
	s := newTestStack(t, "")
	rec := s.do(t, http.MethodGet, "/v1/oracle/state", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["nonce"].(float64) != 0 {
		t.Fatalf("expected nonce 0, got %v", body["nonce"])
	}
	if body["canUpdate"] != true {
		t.Fatal("fresh oracle must be updatable")
	}
}

func TestSubmitSnapshotEndpoint(t *testing.T) {
	s := newTestStack(t, "")
	root := [32]byte{0xab}
	rec := s.submitSnapshot(t, root, testNow-100, `{"epoch":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["nonce"].(float64) != 1 {
		t.Fatalf("expected nonce 1, got %v", body["nonce"])
	}
	if body["payloadHash"].(string) == hex.EncodeToString(make([]byte, 32)) {
		t.Fatal("payload hash must be populated when a payload is supplied")
	}
	if s.oracle.CurrentRoot() != root {
		t.Fatal("root not installed")
	}
}

func TestSubmitSnapshotTooEarlyMapsTo425(t *testing.T) {
	s := newTestStack(t, "")
	if rec := s.submitSnapshot(t, [32]byte{1}, testNow-100, ""); rec.Code != http.StatusOK {
		t.Fatalf("first submit: %d", rec.Code)
	}
	// Same timestamp again: inside the delay window relative to the
	// accepted update.
	rec := s.submitSnapshot(t, [32]byte{2}, testNow-100, "")
	if rec.Code != http.StatusTooEarly {
		t.Fatalf("expected 425, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitSnapshotBadSignaturesMapTo400(t *testing.T) {
	s := newTestStack(t, "")
	caller := crypto.NewAddress(crypto.AttestorPrefix, make([]byte, 20)).String()
	rec := s.do(t, http.MethodPost, "/v1/oracle/snapshot", submitSnapshotRequest{
		Caller:     caller,
		Root:       hex.EncodeToString(bytes.Repeat([]byte{1}, 32)),
		Timestamp:  testNow - 100,
		Signatures: nil,
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	s := newTestStack(t, "")
	ownerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ownerRaw := ownerKey.PubKey().RawAddress()
	owner := crypto.NewAddress(crypto.VaultPrefix, ownerRaw[:]).String()

	// Enter the queue.
	rec := s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/enter", enterRequest{
		Owner:  owner,
		Amount: "60",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("enter: %d: %s", rec.Code, rec.Body.String())
	}
	ticket := decodeBody(t, rec)["ticket"].(string)
	if ticket != "0" {
		t.Fatalf("expected ticket 0, got %s", ticket)
	}

	// Attest a cumulative reward covering the queue and update the vault.
	leaf := rewards.HarvestLeaf(s.vault, big.NewInt(60), nil)
	if rec := s.submitSnapshot(t, leaf, testNow-100, ""); rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/update", updateStateRequest{
		CumulativeReward: "60",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d: %s", rec.Code, rec.Body.String())
	}
	update := decodeBody(t, rec)
	if update["sharesResolved"] != "60" {
		t.Fatalf("expected 60 shares resolved, got %v", update["sharesResolved"])
	}

	// Totals and checkpoint views.
	rec = s.do(t, http.MethodGet, "/v1/vaults/"+s.vaultAddr+"/queue/totals", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("totals: %d", rec.Code)
	}
	totals := decodeBody(t, rec)
	if totals["unclaimedAssets"] != "60" {
		t.Fatalf("expected 60 unclaimed assets, got %v", totals["unclaimedAssets"])
	}
	rec = s.do(t, http.MethodGet, "/v1/vaults/"+s.vaultAddr+"/queue/checkpoints/0", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("checkpoint: %d", rec.Code)
	}

	// Position lookup resolves the claimable index.
	rec = s.do(t, http.MethodGet, "/v1/vaults/"+s.vaultAddr+"/queue/position?owner="+owner+"&ticket=0", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("position: %d: %s", rec.Code, rec.Body.String())
	}
	pos := decodeBody(t, rec)
	if pos["checkpointIndex"] != "0" {
		t.Fatalf("expected checkpoint index 0, got %v", pos["checkpointIndex"])
	}

	// Claim without an explicit index falls back to the located one.
	rec = s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/claim", claimRequest{
		Owner:  owner,
		Ticket: "0",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: %d: %s", rec.Code, rec.Body.String())
	}
	claim := decodeBody(t, rec)
	if claim["amountPaid"] != "60" {
		t.Fatalf("expected 60 paid, got %v", claim["amountPaid"])
	}
	if _, ok := claim["successorTicket"]; ok {
		t.Fatal("full claim must not mint a successor")
	}

	// Every settled claim leaves a content-addressed receipt behind a
	// batch record.
	batchID, ok := claim["settlementBatch"].(string)
	if !ok || batchID == "" {
		t.Fatalf("expected settlement batch id, got %v", claim["settlementBatch"])
	}
	receiptHash, _ := claim["receiptHash"].(string)
	rec = s.do(t, http.MethodGet, "/v1/settlements/"+batchID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("settlement: %d: %s", rec.Code, rec.Body.String())
	}
	settlement := decodeBody(t, rec)
	hashes, _ := settlement["payloadHashes"].([]any)
	if len(hashes) != 1 || hashes[0] != receiptHash {
		t.Fatalf("expected batch to reference receipt %s, got %v", receiptHash, settlement["payloadHashes"])
	}
	if createdAt, _ := settlement["createdAt"].(float64); createdAt <= 0 {
		t.Fatalf("expected batch creation time, got %v", settlement["createdAt"])
	}
	rec = s.do(t, http.MethodGet, "/v1/payloads/"+receiptHash, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("payload: %d: %s", rec.Code, rec.Body.String())
	}
	var receipt map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt["amountPaid"] != "60" || receipt["owner"] != owner {
		t.Fatalf("unexpected receipt contents: %v", receipt)
	}

	// The settled position is gone.
	rec = s.do(t, http.MethodGet, "/v1/vaults/"+s.vaultAddr+"/queue/position?owner="+owner+"&ticket=0", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for settled position, got %d", rec.Code)
	}
}

func TestClaimBeforeProcessingMapsTo409(t *testing.T) {
	s := newTestStack(t, "")
	ownerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ownerRaw := ownerKey.PubKey().RawAddress()
	owner := crypto.NewAddress(crypto.VaultPrefix, ownerRaw[:]).String()

	rec := s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/enter", enterRequest{
		Owner:  owner,
		Amount: "60",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("enter: %d: %s", rec.Code, rec.Body.String())
	}

	// No checkpoint covers the ticket yet: claiming without an explicit
	// index reports the request as not processed.
	rec = s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/claim", claimRequest{
		Owner:  owner,
		Ticket: "0",
	}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unprocessed claim, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnregisteredVaultMapsTo403(t *testing.T) {
	s := newTestStack(t, "")
	outsider := crypto.NewAddress(crypto.VaultPrefix, bytes.Repeat([]byte{9}, 20)).String()
	rec := s.do(t, http.MethodPost, "/v1/vaults/"+outsider+"/queue/enter", enterRequest{
		Owner:  outsider,
		Amount: "10",
	}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	secret := "test-secret"
	s := newTestStack(t, secret)

	rec := s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/enter", enterRequest{
		Owner:  s.vaultAddr,
		Amount: "10",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/enter", enterRequest{
		Owner:  s.vaultAddr,
		Amount: "10",
	}, "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = s.do(t, http.MethodPost, "/v1/vaults/"+s.vaultAddr+"/queue/enter", enterRequest{
		Owner:  s.vaultAddr,
		Amount: "10",
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}

	// Read routes stay open.
	rec = s.do(t, http.MethodGet, "/v1/oracle/state", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read route must not require auth, got %d", rec.Code)
	}
}

func TestVaultRewardView(t *testing.T) {
	s := newTestStack(t, "")
	rec := s.do(t, http.MethodGet, "/v1/vaults/"+s.vaultAddr+"/reward", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reward: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["cumulativeAssets"] != "0" {
		t.Fatalf("expected zero cursor, got %v", body["cumulativeAssets"])
	}
	if body["harvestRequired"] != false {
		t.Fatal("no snapshot yet, no harvest required")
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	rl := newRateLimiter(5)
	current := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return current }
	rl.lastSweep = current

	rl.obtain("10.0.0.1")
	rl.obtain("10.0.0.2")
	if len(rl.visitors) != 2 {
		t.Fatalf("expected 2 visitors, got %d", len(rl.visitors))
	}

	// One client keeps talking past the idle window; the silent one is
	// swept on the next lookup.
	current = current.Add(visitorIdleTTL + time.Second)
	rl.obtain("10.0.0.2")
	if _, ok := rl.visitors["10.0.0.1"]; ok {
		t.Fatal("expected idle visitor evicted")
	}
	if _, ok := rl.visitors["10.0.0.2"]; !ok {
		t.Fatal("expected active visitor retained")
	}

	// An active client keeps its bucket across sweeps.
	limiter := rl.obtain("10.0.0.2")
	current = current.Add(visitorIdleTTL - time.Minute)
	if rl.obtain("10.0.0.2") != limiter {
		t.Fatal("expected the same bucket for a returning client")
	}
}
