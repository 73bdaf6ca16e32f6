package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/scc/escrow"
	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/codec"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/content"
	"github.com/tarancss/scc/lib/msg"
	msgmem "github.com/tarancss/scc/lib/msg/memory"
	"github.com/tarancss/scc/lib/store/memory"
	"github.com/tarancss/scc/lib/types"
)

func address(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

func newCoordinator(t *testing.T) (*Coordinator, *msgmem.Bus) {
	t.Helper()

	cfg := config.Default()
	cfg.Bc = []config.BlockConfig{{Name: "sepolia", ChainID: "11155111"}}
	cfg.Escrow.PlatformAddress = address(99)

	cd, err := codec.New("qr-secret", time.Hour)
	require.NoError(t, err)

	bus := msgmem.New(16)

	c, err := New(Deps{
		Config:  cfg,
		DB:      memory.New(),
		Bus:     bus,
		Content: content.NewMemory(),
		Codec:   cd,
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)

	return c, bus
}

// call makes a request to the API and decodes the envelope.
func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (int, Response) {
	t.Helper()

	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var res Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	return resp.StatusCode, res
}

func body(t *testing.T, res Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(res.Body), v), res.Error)
}

func TestBatchAPI(t *testing.T) {
	c, _ := newCoordinator(t)
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	validators := []string{address(1), address(2), address(3)}
	for _, a := range validators {
		code, res := call(t, srv, http.MethodPost, "/nodes", map[string]interface{}{
			"address": a, "type": "primary", "role": "inspector", "stake": 10, "chainId": "11155111",
		})
		require.Equal(t, http.StatusCreated, code, res.Error)
	}

	proposer := address(4)
	code, _ := call(t, srv, http.MethodPost, "/nodes", map[string]interface{}{
		"address": proposer, "type": "secondary", "role": "manufacturer", "chainId": "11155111",
	})
	require.Equal(t, http.StatusCreated, code)

	code, res := call(t, srv, http.MethodPost, "/nodes", map[string]interface{}{"address": proposer, "type": "secondary", "role": "buyer"})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, res.Error, types.ErrDuplicateAddress.Error())

	code, _ = call(t, srv, http.MethodPost, "/nodes", "{not json")
	require.Equal(t, http.StatusBadRequest, code)

	var nodes []*types.ConsensusNode
	code, res = call(t, srv, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, code)
	body(t, res, &nodes)
	require.Len(t, nodes, 4)

	txs := []types.Transaction{
		{TxID: "tx-1", From: proposer, To: address(5), ProductID: "p-1", Type: types.TxTransfer},
		{TxID: "tx-2", From: address(5), To: address(6), ProductID: "p-1", Type: types.TxDeliver},
	}

	code, _ = call(t, srv, http.MethodPost, "/batches", batchReq{Proposer: validators[0], Transactions: txs})
	require.Equal(t, http.StatusForbidden, code, "primaries do not propose")

	var b types.Batch
	code, res = call(t, srv, http.MethodPost, "/batches", batchReq{Proposer: proposer, Transactions: txs})
	require.Equal(t, http.StatusCreated, code, res.Error)
	body(t, res, &b)
	require.Equal(t, types.BatchProposed, b.Status)

	code, res = call(t, srv, http.MethodPost, "/batches/"+b.BatchID+"/votes", map[string]interface{}{
		"validator": validators[0], "approve": true,
	})
	require.Equal(t, http.StatusForbidden, code, "nobody is selected before circulation: %s", res.Error)

	var sel map[string][]string
	code, res = call(t, srv, http.MethodPost, "/batches/"+b.BatchID+"/circulate", nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	body(t, res, &sel)
	require.Len(t, sel["selectedValidators"], 3)

	for i, a := range validators[:2] {
		code, res = call(t, srv, http.MethodPost, "/batches/"+b.BatchID+"/votes", map[string]interface{}{
			"validator": a, "approve": true, "nftValidationResult": true, "chainVerificationResult": true,
		})
		require.Equal(t, http.StatusCreated, code, "vote %d: %s", i, res.Error)
	}

	code, _ = call(t, srv, http.MethodPost, "/batches/"+b.BatchID+"/votes", map[string]interface{}{
		"validator": validators[2], "approve": false,
	})
	require.Equal(t, http.StatusConflict, code, "two of three approvals commit the batch")

	var view batchView
	code, res = call(t, srv, http.MethodGet, "/batches/"+b.BatchID, nil)
	require.Equal(t, http.StatusOK, code)
	body(t, res, &view)
	require.Equal(t, types.BatchCommitted, view.Batch.Status)
	require.Len(t, view.Votes, 2)
	require.NotNil(t, view.Result)

	code, _ = call(t, srv, http.MethodGet, "/batches/missing", nil)
	require.Equal(t, http.StatusNotFound, code)

	participants, err := c.Engine.ProductParticipants(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, participants, 3)
}

func TestEscrowAPI(t *testing.T) {
	c, _ := newCoordinator(t)
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	buyer, seller, carrier := address(1), address(2), address(3)
	req := escrowReq{
		PurchaseRequestID: "pr-1",
		ChainID:           "11155111",
		Buyer:             buyer,
		Seller:            seller,
		Amount:            "1000000000000000000",
		Transporters:      []string{carrier},
		EstimatedDelivery: time.Now().Add(72 * time.Hour),
	}

	var e types.EscrowPayment
	code, res := call(t, srv, http.MethodPost, "/escrows", req)
	require.Equal(t, http.StatusCreated, code, res.Error)
	body(t, res, &e)
	require.Equal(t, types.EscrowLocked, e.Status)

	code, _ = call(t, srv, http.MethodPost, "/escrows", req)
	require.Equal(t, http.StatusConflict, code)

	req.PurchaseRequestID, req.Amount = "pr-2", "1000"
	code, _ = call(t, srv, http.MethodPost, "/escrows", req)
	require.Equal(t, http.StatusBadRequest, code, "below the minimum")

	req.Amount = "lots"
	code, _ = call(t, srv, http.MethodPost, "/escrows", req)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodPost, "/escrows/"+e.PaymentID+"/deliver", deliverReq{ConfirmedBy: seller})
	require.Equal(t, http.StatusForbidden, code)

	var tok map[string]string
	code, res = call(t, srv, http.MethodPost, "/escrows/"+e.PaymentID+"/token", nil)
	require.Equal(t, http.StatusCreated, code, res.Error)
	body(t, res, &tok)

	var d types.PaymentDistribution
	code, res = call(t, srv, http.MethodPost, "/escrows/"+e.PaymentID+"/deliver", deliverReq{Token: tok["token"]})
	require.Equal(t, http.StatusOK, code, res.Error)
	body(t, res, &d)
	require.Equal(t, e.PaymentID, d.PaymentID)

	code, res = call(t, srv, http.MethodGet, "/escrows/"+e.PaymentID, nil)
	require.Equal(t, http.StatusOK, code)
	body(t, res, &e)
	require.Equal(t, types.EscrowReleased, e.Status)

	var list []*types.EscrowPayment
	code, res = call(t, srv, http.MethodGet, "/escrows?party="+carrier, nil)
	require.Equal(t, http.StatusOK, code)
	body(t, res, &list)
	require.Len(t, list, 1)

	code, _ = call(t, srv, http.MethodGet, "/escrows/missing", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, srv, http.MethodPost, "/escrows/"+e.PaymentID+"/dispute", map[string]string{
		"type": "delivery_failure", "initiator": buyer,
	})
	require.Equal(t, http.StatusConflict, code, "released escrows cannot be disputed")
}

func TestDisputeAPI(t *testing.T) {
	c, _ := newCoordinator(t)
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = c.out.Run(ctx, 1) }()

	buyer, seller, arbiter := address(1), address(2), address(10)

	nodes := []map[string]interface{}{
		{"address": buyer, "type": "secondary", "role": "buyer", "reputation": 1},
		{"address": seller, "type": "secondary", "role": "manufacturer", "reputation": 0.75},
		{"address": arbiter, "type": "primary", "role": "arbitrator-pool", "expertise": []string{"logistics"},
			"stake": 20, "trustScore": 0.9, "reputation": 0.9},
	}

	var arbiterID string

	for _, n := range nodes {
		var out map[string]string
		code, res := call(t, srv, http.MethodPost, "/nodes", n)
		require.Equal(t, http.StatusCreated, code, res.Error)
		body(t, res, &out)

		arbiterID = out["nodeId"]
	}

	e, err := c.Escrows.CreateEscrow(ctx, escrow.CreateRequest{PurchaseRequestID: "pr-1", ChainID: "11155111",
		Buyer: buyer, Seller: seller, TotalAmount: escrowAmount(), EstimatedDelivery: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	var d types.DisputeRecord
	code, res := call(t, srv, http.MethodPost, "/escrows/"+e.PaymentID+"/dispute", map[string]interface{}{
		"type": "delivery_failure", "initiator": buyer, "reason": "never arrived",
	})
	require.Equal(t, http.StatusCreated, code, res.Error)
	body(t, res, &d)
	require.Equal(t, types.DisputeVotingArbitrator, d.Status)

	code, _ = call(t, srv, http.MethodPost, "/disputes", map[string]interface{}{"type": "payment_dispute", "initiator": buyer})
	require.Equal(t, http.StatusServiceUnavailable, code, "no finance arbitrator")

	// the buyer holds 0.4 of 0.7, over half the total weight
	var vote map[string]interface{}
	code, res = call(t, srv, http.MethodPost, "/disputes/"+d.DisputeID+"/votes", arbitratorVoteReq{
		Stakeholder: buyer, CandidateID: arbiterID,
	})
	require.Equal(t, http.StatusCreated, code, res.Error)
	body(t, res, &vote)
	require.Equal(t, string(types.DisputeArbitratorSelected), vote["status"])

	code, _ = call(t, srv, http.MethodPost, "/disputes/"+d.DisputeID+"/votes", arbitratorVoteReq{
		Stakeholder: seller, CandidateID: arbiterID,
	})
	require.Equal(t, http.StatusConflict, code)

	code, _ = call(t, srv, http.MethodPost, "/disputes/"+d.DisputeID+"/evidence", evidenceReq{
		SubmittedBy: buyer, Description: "tracking", Data: []byte("no scans since monday"),
	})
	require.Equal(t, http.StatusCreated, code)

	code, _ = call(t, srv, http.MethodPost, "/disputes/"+d.DisputeID+"/review", reviewReq{Arbitrator: seller})
	require.Equal(t, http.StatusForbidden, code)

	code, res = call(t, srv, http.MethodPost, "/disputes/"+d.DisputeID+"/review", reviewReq{Arbitrator: arbiter})
	require.Equal(t, http.StatusOK, code, res.Error)

	code, res = call(t, srv, http.MethodPost, "/disputes/"+d.DisputeID+"/resolution", map[string]interface{}{
		"arbitrator": arbiter, "decision": "favor_buyer",
		"compensation": map[string]string{"recipient": buyer, "amount": "1000000000000000000"},
	})
	require.Equal(t, http.StatusOK, code, res.Error)
	body(t, res, &d)
	require.Equal(t, types.DisputeResolved, d.Status)
	require.Len(t, d.Evidence, 1)

	got, err := c.Escrows.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowRefunded, got.Status)

	// evidence uploads run through the outbox
	c.out.Wait()

	var data []byte
	code, res = call(t, srv, http.MethodGet, "/evidence/"+d.Evidence[0].CID, nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	body(t, res, &data)
	require.Equal(t, "no scans since monday", string(data))
}

func TestRelayPurchase(t *testing.T) {
	c, bus := newCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.relay(ctx))

	m, err := msg.New("80002", "11155111", "", msg.PurchaseRequested, escrow.PurchaseRequest{
		PurchaseRequestID: "pr-x",
		Buyer:             address(1),
		Seller:            address(2),
		Amount:            "2000000000000000",
		EstimatedDelivery: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// the second delivery is dropped
	for i := 0; i < 2; i++ {
		_, err = bus.Send(ctx, m)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		list, err := c.Escrows.ListByParty(ctx, address(1))

		return err == nil && len(list) == 1 && list[0].ChainID == "11155111"
	}, time.Second, 10*time.Millisecond)

	c.Sweep(ctx)
}

var errBusDown = errors.New("bus down")

// downBus refuses every subscription.
type downBus struct {
	*msgmem.Bus
}

func (downBus) Consume(context.Context, string, msg.Handler) error {
	return errBusDown
}

func TestRunStopsOnRelayFailure(t *testing.T) {
	c, bus := newCoordinator(t)
	c.bus = downBus{Bus: bus}

	done := make(chan error, 1)

	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, errBusDown)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept running after the relay failed")
	}
}

// ledgerStub answers balance and receipt reads for the sepolia network.
type ledgerStub struct{}

func (ledgerStub) Submit(context.Context, string, btypes.Payload) (btypes.Receipt, error) {
	return btypes.Receipt{TxHash: "0xabc"}, nil
}

func (ledgerStub) Receipt(_ context.Context, net, hash string) (btypes.Receipt, error) {
	if net != "sepolia" {
		return btypes.Receipt{}, btypes.ErrUnknownNetwork
	}

	if hash != "0xabc" {
		return btypes.Receipt{}, btypes.ErrNoTrx
	}

	return btypes.Receipt{TxHash: hash, BlockNumber: 7, Status: btypes.TrxSuccess}, nil
}

func (ledgerStub) Read(_ context.Context, net, _, token string) (*big.Int, error) {
	if net != "sepolia" {
		return nil, btypes.ErrUnknownNetwork
	}

	if token != "" {
		return big.NewInt(5), nil
	}

	return big.NewInt(42), nil
}

func TestNetworksAPI(t *testing.T) {
	c, _ := newCoordinator(t)
	srv := httptest.NewServer(c.Router())
	defer func() { srv.Close() }()

	code, res := call(t, srv, http.MethodGet, "/networks", nil)
	require.Equal(t, http.StatusOK, code)

	var nets []network
	body(t, res, &nets)
	require.Equal(t, []network{{Name: "sepolia", ChainID: "11155111"}}, nets)

	code, _ = call(t, srv, http.MethodGet, "/networks/sepolia/address/"+address(1), nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	srv.Close()

	c.ledger = ledgerStub{}
	srv = httptest.NewServer(c.Router())

	code, res = call(t, srv, http.MethodGet, "/networks/sepolia/address/"+address(1)+"?tok="+address(7), nil)
	require.Equal(t, http.StatusOK, code, res.Error)

	var bal addrBalance
	body(t, res, &bal)
	require.Equal(t, addrBalance{Net: "sepolia", Bal: "42", Tok: "5"}, bal)

	code, _ = call(t, srv, http.MethodGet, "/networks/mainnet/address/"+address(1), nil)
	require.Equal(t, http.StatusNotFound, code)

	code, res = call(t, srv, http.MethodGet, "/networks/sepolia/tx/0xabc", nil)
	require.Equal(t, http.StatusOK, code)

	var rc btypes.Receipt
	body(t, res, &rc)
	require.Equal(t, uint64(7), rc.BlockNumber)

	code, _ = call(t, srv, http.MethodGet, "/networks/sepolia/tx/0xdef", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrBatchNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", types.ErrUnauthorizedValidator), http.StatusForbidden},
		{types.ErrAlreadyVoted, http.StatusConflict},
		{types.ErrInsufficientValidators, http.StatusServiceUnavailable},
		{types.ErrResolutionFailed, http.StatusBadGateway},
		{codec.ErrExpired, http.StatusBadRequest},
		{btypes.ErrUnknownNetwork, http.StatusNotFound},
		{ErrNoLedger, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func escrowAmount() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)

	return v
}
