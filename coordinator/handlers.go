package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tarancss/scc/consensus"
	"github.com/tarancss/scc/dispute"
	"github.com/tarancss/scc/escrow"
	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/codec"
	"github.com/tarancss/scc/lib/content"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
	"github.com/tarancss/scc/registry"
)

// Errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNoLedger   = errors.New("no ledger configured")
)

// Response defines the data structure returned to the client making the http request. Body holds the JSON encoded
// result.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// statusOf maps an error to the http status returned to the client.
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrNodeNotFound), errors.Is(err, types.ErrBatchNotFound),
		errors.Is(err, types.ErrEscrowNotFound), errors.Is(err, types.ErrDisputeNotFound),
		errors.Is(err, store.ErrNotFound), errors.Is(err, content.ErrNotFound),
		errors.Is(err, btypes.ErrUnknownNetwork), errors.Is(err, btypes.ErrNoTrx):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized), errors.Is(err, types.ErrUnauthorizedProposer),
		errors.Is(err, types.ErrUnauthorizedValidator):
		return http.StatusForbidden
	case errors.Is(err, types.ErrDuplicateAddress), errors.Is(err, types.ErrDuplicateVote),
		errors.Is(err, types.ErrDuplicateEscrow), errors.Is(err, types.ErrAlreadyVoted),
		errors.Is(err, types.ErrVotingClosed), errors.Is(err, types.ErrNotLocked),
		errors.Is(err, types.ErrInvalidState), errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrDisputeWindowClosed), errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrInsufficientValidators), errors.Is(err, types.ErrNoEligibleStakeholders),
		errors.Is(err, types.ErrNoSuitableArbitrators), errors.Is(err, escrow.ErrNoCodec),
		errors.Is(err, ErrNoLedger), errors.Is(err, btypes.ErrNetwork):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrResolutionFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrBadRequest), errors.Is(err, types.ErrInvalidNode), errors.Is(err, types.ErrEmptyBatch),
		errors.Is(err, types.ErrBatchTooLarge), errors.Is(err, types.ErrInvalidTransaction),
		errors.Is(err, types.ErrAmountTooLow), errors.Is(err, types.ErrInvalidEscrow),
		errors.Is(err, types.ErrInvalidDispute), errors.Is(err, types.ErrInvalidCandidate),
		errors.Is(err, types.ErrInvalidDecision), errors.Is(err, codec.ErrIntegrity), errors.Is(err, codec.ErrExpired),
		errors.Is(err, content.ErrInvalidCID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// reply writes the response envelope: the JSON encoded result with the given status, or the error and its status.
func (c *Coordinator) reply(rw http.ResponseWriter, r *http.Request, status int, result interface{}, err error) {
	var res Response

	if err != nil {
		status = statusOf(err)
		res.Error = err.Error()

		ev := c.log.Debug()
		if status >= http.StatusInternalServerError {
			ev = c.log.Warn()
		}

		ev.Err(err).Str("uri", r.RequestURI).Int("code", status).Msg("request refused")
	} else if result != nil {
		tmp, merr := json.Marshal(result)
		if merr != nil {
			status, res.Error = http.StatusInternalServerError, merr.Error()
		}

		res.Body = string(tmp)
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

// decode reads the JSON request body into v.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	return nil
}

// amount parses a decimal wei amount.
func amount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad amount %q", ErrBadRequest, s)
	}

	return v, nil
}

// homeHandler just replies a welcome message to the client.
func (c *Coordinator) homeHandler(rw http.ResponseWriter, r *http.Request) {
	c.reply(rw, r, http.StatusOK, "Hello, this is your supply-chain coordinator!", nil)
}

// networks

// network is a configured blockchain.
type network struct {
	Name    string `json:"name"`
	ChainID string `json:"chainId"`
}

func (c *Coordinator) networksHandler(rw http.ResponseWriter, r *http.Request) {
	nets := make([]network, 0, len(c.cfg.Bc))
	for _, b := range c.cfg.Bc {
		nets = append(nets, network{Name: b.Name, ChainID: b.ChainID})
	}

	c.reply(rw, r, http.StatusOK, nets, nil)
}

// addrBalance is the balance of an address in the network currency and, when a token is given in the query, in
// tokens.
type addrBalance struct {
	Net string `json:"net"`
	Bal string `json:"bal"`
	Tok string `json:"tok,omitempty"`
}

func (c *Coordinator) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res *addrBalance
		err error
	)

	defer func() { c.reply(rw, r, http.StatusOK, res, err) }()

	if c.ledger == nil {
		err = ErrNoLedger

		return
	}

	v := mux.Vars(r)

	bal, err := c.ledger.Read(r.Context(), v["net"], v["address"], "")
	if err != nil {
		return
	}

	res = &addrBalance{Net: v["net"], Bal: bal.String()}

	if tok := r.URL.Query().Get("tok"); tok != "" {
		var tb *big.Int
		if tb, err = c.ledger.Read(r.Context(), v["net"], v["address"], tok); err != nil {
			res = nil

			return
		}

		res.Tok = tb.String()
	}
}

func (c *Coordinator) receiptHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		rc  btypes.Receipt
		err error
	)

	defer func() { c.reply(rw, r, http.StatusOK, rc, err) }()

	if c.ledger == nil {
		err = ErrNoLedger

		return
	}

	v := mux.Vars(r)
	rc, err = c.ledger.Receipt(r.Context(), v["net"], v["hash"])
}

// nodes

func (c *Coordinator) registerNodeHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		spec registry.NodeSpec
		id   string
		err  error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, map[string]string{"nodeId": id}, err) }()

	if err = decode(r, &spec); err != nil {
		return
	}

	id, err = c.Registry.RegisterNode(r.Context(), spec)
}

func (c *Coordinator) listNodesHandler(rw http.ResponseWriter, r *http.Request) {
	nodes, err := c.Registry.ListNodes(r.Context())
	c.reply(rw, r, http.StatusOK, nodes, err)
}

func (c *Coordinator) getNodeHandler(rw http.ResponseWriter, r *http.Request) {
	n, err := c.Registry.GetNode(r.Context(), mux.Vars(r)["id"])
	c.reply(rw, r, http.StatusOK, n, err)
}

// batches

// batchReq is the proposal of a batch by a secondary node, identified by its address.
type batchReq struct {
	Proposer     string              `json:"proposer"`
	Transactions []types.Transaction `json:"transactions"`
	NFTRefs      []string            `json:"nftRefs,omitempty"`
}

func (c *Coordinator) proposeBatchHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req batchReq
		b   *types.Batch
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, b, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	b, err = c.Engine.ProposeBatch(r.Context(), req.Proposer, req.Transactions, req.NFTRefs)
}

func (c *Coordinator) listBatchesHandler(rw http.ResponseWriter, r *http.Request) {
	batches, err := c.Engine.ListBatches(r.Context(), types.BatchStatus(r.URL.Query().Get("status")))
	c.reply(rw, r, http.StatusOK, batches, err)
}

// batchView is a batch with its votes and, once finalized, its result.
type batchView struct {
	Batch  *types.Batch            `json:"batch"`
	Votes  []*types.ValidationVote `json:"votes"`
	Result *types.ConsensusResult  `json:"result,omitempty"`
}

func (c *Coordinator) getBatchHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		v   batchView
		err error
	)

	defer func() { c.reply(rw, r, http.StatusOK, v, err) }()

	id := mux.Vars(r)["id"]
	if v.Batch, err = c.Engine.GetBatch(r.Context(), id); err != nil {
		return
	}

	if v.Votes, err = c.Engine.Votes(r.Context(), id); err != nil {
		return
	}

	if v.Batch.Status.Terminal() {
		v.Result, err = c.Engine.Result(r.Context(), id)
	}
}

func (c *Coordinator) circulateHandler(rw http.ResponseWriter, r *http.Request) {
	selected, err := c.Engine.Circulate(r.Context(), mux.Vars(r)["id"])
	c.reply(rw, r, http.StatusOK, map[string][]string{"selectedValidators": selected}, err)
}

func (c *Coordinator) voteBatchHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req consensus.VoteRequest
		res *consensus.VoteResult
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, res, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	req.BatchID = mux.Vars(r)["id"]
	res, err = c.Engine.SubmitVote(r.Context(), req)
}

// escrows

// escrowReq locks a purchase in escrow. Amount is in wei.
type escrowReq struct {
	PurchaseRequestID string    `json:"purchaseRequestId"`
	ChainID           string    `json:"chainId"`
	Buyer             string    `json:"buyer"`
	Seller            string    `json:"seller"`
	Amount            string    `json:"amount"`
	Transporters      []string  `json:"transporters,omitempty"`
	EstimatedDelivery time.Time `json:"estimatedDelivery"`
}

func (c *Coordinator) createEscrowHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req escrowReq
		e   *types.EscrowPayment
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, e, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	total, err := amount(req.Amount)
	if err != nil {
		return
	}

	e, err = c.Escrows.CreateEscrow(r.Context(), escrow.CreateRequest{
		PurchaseRequestID: req.PurchaseRequestID,
		ChainID:           req.ChainID,
		Buyer:             req.Buyer,
		Seller:            req.Seller,
		TotalAmount:       total,
		Transporters:      req.Transporters,
		EstimatedDelivery: req.EstimatedDelivery,
	})
}

func (c *Coordinator) listEscrowsHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		list []*types.EscrowPayment
		err  error
	)

	if party := r.URL.Query().Get("party"); party != "" {
		list, err = c.Escrows.ListByParty(r.Context(), party)
	} else {
		list, err = c.Escrows.List(r.Context(), types.EscrowStatus(r.URL.Query().Get("status")))
	}

	c.reply(rw, r, http.StatusOK, list, err)
}

func (c *Coordinator) getEscrowHandler(rw http.ResponseWriter, r *http.Request) {
	e, err := c.Escrows.Get(r.Context(), mux.Vars(r)["id"])
	c.reply(rw, r, http.StatusOK, e, err)
}

// deliverReq confirms a delivery, either by the buyer's address or with a delivery token.
type deliverReq struct {
	ConfirmedBy string                     `json:"confirmedBy,omitempty"`
	Token       string                     `json:"token,omitempty"`
	ProofCID    string                     `json:"proofCid,omitempty"`
	Performance []types.TransporterMetrics `json:"performance,omitempty"`
}

func (c *Coordinator) deliverHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req deliverReq
		d   *types.PaymentDistribution
		err error
	)

	defer func() { c.reply(rw, r, http.StatusOK, d, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	id := mux.Vars(r)["id"]
	if req.Token != "" {
		d, err = c.Escrows.ReleaseWithToken(r.Context(), id, req.Token, req.ProofCID, req.Performance)

		return
	}

	conf := types.DeliveryConfirmation{ConfirmedBy: req.ConfirmedBy, ConfirmedAt: time.Now().UTC(), ProofCID: req.ProofCID}
	d, err = c.Escrows.ReleaseOnDelivery(r.Context(), id, conf, req.Performance)
}

func (c *Coordinator) tokenHandler(rw http.ResponseWriter, r *http.Request) {
	token, err := c.Escrows.IssueDeliveryToken(r.Context(), mux.Vars(r)["id"])
	c.reply(rw, r, http.StatusCreated, map[string]string{"token": token}, err)
}

// disputeEscrowHandler opens a dispute on an escrow, which freezes it.
func (c *Coordinator) disputeEscrowHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req dispute.InitiateRequest
		d   *types.DisputeRecord
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, d, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	req.PaymentID = mux.Vars(r)["id"]
	d, err = c.Disputes.Initiate(r.Context(), req)
}

// disputes

func (c *Coordinator) initiateDisputeHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req dispute.InitiateRequest
		d   *types.DisputeRecord
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, d, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	d, err = c.Disputes.Initiate(r.Context(), req)
}

func (c *Coordinator) listDisputesHandler(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := c.Disputes.List(r.Context(), types.DisputeStatus(q.Get("status")), q.Get("party"))
	c.reply(rw, r, http.StatusOK, list, err)
}

func (c *Coordinator) getDisputeHandler(rw http.ResponseWriter, r *http.Request) {
	d, err := c.Disputes.Get(r.Context(), mux.Vars(r)["id"])
	c.reply(rw, r, http.StatusOK, d, err)
}

type arbitratorVoteReq struct {
	Stakeholder string `json:"stakeholder"`
	CandidateID string `json:"candidateId"`
	Reasoning   string `json:"reasoning,omitempty"`
}

func (c *Coordinator) voteArbitratorHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req arbitratorVoteReq
		res *dispute.VoteOutcome
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, res, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	res, err = c.Disputes.VoteForArbitrator(r.Context(), mux.Vars(r)["id"], req.Stakeholder, req.CandidateID, req.Reasoning)
}

type reviewReq struct {
	Arbitrator string `json:"arbitrator"`
}

func (c *Coordinator) reviewHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req reviewReq
		d   *types.DisputeRecord
		err error
	)

	defer func() { c.reply(rw, r, http.StatusOK, d, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	d, err = c.Disputes.BeginReview(r.Context(), mux.Vars(r)["id"], req.Arbitrator)
}

// resolutionReq is the arbitrator's ruling. The compensation amount is in wei.
type resolutionReq struct {
	Arbitrator   string         `json:"arbitrator"`
	Decision     types.Decision `json:"decision"`
	Compensation *struct {
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	} `json:"compensation,omitempty"`
	Notes string `json:"notes,omitempty"`
}

func (c *Coordinator) resolutionHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req resolutionReq
		d   *types.DisputeRecord
		err error
	)

	defer func() { c.reply(rw, r, http.StatusOK, d, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	ruling := dispute.ResolutionRequest{Decision: req.Decision, Notes: req.Notes}

	if req.Compensation != nil {
		v, aerr := amount(req.Compensation.Amount)
		if aerr != nil {
			err = aerr

			return
		}

		ruling.Compensation = &types.Compensation{Recipient: req.Compensation.Recipient, Amount: v}
	}

	d, err = c.Disputes.SubmitResolution(r.Context(), mux.Vars(r)["id"], req.Arbitrator, ruling)
}

// evidenceReq carries a piece of evidence; Data is base64 encoded in JSON.
type evidenceReq struct {
	SubmittedBy string `json:"submittedBy"`
	Description string `json:"description"`
	Data        []byte `json:"data"`
}

func (c *Coordinator) evidenceHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		req evidenceReq
		d   *types.DisputeRecord
		err error
	)

	defer func() { c.reply(rw, r, http.StatusCreated, d, err) }()

	if err = decode(r, &req); err != nil {
		return
	}

	d, err = c.Disputes.AddEvidence(r.Context(), mux.Vars(r)["id"], types.Evidence{
		SubmittedBy: req.SubmittedBy,
		Description: req.Description,
		Data:        req.Data,
	})
}

func (c *Coordinator) getEvidenceHandler(rw http.ResponseWriter, r *http.Request) {
	data, err := c.Disputes.Evidence(r.Context(), mux.Vars(r)["cid"])
	c.reply(rw, r, http.StatusOK, data, err)
}
