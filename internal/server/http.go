package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"

	"PredictCore/internal/amm"
	"PredictCore/internal/core"
	"PredictCore/internal/ingestion"
	"PredictCore/internal/intake"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/query"
	"PredictCore/internal/risk"
)

const maxBodyBytes = 64 << 10

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// NewGatewayMux builds the HTTP/JSON API on a grpc-gateway ServeMux.
func NewGatewayMux(deps *ServerDeps) (*runtime.ServeMux, error) {
	if deps.Clock == nil {
		return nil, errors.New("server: clock is required")
	}
	api := &httpAPI{deps: deps}
	mux := runtime.NewServeMux()

	routes := []route{
		// intake
		{"POST", "/v1/markets/{market}/commitments", api.commit},
		{"POST", "/v1/commitments/{id}/reveal", api.reveal},
		{"DELETE", "/v1/commitments/{id}", api.cancel},

		// queries
		{"GET", "/v1/markets", api.listMarkets},
		{"GET", "/v1/markets/{market}", api.getMarket},
		{"GET", "/v1/markets/{market}/accounts/{account}", api.getAccount},
		{"GET", "/v1/markets/{market}/liquidations", api.getLiquidations},
		{"GET", "/v1/accounts/{account}/journal", api.getJournal},

		// admin
		{"POST", "/v1/markets", api.createMarket},
		{"POST", "/v1/markets/{market}/halt", api.halt},
		{"POST", "/v1/markets/{market}/resume", api.resume},
		{"POST", "/v1/markets/{market}/resolve", api.resolve},
		{"GET", "/v1/admin/integrity", api.integrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type httpAPI struct {
	deps *ServerDeps
}

// --- intake ---

func (a *httpAPI) commit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := readBody(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	cmd, err := ingestion.ParseCommit(body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if cmd.Request.MarketID == "" {
		cmd.Request.MarketID = p["market"]
	}
	if cmd.Request.MarketID != p["market"] {
		a.writeError(w, errors.Join(ingestion.ErrMalformed, errors.New("body market_id does not match path")))
		return
	}
	id, err := a.deps.Intake.Commit(cmd.Request, a.deps.Clock())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"commitment_id": id.String()})
}

func (a *httpAPI) reveal(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := uuid.Parse(p["id"])
	if err != nil {
		a.writeError(w, errors.Join(ingestion.ErrMalformed, err))
		return
	}
	body, err := readBody(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	cmd, err := ingestion.ParseRevealFor(id, body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.deps.Intake.Reveal(cmd.ID, cmd.Payload, cmd.Salt, a.deps.Clock()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"commitment_id": id.String(), "status": "revealed"})
}

func (a *httpAPI) cancel(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := uuid.Parse(p["id"])
	if err != nil {
		a.writeError(w, errors.Join(ingestion.ErrMalformed, err))
		return
	}
	owner := r.URL.Query().Get("owner")
	if err := a.deps.Intake.Cancel(id, owner, a.deps.Clock()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commitment_id": id.String(), "status": "cancelled"})
}

// --- queries ---

func (a *httpAPI) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	markets, err := a.deps.Query.ListMarkets(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (a *httpAPI) getMarket(w http.ResponseWriter, r *http.Request, p map[string]string) {
	m, err := a.deps.Query.GetMarket(r.Context(), p["market"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *httpAPI) getAccount(w http.ResponseWriter, r *http.Request, p map[string]string) {
	acc, err := a.deps.Query.GetAccount(r.Context(), p["market"], p["account"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *httpAPI) getLiquidations(w http.ResponseWriter, r *http.Request, p map[string]string) {
	liq, err := a.deps.Query.GetLiquidations(r.Context(), p["market"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market_id": p["market"], "liquidations": liq})
}

func (a *httpAPI) getJournal(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			a.writeError(w, errors.Join(ingestion.ErrMalformed, errors.New("limit must be in [1, 500]")))
			return
		}
		limit = n
	}
	var after *int64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			a.writeError(w, errors.Join(ingestion.ErrMalformed, err))
			return
		}
		after = &n
	}
	entries, err := a.deps.Query.GetJournalHistory(r.Context(), p["account"], limit, after)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": p["account"], "journal": entries})
}

// --- admin ---

type createMarketJSON struct {
	MarketID  string `json:"market_id"`
	Curve     string `json:"curve"`
	Outcomes  int    `json:"outcomes"`
	Liquidity string `json:"liquidity"`
	FeeBps    int64  `json:"fee_bps"`
}

func (a *httpAPI) createMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createMarketJSON
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	curve, err := amm.ParseCurveID(req.Curve)
	if err != nil {
		a.writeError(w, err)
		return
	}
	liquidity, err := fpmath.ParseFixed(req.Liquidity)
	if err != nil {
		a.writeError(w, errors.Join(ingestion.ErrMalformed, err))
		return
	}
	spec := core.MarketSpec{ID: req.MarketID, Curve: curve, Outcomes: req.Outcomes, Liquidity: liquidity, FeeBps: req.FeeBps}
	if err := a.deps.Admin.CreateMarket(spec, a.deps.Clock()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"market_id": req.MarketID})
}

func (a *httpAPI) halt(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req struct {
		Detail string `json:"detail"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Detail == "" {
		req.Detail = "operator halt"
	}
	if err := a.deps.Admin.Halt(p["market"], req.Detail, a.deps.Clock()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeBreaker(w, p["market"])
}

func (a *httpAPI) resume(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if err := a.deps.Admin.Resume(p["market"], a.deps.Clock()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeBreaker(w, p["market"])
}

func (a *httpAPI) resolve(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req struct {
		Winner *int `json:"winner"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Winner == nil {
		a.writeError(w, errors.Join(ingestion.ErrMalformed, errors.New("winner is required")))
		return
	}
	res, err := a.deps.Admin.Collapse(p["market"], *req.Winner, a.deps.Clock())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *httpAPI) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *httpAPI) writeBreaker(w http.ResponseWriter, marketID string) {
	b, err := a.deps.Admin.Breaker(marketID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market_id": marketID,
		"phase":     b.Phase.String(),
		"reason":    b.Reason.String(),
	})
}

// --- encoding ---

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Join(ingestion.ErrMalformed, err)
	}
	return body, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(ingestion.ErrMalformed, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorJSON struct {
	Code    string `json:"code"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

func (a *httpAPI) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	class, reason := core.Classify(err)
	switch {
	case errors.Is(err, ingestion.ErrMalformed):
		class, reason = core.ClassInput, "malformed"
	case errors.Is(err, query.ErrNotFound):
		class, reason = core.ClassInput, "not_found"
	}
	if code == codes.Internal {
		a.deps.Logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorJSON{Code: reason, Class: string(class), Message: err.Error()})
}

// StatusCode maps a domain error onto the gRPC code the gateway renders
// as an HTTP status.
func StatusCode(err error) codes.Code {
	switch {
	case errors.Is(err, ingestion.ErrMalformed):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, core.ErrUnknownMarket),
		errors.Is(err, intake.ErrCommitmentNotFound):
		return codes.NotFound
	case errors.Is(err, intake.ErrCommitmentDuplicate),
		errors.Is(err, intake.ErrAlreadyRevealed),
		errors.Is(err, core.ErrMarketExists):
		return codes.AlreadyExists
	case errors.Is(err, intake.ErrNotOwner):
		return codes.PermissionDenied
	case errors.Is(err, intake.ErrQueueFull):
		return codes.ResourceExhausted
	case errors.Is(err, risk.ErrMarketHalted):
		return codes.Unavailable
	}
	switch class, _ := core.Classify(err); class {
	case core.ClassInput:
		return codes.InvalidArgument
	case core.ClassBusinessRule:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
