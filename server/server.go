// Package server exposes the allocator over HTTP: round inspection,
// distribution builds, relay proposals, and actor lookups.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autocap/allocation"
	"autocap/distribution"
	"autocap/fil"
	"autocap/ledger"
	"autocap/lotus"
	"autocap/observability"
	"autocap/registry"
	"autocap/rounds"
	"autocap/safe"
)

// RoundService resolves rounds and derives their status.
type RoundService interface {
	CurrentRoundID(ctx context.Context) (uint64, error)
	Round(ctx context.Context, id uint64) (rounds.Round, error)
	Status(rd rounds.Round) rounds.Status
	MostRecentClosed(ctx context.Context, currentID uint64) (rounds.Round, error)
}

// DistributionBuilder assembles the transaction batch for a round.
type DistributionBuilder interface {
	Build(ctx context.Context) (*distribution.Result, error)
	BuildRound(ctx context.Context, round rounds.Round) (*distribution.Result, error)
}

// AllocationLister exposes a closed round's allocation list for round views.
type AllocationLister interface {
	Allocations(ctx context.Context, round rounds.Round) ([]allocation.ParticipantAllocation, error)
}

// ActorService answers Filecoin actor lookups backing the inspection routes.
type ActorService interface {
	ActorIDFromEthAddress(ctx context.Context, ethAddress string) (uint64, error)
	EthAddressFromID(ctx context.Context, idAddress string) (string, error)
	CheckDatacapReceiver(ctx context.Context, actorID uint64) (lotus.ReceiverCheck, error)
}

// Server is the HTTP front-end for the allocator service.
type Server struct {
	roundService RoundService
	builder      DistributionBuilder
	allocations  AllocationLister
	actors       ActorService
	proposer     safe.Proposer
	metrics      *observability.AllocatorMetrics
	logger       *slog.Logger
	timeout      time.Duration
}

// Option customises server construction.
type Option func(*Server)

// WithAllocations attaches the allocation list to closed-round views.
func WithAllocations(lister AllocationLister) Option {
	return func(s *Server) { s.allocations = lister }
}

// WithActorService wires the Lotus-backed actor lookups. Without it the actor
// routes answer 503.
func WithActorService(actors ActorService) Option {
	return func(s *Server) { s.actors = actors }
}

// WithProposer wires the relay used by the propose route. Without it the
// route answers 503.
func WithProposer(proposer safe.Proposer) Option {
	return func(s *Server) { s.proposer = proposer }
}

// WithRequestTimeout bounds handler work against upstream collaborators.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer constructs the HTTP front-end.
func NewServer(roundService RoundService, builder DistributionBuilder, logger *slog.Logger, opts ...Option) *Server {
	if roundService == nil {
		panic("round service required")
	}
	if builder == nil {
		panic("distribution builder required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		roundService: roundService,
		builder:      builder,
		metrics:      observability.Allocator(),
		logger:       logger,
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/rounds/latest", s.handleLatestRound)
		v1.Get("/rounds/closed", s.handleClosedRound)
		v1.Get("/rounds/{id}", s.handleRound)
		v1.Get("/distribution/build", s.handleBuild)
		v1.Post("/distribution/propose", s.handlePropose)
		v1.Get("/actors/id", s.handleActorID)
		v1.Get("/actors/receiver-check", s.handleReceiverCheck)
	})
	return r
}

type roundResponse struct {
	ID               uint64           `json:"id"`
	Status           rounds.Status    `json:"status"`
	StartTime        int64            `json:"startTime"`
	EndTime          int64            `json:"endTime"`
	RegistrationFee  string           `json:"registrationFee"`
	TotalDatacap     string           `json:"totalDatacap"`
	ParticipantCount uint64           `json:"participantCount"`
	Allocations      []allocationView `json:"allocations,omitempty"`
}

type allocationView struct {
	Address      string `json:"address"`
	ActorID      uint64 `json:"actorId"`
	Contribution string `json:"contribution"`
	Amount       string `json:"expectedAllocation"`
}

// roundPayload renders the round; closed rounds carry their allocation list
// when a lister is wired, since only a closed round has a settled snapshot.
func (s *Server) roundPayload(ctx context.Context, rd rounds.Round) (roundResponse, error) {
	resp := roundResponse{
		ID:               rd.ID,
		Status:           s.roundService.Status(rd),
		StartTime:        rd.StartTime,
		EndTime:          rd.EndTime,
		ParticipantCount: rd.ParticipantCount,
	}
	if rd.RegistrationFee != nil {
		resp.RegistrationFee = rd.RegistrationFee.String()
	}
	if rd.TotalDatacap != nil {
		resp.TotalDatacap = rd.TotalDatacap.String()
	}
	if resp.Status == rounds.StatusClosed && s.allocations != nil {
		allocs, err := s.allocations.Allocations(ctx, rd)
		if err != nil {
			return roundResponse{}, err
		}
		views := make([]allocationView, 0, len(allocs))
		for _, alloc := range allocs {
			view := allocationView{Address: alloc.Address, ActorID: alloc.ActorID}
			if alloc.Contribution != nil {
				view.Contribution = alloc.Contribution.String()
			}
			if alloc.Amount != nil {
				view.Amount = alloc.Amount.String()
			}
			views = append(views, view)
		}
		resp.Allocations = views
	}
	return resp, nil
}

func (s *Server) handleLatestRound(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	currentID, err := s.roundService.CurrentRoundID(ctx)
	if err != nil {
		s.writeServiceError(w, "registry", err)
		return
	}
	rd, err := s.roundService.Round(ctx, currentID)
	if err != nil {
		s.writeServiceError(w, "registry", err)
		return
	}
	payload, err := s.roundPayload(ctx, rd)
	if err != nil {
		s.writeServiceError(w, "ledger", err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleClosedRound(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	currentID, err := s.roundService.CurrentRoundID(ctx)
	if err != nil {
		s.writeServiceError(w, "registry", err)
		return
	}
	rd, err := s.roundService.MostRecentClosed(ctx, currentID)
	if err != nil {
		s.writeServiceError(w, "registry", err)
		return
	}
	payload, err := s.roundPayload(ctx, rd)
	if err != nil {
		s.writeServiceError(w, "ledger", err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "round id must be a positive integer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	rd, err := s.roundService.Round(ctx, id)
	if err != nil {
		s.writeServiceError(w, "registry", err)
		return
	}
	payload, err := s.roundPayload(ctx, rd)
	if err != nil {
		s.writeServiceError(w, "ledger", err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) buildForRequest(ctx context.Context, r *http.Request) (*distribution.Result, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("round"))
	if raw == "" {
		return s.builder.Build(ctx)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errBadRoundParam
	}
	rd, err := s.roundService.Round(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.builder.BuildRound(ctx, rd)
}

var errBadRoundParam = errors.New("round must be a positive integer")

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	started := time.Now()
	result, err := s.buildForRequest(ctx, r)
	if err != nil {
		s.metrics.ObserveBuild("error", time.Since(started))
		s.writeServiceError(w, "build", err)
		return
	}
	s.recordBuild(result, started)
	s.writeJSON(w, http.StatusOK, result)
}

type proposeResponse struct {
	SafeTxHash  string               `json:"safeTxHash"`
	BatchDigest string               `json:"batchDigest"`
	Result      *distribution.Result `json:"result"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if s.proposer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "relay not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	started := time.Now()
	result, err := s.buildForRequest(ctx, r)
	if err != nil {
		s.metrics.ObserveBuild("error", time.Since(started))
		s.writeServiceError(w, "build", err)
		return
	}
	s.recordBuild(result, started)

	batch := make([]safe.BatchTx, 0, len(result.Transactions))
	for _, tx := range result.Transactions {
		batch = append(batch, safe.BatchTx{To: tx.To, Value: tx.Value, Data: tx.Data})
	}
	hash, err := s.proposer.Propose(ctx, batch)
	if err != nil {
		s.writeServiceError(w, "relay", err)
		return
	}
	s.logger.Info("batch proposed",
		slog.Uint64("round", result.RoundID),
		slog.Int("transactions", len(batch)),
		slog.String("safeTxHash", hash),
	)
	s.writeJSON(w, http.StatusOK, proposeResponse{
		SafeTxHash:  hash,
		BatchDigest: safe.BatchDigest(batch),
		Result:      result,
	})
}

func (s *Server) handleActorID(w http.ResponseWriter, r *http.Request) {
	if s.actors == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lotus not configured")
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "address query parameter required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	var (
		actorID uint64
		ethAddr string
		err     error
	)
	if id, ok := parseIDAddress(address); ok {
		actorID = id
		ethAddr, err = s.actors.EthAddressFromID(ctx, "f0"+strconv.FormatUint(id, 10))
	} else {
		ethAddr = strings.ToLower(address)
		actorID, err = s.actors.ActorIDFromEthAddress(ctx, address)
	}
	if err != nil {
		s.writeServiceError(w, "lotus", err)
		return
	}
	clientBytes := fil.EncodeIDAddress(actorID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":     strings.ToLower(ethAddr),
		"actorId":     actorID,
		"idAddress":   "f0" + strconv.FormatUint(actorID, 10),
		"clientBytes": hexutil.Encode(clientBytes),
	})
}

func parseIDAddress(raw string) (uint64, bool) {
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "f0") && !strings.HasPrefix(lower, "t0") {
		return 0, false
	}
	id, err := strconv.ParseUint(lower[2:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Server) handleReceiverCheck(w http.ResponseWriter, r *http.Request) {
	if s.actors == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lotus not configured")
		return
	}
	actorID, err := strconv.ParseUint(strings.TrimSpace(r.URL.Query().Get("actor")), 10, 64)
	if err != nil || actorID == 0 {
		s.writeError(w, http.StatusBadRequest, "actor query parameter must be a positive integer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	check, err := s.actors.CheckDatacapReceiver(ctx, actorID)
	if err != nil {
		s.writeServiceError(w, "lotus", err)
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

func (s *Server) recordBuild(result *distribution.Result, started time.Time) {
	s.metrics.ObserveBuild("ok", time.Since(started))
	reasons := map[string]int{}
	for _, skip := range result.Skipped {
		switch {
		case strings.Contains(skip.Reason, "below minimum"):
			reasons["below_minimum"]++
		case strings.Contains(skip.Reason, "zero allocation"):
			reasons["zero_allocation"]++
		default:
			reasons["recipient_resolution"]++
		}
	}
	for reason, count := range reasons {
		s.metrics.RecordSkips(reason, count)
	}
	if total, ok := new(big.Int).SetString(result.TotalDistributed, 10); ok {
		s.metrics.SetLastDistributed(total)
	}
	s.logger.Info("distribution built",
		slog.Uint64("round", result.RoundID),
		slog.Int("transactions", len(result.Transactions)),
		slog.Int("skipped", len(result.Skipped)),
		slog.String("totalDatacap", result.TotalDistributed),
	)
}

func (s *Server) writeServiceError(w http.ResponseWriter, collaborator string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRoundParam):
		status = http.StatusBadRequest
	case errors.Is(err, rounds.ErrRoundNotFound), errors.Is(err, rounds.ErrNoClosedRound),
		errors.Is(err, distribution.ErrNoAllocations):
		status = http.StatusNotFound
	case errors.Is(err, distribution.ErrRoundNotClosed):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrUnavailable), errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, lotus.ErrUnavailable), errors.Is(err, safe.ErrUnavailable),
		errors.Is(err, allocation.ErrPartialParticipants):
		status = http.StatusBadGateway
		s.metrics.RecordUpstreamError(collaborator)
	case errors.Is(err, lotus.ErrRPC):
		status = http.StatusBadGateway
		s.metrics.RecordUpstreamError(collaborator)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("collaborator", collaborator), slog.String("error", err.Error()))
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}
