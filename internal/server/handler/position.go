package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
)

// PositionService is the slice of the service layer the handler calls.
type PositionService interface {
	CreatePosition(ctx context.Context, decision domain.Decision) (domain.Position, error)
	GetPositionStatus(ctx context.Context, positionID string) (domain.Position, error)
	ListActive(ctx context.Context) ([]domain.Position, error)
	ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	ListAudit(ctx context.Context, positionID string) ([]domain.AuditEntry, error)
	ClosePosition(ctx context.Context, positionID, reason string) error
}

// PositionHandler serves the position lifecycle endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// Wire representations. The stored record carries no JSON tags; these DTOs
// add the derived lifecycle stage and stable field names.

type entryDTO struct {
	Number       int        `json:"number"`
	Type         string     `json:"type"`
	DipPct       float64    `json:"dip_pct"`
	PlannedPrice float64    `json:"planned_price"`
	AmountNative float64    `json:"amount_native"`
	Status       string     `json:"status"`
	TokensBought float64    `json:"tokens_bought,omitempty"`
	TxRef        string     `json:"tx_ref,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

type exitDTO struct {
	Number      int        `json:"number"`
	GainPct     float64    `json:"gain_pct"`
	TargetPrice float64    `json:"target_price"`
	Fraction    float64    `json:"fraction"`
	IsFinal     bool       `json:"is_final"`
	Tokens      float64    `json:"tokens"`
	Status      string     `json:"status"`
	TxRef       string     `json:"tx_ref,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

type positionDTO struct {
	ID                string     `json:"id"`
	Chain             string     `json:"chain"`
	Contract          string     `json:"contract"`
	Ticker            string     `json:"ticker,omitempty"`
	AllocationNative  float64    `json:"allocation_native"`
	TotalQuantity     float64    `json:"total_quantity"`
	AverageEntryPrice float64    `json:"average_entry_price"`
	Stage             string     `json:"stage"`
	Status            string     `json:"status"`
	ClosedReason      string     `json:"closed_reason,omitempty"`
	Entries           []entryDTO `json:"entries"`
	Exits             []exitDTO  `json:"exits"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

func toPositionDTO(p domain.Position) positionDTO {
	dto := positionDTO{
		ID:                p.ID,
		Chain:             p.Token.Chain,
		Contract:          p.Token.Contract,
		Ticker:            p.Token.Ticker,
		AllocationNative:  p.TotalAllocationNative,
		TotalQuantity:     p.TotalQuantity,
		AverageEntryPrice: p.AverageEntryPrice,
		Stage:             string(p.Stage()),
		Status:            string(p.Status),
		ClosedReason:      p.ClosedReason,
		Entries:           make([]entryDTO, 0, len(p.Entries)),
		Exits:             make([]exitDTO, 0, len(p.Exits)),
		OpenedAt:          p.OpenedAt,
		ClosedAt:          p.ClosedAt,
	}
	for _, e := range p.Entries {
		dto.Entries = append(dto.Entries, entryDTO{
			Number:       e.Number,
			Type:         string(e.Type),
			DipPct:       e.DipPct,
			PlannedPrice: e.PlannedPrice,
			AmountNative: e.AmountNative,
			Status:       string(e.Status),
			TokensBought: e.TokensBought,
			TxRef:        e.TxRef,
			ExecutedAt:   e.ExecutedAt,
		})
	}
	for _, x := range p.Exits {
		dto.Exits = append(dto.Exits, exitDTO{
			Number:      x.Number,
			GainPct:     x.GainPct,
			TargetPrice: x.TargetPrice,
			Fraction:    x.Fraction,
			IsFinal:     x.IsFinal,
			Tokens:      x.Tokens,
			Status:      string(x.Status),
			TxRef:       x.TxRef,
			ExecutedAt:  x.ExecutedAt,
		})
	}
	return dto
}

type createPositionRequest struct {
	DecisionID       string  `json:"decision_id"`
	Chain            string  `json:"chain"`
	Contract         string  `json:"contract"`
	Ticker           string  `json:"ticker"`
	AllocationNative float64 `json:"allocation_native"`
	Source           string  `json:"source"`
}

// CreatePosition opens a position from an approved buy decision.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pos, err := h.positions.CreatePosition(r.Context(), domain.Decision{
		DecisionID: req.DecisionID,
		Token: domain.TokenIdentity{
			Chain:    req.Chain,
			Contract: req.Contract,
			Ticker:   req.Ticker,
		},
		AllocationNative: req.AllocationNative,
		Source:           req.Source,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidDecision) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create position failed",
			slog.String("decision_id", req.DecisionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to open position")
		return
	}

	writeJSON(w, http.StatusCreated, toPositionDTO(pos))
}

// ListPositions returns active positions, or closed history with ?view=history.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)
	if r.URL.Query().Get("view") == "history" {
		positions, err = h.positions.ListHistory(r.Context(), parseListOpts(r))
	} else {
		positions, err = h.positions.ListActive(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetPosition returns one position with its full ladder state.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pos, err := h.positions.GetPositionStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// GetPositionAudit returns the position's audit trail.
// GET /api/positions/{id}/audit
func (h *PositionHandler) GetPositionAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entries, err := h.positions.ListAudit(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: position audit failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}

	type auditDTO struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}
	out := make([]auditDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditDTO{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": out})
}

// ClosePosition is the manual cancel. Remaining holdings are not sold.
// DELETE /api/positions/{id}
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual_cancel"
	}

	if err := h.positions.ClosePosition(r.Context(), id, reason); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrPositionClosed):
			writeError(w, http.StatusConflict, "position already closed")
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "position busy, retry shortly")
		default:
			h.logger.ErrorContext(r.Context(), "handler: close position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to close position")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "reason": reason})
}
