package query

import (
	"context"
	"errors"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// GetRoundQuery requests one round by id.
type GetRoundQuery struct {
	RoundID int
}

// Validate validates the query.
func (q GetRoundQuery) Validate() error {
	if q.RoundID < 0 {
		return errors.New("round id cannot be negative")
	}
	return nil
}

// GetRoundHandler handles GetRoundQuery.
type GetRoundHandler struct {
	reader Reader
}

// NewGetRoundHandler creates a new GetRoundHandler.
func NewGetRoundHandler(reader Reader) *GetRoundHandler {
	return &GetRoundHandler{reader: reader}
}

// Handle executes the query.
func (h *GetRoundHandler) Handle(ctx context.Context, q GetRoundQuery) (*RoundDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, shared.WrapError("query", "GetRound", shared.ErrValidation, err.Error(), err)
	}

	cs, err := h.reader.Current(ctx)
	if err != nil {
		return nil, shared.WrapError("query", "GetRound", shared.ErrNotFound, "crowdsale unavailable", err)
	}

	r, err := cs.Round(q.RoundID)
	if err != nil {
		return nil, err
	}
	dto := NewRoundDTO(r, cs.CurrentRoundID())
	return &dto, nil
}

// ListRounds returns every round in schedule order.
func (h *GetRoundHandler) ListRounds(ctx context.Context) ([]RoundDTO, error) {
	cs, err := h.reader.Current(ctx)
	if err != nil {
		return nil, shared.WrapError("query", "ListRounds", shared.ErrNotFound, "crowdsale unavailable", err)
	}
	current := cs.CurrentRoundID()
	rounds := cs.Rounds()
	out := make([]RoundDTO, len(rounds))
	for i, r := range rounds {
		out[i] = NewRoundDTO(r, current)
	}
	return out, nil
}
