package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/HaoWen46/OrderBook/internal/engine"
	"github.com/HaoWen46/OrderBook/internal/models"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps an error onto the `{"message": ...}` envelope. Engine
// rejections carry their own status; anything else is an internal failure
// whose detail stays in the log.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		respondJSON(w, statusForKind(engineErr.Kind), models.MessageResponse{Message: engineErr.Message})
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	respondJSON(w, http.StatusInternalServerError, models.MessageResponse{Message: "internal error"})
}

// statusForKind translates the rejection taxonomy into HTTP status codes.
func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidInput, engine.KindInsufficientFunds, engine.KindInsufficientShares:
		return http.StatusBadRequest
	case engine.KindUnauthenticated:
		return http.StatusUnauthorized
	case engine.KindPermissionDenied:
		return http.StatusForbidden
	case engine.KindUnknownSymbol, engine.KindUnknownOrder, engine.KindUnknownUser:
		return http.StatusNotFound
	case engine.KindCrossesBook, engine.KindNoLiquidity, engine.KindSymbolInUse, engine.KindLastManager:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
