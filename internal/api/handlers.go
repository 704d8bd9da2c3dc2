package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/HaoWen46/OrderBook/internal/engine"
	"github.com/HaoWen46/OrderBook/internal/models"
)

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &engine.Error{Kind: engine.KindInvalidInput, Message: "invalid JSON body"}
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id < 1 {
		return 0, &engine.Error{Kind: engine.KindInvalidInput, Message: "invalid " + name}
	}
	return id, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	user, err := s.accounts.Register(req.Username, req.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	token, err := s.accounts.Login(req.Username, req.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.LoginResponse{Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Logout(bearerToken(r)); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.MessageResponse{Message: "logged out"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.accounts.Profile(userFrom(r).ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Delete(userFrom(r)); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.MessageResponse{Message: "account deleted"})
}

func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.engine.ListSymbols()
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleBookSnapshot(w http.ResponseWriter, r *http.Request) {
	symbolID, err := pathID(r, "symbolID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	snapshot, err := s.engine.BookSnapshot(symbolID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	symbolID, err := pathID(r, "symbolID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	trades, err := s.engine.RecentTrades(symbolID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	resp, err := s.engine.SubmitOrder(userFrom(r).ID, &req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, err)
		return
	}
	order, err := s.engine.GetOrder(userFrom(r).ID, orderID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if _, err := s.engine.CancelOrder(userFrom(r).ID, orderID); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.MessageResponse{Message: "order cancelled"})
}

func (s *Server) handleCreateSymbol(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSymbolRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	symbol, err := s.engine.CreateSymbol(userFrom(r), req.Ticker)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, symbol)
}

func (s *Server) handleDeleteSymbol(w http.ResponseWriter, r *http.Request) {
	symbolID, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.engine.DeleteSymbol(userFrom(r), symbolID); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.MessageResponse{Message: "symbol deleted"})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleFloatChange(w, r, s.engine.Mint)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	s.handleFloatChange(w, r, s.engine.Burn)
}

func (s *Server) handleFloatChange(w http.ResponseWriter, r *http.Request, apply func(*models.User, int64, int64) (*models.Symbol, error)) {
	symbolID, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req models.QuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	symbol, err := apply(userFrom(r), symbolID, req.Quantity)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, symbol)
}
