package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/storefront_transport/internal/middleware"
	"github.com/R3E-Network/storefront_transport/storefront/realtime"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type createOrderRequest struct {
	Lines []OrderLine `json:"lines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.hub.count(),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hash, ok := s.users[req.Username]
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		middleware.WriteError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	role := RoleCustomer
	if s.admins[req.Username] {
		role = RoleAdmin
	}
	token, err := s.IssueToken(req.Username, role, 0)
	if err != nil {
		s.log.WithError(err).Error("failed to sign token")
		middleware.WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.TokenTTL.Seconds()),
	})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products := s.catalog.listProducts()
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"items": products,
		"count": len(products),
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.catalog.product(id)
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, fmt.Sprintf("product %s not found", id))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var p Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name == "" || p.PriceCents <= 0 || p.Stock < 0 {
		middleware.WriteError(w, http.StatusUnprocessableEntity, "name, positive price_cents and non-negative stock are required")
		return
	}
	created := s.catalog.addProduct(p)
	s.hub.broadcast(realtime.NewMessage(realtime.KindSystem, "New in store: "+created.Name, s.now()))
	middleware.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.catalog.ordersFor(claimsFrom(r.Context()).Subject)
	if orders == nil {
		orders = []Order{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"items": orders,
		"count": len(orders),
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	customer := claimsFrom(r.Context()).Subject
	order, err := s.catalog.placeOrder(customer, req.Lines, s.now())
	if err != nil {
		middleware.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]string{"message": err.Error()},
		})
		return
	}

	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"order": order.ID,
		"total": order.TotalCents,
	}).Info("order placed")
	s.hub.sendTo(customer, realtime.NewMessage(realtime.KindSystem,
		fmt.Sprintf("Order %s confirmed, total %s", order.ID, formatCents(order.TotalCents)), s.now()))
	middleware.WriteJSON(w, http.StatusCreated, order)
}

// broadcastStatus is the scheduled system broadcast.
func (s *Server) broadcastStatus() {
	n := s.hub.count()
	if n == 0 {
		return
	}
	s.hub.broadcast(realtime.NewMessage(realtime.KindSystem,
		fmt.Sprintf("%d shopper(s) online, %d products in stock", n, len(s.catalog.listProducts())), s.now()))
}
