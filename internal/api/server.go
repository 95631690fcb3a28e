package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"odds-market/internal/ledger"
	"odds-market/internal/market"
	"odds-market/internal/model"
	"odds-market/internal/pubsub"
	"odds-market/internal/settle"
	"odds-market/internal/store"
	"odds-market/internal/wager"
	"odds-market/internal/ws"
)

type Server struct {
	store       store.Store
	balances    *ledger.Ledger
	registry    *market.Registry
	wagers      *wager.Ledger
	engine      *settle.Engine
	hub         *ws.Hub
	publish     pubsub.PublishFunc
	secret      []byte
	seedBalance int64
	log         *zap.Logger
}

func NewServer(
	s store.Store,
	balances *ledger.Ledger,
	registry *market.Registry,
	wagers *wager.Ledger,
	engine *settle.Engine,
	hub *ws.Hub,
	publish pubsub.PublishFunc,
	secret string,
	seedBalance int64,
	log *zap.Logger,
) *Server {
	return &Server{
		store:       s,
		balances:    balances,
		registry:    registry,
		wagers:      wagers,
		engine:      engine,
		hub:         hub,
		publish:     publish,
		secret:      []byte(secret),
		seedBalance: seedBalance,
		log:         log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/balance", s.getBalance)

		// Events
		r.Get("/api/events", s.listEvents)
		r.Get("/api/events/live", s.listLiveEvents)
		r.Get("/api/events/{id}", s.getEvent)
		r.Get("/api/events/{id}/odds/latest", s.getLatestOdds)

		// Wagers
		r.Post("/api/wagers", s.placeWager)
		r.Get("/api/wagers", s.listWagers)
		r.Get("/api/wagers/stats", s.wagerStats)
		r.Get("/api/wagers/{id}", s.getWager)
		r.Delete("/api/wagers/{id}", s.cancelWager)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/events", s.createEvent)
			r.Post("/api/admin/events/{id}/transition", s.transitionEvent)
			r.Patch("/api/admin/events/{id}/odds", s.updateOdds)
			r.Post("/api/admin/events/{id}/settle", s.settleEvent)
			r.Get("/api/admin/events/{id}/stats", s.eventStats)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/accounts", s.listAccounts)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if len(req.Username) < 3 || req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "username (min 3), email and password (min 6 chars) required")
		return
	}

	if existing, _ := s.store.GetAccountByEmail(r.Context(), req.Email); existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	acct := &model.Account{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		Role:         model.RoleUser,
		BalanceCents: s.seedBalance,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		jsonErr(w, 409, "create account failed: "+err.Error())
		return
	}

	token, err := s.makeToken(acct.ID, acct.Role)
	if err != nil {
		jsonErr(w, 500, "sign token failed")
		return
	}
	json200(w, map[string]any{"account": acct, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	acct, err := s.store.GetAccountByEmail(r.Context(), strings.ToLower(req.Email))
	if err != nil || acct == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token, err := s.makeToken(acct.ID, acct.Role)
	if err != nil {
		jsonErr(w, 500, "sign token failed")
		return
	}
	json200(w, map[string]any{"account": acct, "token": token})
}

func (s *Server) makeToken(accountID string, role model.Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  accountID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxAccountID ctxKey = "accountID"
	ctxRole      ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		accountID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxAccountID, accountID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Balance ──────────────────────────────────────────

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	balance, err := s.balances.Balance(r.Context(), aid)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, map[string]any{"account_id": aid, "balance_cents": balance})
}

// ── Events ───────────────────────────────────────────

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{
		Type:   model.EventType(r.URL.Query().Get("type")),
		Status: model.EventStatus(r.URL.Query().Get("status")),
	}
	events, err := s.registry.List(r.Context(), f)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	json200(w, events)
}

func (s *Server) listLiveEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.registry.ListLive(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	json200(w, events)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, e)
}

func (s *Server) getLatestOdds(w http.ResponseWriter, r *http.Request) {
	option := r.URL.Query().Get("option")
	if option == "" {
		jsonErr(w, 400, "option query parameter required")
		return
	}
	odds, err := s.registry.LatestOdds(r.Context(), chi.URLParam(r, "id"), option)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, odds)
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title     string                `json:"title"`
		Type      model.EventType       `json:"type"`
		StartTime time.Time             `json:"start_time"`
		Odds      []model.OddsUpdateReq `json:"odds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	odds := make([]model.OddsEntry, 0, len(req.Odds))
	for _, o := range req.Odds {
		odds = append(odds, model.OddsEntry{Option: o.Option, Value: o.Value})
	}
	e, err := s.registry.CreateEvent(r.Context(), req.Title, req.Type, req.StartTime, odds)
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(e)
}

func (s *Server) transitionEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	var req struct {
		Status model.EventStatus `json:"status"`
		Result string            `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	var result *string
	if req.Result != "" {
		result = &req.Result
	}
	e, err := s.registry.Transition(r.Context(), eventID, req.Status, result)
	if err != nil {
		jsonKindErr(w, err)
		return
	}

	switch e.Status {
	case model.EventCompleted:
		s.publish(pubsub.EventTopic(e.ID), "event_completed", map[string]any{
			"event_id": e.ID, "status": e.Status, "result": e.Result,
		})
		// Settle in the background; the sweep is idempotent and can be
		// re-run via the settle endpoint if anything fails.
		go func(id, result string) {
			if _, err := s.engine.Settle(context.Background(), id, result); err != nil {
				s.log.Error("post-completion settlement failed",
					zap.String("event_id", id), zap.Error(err))
			}
		}(e.ID, req.Result)
	case model.EventCancelled:
		s.publish(pubsub.EventTopic(e.ID), "event_cancelled", map[string]any{
			"event_id": e.ID, "status": e.Status,
		})
		go func(id string) {
			if _, err := s.engine.VoidEvent(context.Background(), id); err != nil {
				s.log.Error("post-cancellation void failed",
					zap.String("event_id", id), zap.Error(err))
			}
		}(e.ID)
	}

	json200(w, e)
}

func (s *Server) updateOdds(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	var req struct {
		Odds []model.OddsUpdateReq `json:"odds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	e, err := s.registry.AppendOdds(r.Context(), eventID, req.Odds)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	s.publish(pubsub.EventTopic(e.ID), "odds_update", map[string]any{
		"event_id": e.ID, "status": e.Status, "odds": market.CurrentOdds(e),
	})
	json200(w, e)
}

func (s *Server) settleEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	e, err := s.registry.Get(r.Context(), eventID)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	if e.Result == nil {
		jsonErr(w, 409, "event has no result")
		return
	}
	report, err := s.engine.Settle(r.Context(), eventID, *e.Result)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, report)
}

func (s *Server) eventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.wagers.EventStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, stats)
}

// ── Wagers ───────────────────────────────────────────

func (s *Server) placeWager(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	var req model.PlaceWagerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.EventID == "" || req.SelectedOption == "" {
		jsonErr(w, 400, "event_id and selected_option required")
		return
	}
	if req.AmountCents <= 0 {
		jsonErr(w, 400, "amount_cents must be > 0")
		return
	}

	wg, err := s.wagers.Place(r.Context(), aid, req.EventID, req.AmountCents, req.SelectedOption)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(wg)
}

func (s *Server) cancelWager(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	wg, err := s.wagers.Cancel(r.Context(), chi.URLParam(r, "id"), aid)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, wg)
}

func (s *Server) getWager(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	wg, err := s.wagers.Get(r.Context(), chi.URLParam(r, "id"), aid)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, wg)
}

func (s *Server) listWagers(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	status := model.WagerStatus(r.URL.Query().Get("status"))
	wagers, err := s.wagers.ListByAccount(r.Context(), aid, status)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if wagers == nil {
		wagers = []model.Wager{}
	}
	json200(w, wagers)
}

func (s *Server) wagerStats(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	stats, err := s.wagers.Stats(r.Context(), aid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, stats)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Cents     int64  `json:"cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.AccountID == "" || req.Cents <= 0 {
		jsonErr(w, 400, "account_id and cents > 0 required")
		return
	}
	balance, err := s.balances.Deposit(r.Context(), req.AccountID, req.Cents)
	if err != nil {
		jsonKindErr(w, err)
		return
	}
	json200(w, map[string]any{"account_id": req.AccountID, "balance_cents": balance})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	json200(w, accounts)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// jsonKindErr maps core error kinds onto response codes.
func jsonKindErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, model.ErrInvalidOption):
		jsonErr(w, 400, err.Error())
	case errors.Is(err, model.ErrInsufficientFunds):
		jsonErr(w, 400, err.Error())
	case errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, model.ErrNotReady),
		errors.Is(err, model.ErrAlreadySettled):
		jsonErr(w, 409, err.Error())
	default:
		jsonErr(w, 500, err.Error())
	}
}
