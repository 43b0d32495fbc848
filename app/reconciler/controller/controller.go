package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/activity"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/utils"
)

type Controller struct {
	App        *types.App
	Activities *activity.Context
	AdminToken string
	Users      map[string]types.User
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, err := utils.HashOrRead(adminPass)
	if err != nil {
		app.Logger.Error("Unable to hash admin password", zap.Error(err))
	}
	users := map[string]types.User{}
	users[adminUser] = types.User{Username: adminUser, Hash: phash, Role: "admin"}
	if adminUsersJSON != "" {
		if err := json.Unmarshal([]byte(adminUsersJSON), &users); err != nil {
			app.Logger.Warn("Ignoring malformed ADMIN_USERS", zap.Error(err))
		}
	}

	return &Controller{
		App:        app,
		Activities: activity.FromApp(app),
		AdminToken: adminToken,
		Users:      users,
		JWTSecret:  jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPut+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", c.HandleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	r.HandleFunc("/api/networks", c.HandleNetworks).Methods(http.MethodGet)
	r.HandleFunc("/api/diagnostics", c.HandleDiagnostics).Methods(http.MethodGet)

	r.HandleFunc("/api/incidents", c.HandleIncidents).Methods(http.MethodGet)
	r.Handle("/api/incidents/{id}/verify", c.RequireAuth(http.HandlerFunc(c.HandleVerify))).Methods(http.MethodPost)

	r.HandleFunc("/api/accounts/{account}/summary", c.HandleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts/{account}/verifications", c.HandleVerifications).Methods(http.MethodGet)

	r.HandleFunc("/api/watch", c.HandleWatchList).Methods(http.MethodGet)
	r.Handle("/api/watch/{account}", c.RequireAuth(http.HandlerFunc(c.HandleWatchAdd))).Methods(http.MethodPut)
	r.Handle("/api/watch/{account}", c.RequireAuth(http.HandlerFunc(c.HandleWatchRemove))).Methods(http.MethodDelete)

	// WebSocket endpoint for live summaries
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string      `json:"error"`
	Kind    string      `json:"kind,omitempty"`
	Partial interface{} `json:"partial,omitempty"`
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrWrongNetwork):
		return http.StatusPreconditionFailed
	case errors.Is(err, ledger.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// writeError writes err with its status. partial is included when not nil.
func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, err error, partial interface{}) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		c.App.Logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: ledger.KindName(err), Partial: partial})
}
