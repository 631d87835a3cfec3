package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/session"
)

const maxLoginBody = 64 << 10

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Cookies  string `json:"cookies"`
}

type statusResponse struct {
	Session            session.Status `json:"session"`
	LoggedIn           bool           `json:"logged_in"`
	PathCacheSize      int            `json:"path_cache_size"`
	LinkCacheSize      int            `json:"url_cache_size"`
	LinkCacheRemaining int            `json:"url_cache_remaining"`
}

type qrResponse struct {
	QRCodeURL  string `json:"qrCodeUrl"`
	QRImageURL string `json:"qrImageUrl"`
	UUID       string `json:"uuid"`
}

type qrStatusResponse struct {
	State   session.State `json:"state"`
	Success bool          `json:"success"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error

	switch {
	case strings.TrimSpace(req.Cookies) != "":
		err = s.session.ImportCookies(r.Context(), req.Cookies)
	case req.Username != "" && req.Password != "":
		err = s.session.LoginWithCredentials(r.Context(), req.Username, req.Password)
	default:
		writeError(w, http.StatusBadRequest, "username and password, or cookies, are required")
		return
	}

	if err != nil {
		s.writeLoginError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	ch, err := s.session.BeginQRLogin(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrLoginInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}

		loggerFrom(r.Context(), s.logger).Error("starting QR login failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, qrResponse{QRCodeURL: ch.UUID, QRImageURL: ch.ImageURL, UUID: ch.UUID})
}

func (s *Server) handleQRStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.session.PollQRStatus(r.Context())

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, qrStatusResponse{State: state, Success: state == session.Authenticated})
	case errors.Is(err, session.ErrQRExpired):
		writeError(w, http.StatusGone, "QR code expired, request a new one")
	case errors.Is(err, session.ErrNoQRPending):
		writeError(w, http.StatusBadRequest, "no QR login pending, request a QR code first")
	default:
		s.writeLoginError(w, r, err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Logout(); err != nil {
		s.writeLoginError(w, r, err)
		return
	}

	s.ClearCaches()

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "logged out"})
}

// handleCookies exposes the session cookies. It is refused unless admin
// credentials are configured.
func (s *Server) handleCookies(w http.ResponseWriter, _ *http.Request) {
	if !s.adminCreds().enabled() {
		writeError(w, http.StatusForbidden, "cookie export requires admin credentials to be configured")
		return
	}

	cookies, err := s.session.Cookies()
	if err != nil {
		writeError(w, http.StatusBadRequest, "not logged in to Cloud189")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"cookies": cookies})
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.ClearCaches()
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "caches cleared"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.session.Status()

	writeJSON(w, http.StatusOK, statusResponse{
		Session:            st,
		LoggedIn:           st.State == session.Authenticated,
		PathCacheSize:      s.paths.Len(),
		LinkCacheSize:      s.links.Len(),
		LinkCacheRemaining: s.links.Remaining(),
	})
}

// writeLoginError maps a session transition failure onto a status code:
// 409 for a concurrent transition, 401 when the provider rejected the
// credentials, 502 when it could not be reached.
func (s *Server) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrLoginInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	loggerFrom(r.Context(), s.logger).Warn("login failed", slog.String("error", err.Error()))

	status := http.StatusBadGateway
	if cloud189.IsAuthError(err) || errors.Is(err, cloud189.ErrBadRequest) || errors.Is(err, session.ErrNoCredentials) {
		status = http.StatusUnauthorized
	}

	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
