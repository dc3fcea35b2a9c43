package fakeapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/httpx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/idx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want, ok := s.users[req.Username]
	if !ok || want != req.Password {
		httpx.WriteError(w, http.StatusUnauthorized, CodeBadCredentials, "invalid username or password")
		return
	}

	access, refresh, err := s.issue(session{username: req.Username, sid: idx.New().String()})
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, CodeServerError, "failed to issue tokens")
		return
	}
	s.logger.Info("login", "username", req.Username)
	httpx.WriteJSON(w, http.StatusOK, credstore.TokenPair{Access: access, Refresh: refresh})
}

// rotate exchanges a refresh token for a new pair. The old refresh token is
// spent whether or not the caller receives the answer.
func (s *Server) rotate(token string) (credstore.TokenPair, int, string) {
	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshFailures > 0 {
		s.refreshFailures--
		return credstore.TokenPair{}, http.StatusServiceUnavailable, CodeServiceUnavailable
	}
	if s.revoked[token] {
		return credstore.TokenPair{}, http.StatusUnauthorized, CodeRefreshRevoked
	}
	sess, ok := s.refreshTokens[token]
	if !ok {
		return credstore.TokenPair{}, http.StatusUnauthorized, CodeRefreshInvalid
	}
	delete(s.refreshTokens, token)

	access, refresh, err := s.issue(sess)
	if err != nil {
		return credstore.TokenPair{}, http.StatusInternalServerError, CodeServerError
	}
	return credstore.TokenPair{Access: access, Refresh: refresh}, http.StatusOK, ""
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	log := slogx.FromContext(r.Context())

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, CodeBadRequest, "refresh_token is required")
		return
	}

	pair, status, code := s.rotate(req.RefreshToken)
	if status != http.StatusOK {
		log.Debug("refresh_rejected", "status", status, "code", code)
		httpx.WriteError(w, status, code, http.StatusText(status))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// handleToken is the OAuth2 token endpoint; only the refresh_token grant is
// supported.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if err := r.ParseForm(); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}

	pair, status, code := s.rotate(r.PostForm.Get("refresh_token"))
	switch {
	case status == http.StatusOK:
	case code == CodeRefreshRevoked:
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant", ErrorDescription: "refresh token revoked"})
		return
	case status == http.StatusUnauthorized:
		httpx.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant", ErrorDescription: "unknown refresh token"})
		return
	default:
		httpx.WriteJSON(w, status, oauthError{Error: "temporarily_unavailable"})
		return
	}

	s.mu.Lock()
	ttl := s.accessTTL
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.Access,
		TokenType:    "Bearer",
		RefreshToken: pair.Refresh,
		ExpiresIn:    int(ttl / time.Second),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	if req.RefreshToken != "" {
		delete(s.refreshTokens, req.RefreshToken)
		s.revoked[req.RefreshToken] = true
	}
	s.mu.Unlock()

	httpx.NoCache(w)
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.apiCalls.Add(1)
	claims, _ := ClaimsFrom(r.Context())

	resp := meResponse{Username: claims.Username, SessionID: claims.SID}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Store is a marketplace store listing.
type Store struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	s.apiCalls.Add(1)

	stores := []Store{
		{ID: "st-1", Name: "Ironforge Supplies", Owner: "kim"},
		{ID: "st-2", Name: "Goldshire Goods", Owner: "ana"},
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(stores) {
		stores = stores[:limit]
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

// Post is a forum post created through the API.
type Post struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	s.apiCalls.Add(1)
	claims, _ := ClaimsFrom(r.Context())

	var p Post
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Title == "" {
		httpx.WriteError(w, http.StatusBadRequest, CodeBadRequest, "title is required")
		return
	}
	p.ID = idx.New().String()
	p.Author = claims.Username
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGoldPrice(w http.ResponseWriter, r *http.Request) {
	s.apiCalls.Add(1)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"currency": "gold", "price": 42.5})
}
