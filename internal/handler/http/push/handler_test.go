package push

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/middleware"
	"callcore-backend/pkg/push"
)

type tokenStore struct {
	stored  []*push.Token
	deleted []string
	err     error
}

func (s *tokenStore) Store(ctx context.Context, token *push.Token) error {
	if s.err != nil {
		return s.err
	}
	s.stored = append(s.stored, token)
	return nil
}

func (s *tokenStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	return nil, nil
}

func (s *tokenStore) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	s.deleted = append(s.deleted, token)
	return s.err
}

func (s *tokenStore) MarkInactive(ctx context.Context, token string) error { return nil }

func setupRouter(store *tokenStore, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set(middleware.ContextUserID, userID)
		}
		c.Next()
	})
	NewHandler(push.NewService(&push.MockProvider{}, store, nil)).RegisterRoutes(v1)
	return r
}

func TestRegisterToken(t *testing.T) {
	userID := uuid.New()
	store := &tokenStore{}
	r := setupRouter(store, userID)

	req := httptest.NewRequest(http.MethodPost, "/v1/push/tokens",
		bytes.NewBufferString(`{"token":"device-token","type":"fcm","platform":"android"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, store.stored, 1)
	assert.Equal(t, userID, store.stored[0].UserID)
	assert.Equal(t, push.TokenTypeFCM, store.stored[0].Type)
	assert.True(t, store.stored[0].Active)
}

func TestRegisterToken_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing token", `{"type":"fcm"}`},
		{"unknown type", `{"token":"x","type":"sms"}`},
		{"unknown platform", `{"token":"x","type":"apns","platform":"symbian"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &tokenStore{}
			r := setupRouter(store, uuid.New())

			req := httptest.NewRequest(http.MethodPost, "/v1/push/tokens", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_INPUT")
			assert.Empty(t, store.stored)
		})
	}
}

func TestUnregisterToken(t *testing.T) {
	store := &tokenStore{}
	r := setupRouter(store, uuid.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/push/tokens/device-token", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"device-token"}, store.deleted)

	store.err = errors.New("redis is in degraded mode")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/push/tokens/device-token", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestRequiresAuthentication(t *testing.T) {
	r := setupRouter(&tokenStore{}, uuid.Nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/push/tokens/device-token", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
