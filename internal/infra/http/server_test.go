package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestServerRoutesRegisteredHandlers(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("метрики обслуживает отдельный сервер, ожидали 404, получили %d", rec.Code)
	}
}

func TestServerShutdownBeforeStart(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("остановка незапущенного сервера: %v", err)
	}
}
