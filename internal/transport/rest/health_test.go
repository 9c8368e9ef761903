package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/frahmantamala/payment-connector/internal/transport/rest"
)

var _ = Describe("Health", func() {
	var db *sqlx.DB

	serve := func(path string, checks ...rest.HealthCheck) *httptest.ResponseRecorder {
		router := chi.NewRouter()
		rest.RegisterAllRoutes(router, db, rest.Handlers{HealthChecks: checks},
			slog.New(slog.NewTextHandler(io.Discard, nil)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())
		sqlDB, err := gormDB.DB()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sqlDB.Close)
		db = sqlx.NewDb(sqlDB, "sqlite3")
	})

	It("should answer ping", func() {
		rec := serve("/ping")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"OK"`))
	})

	It("should report healthy when every component answers", func() {
		rec := serve("/healthcheck", rest.HealthCheck{
			Name:  "event_queue",
			Check: func(ctx context.Context) error { return nil },
		})

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp rest.HealthResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal(rest.HealthHealthy))
		Expect(resp.Components).To(HaveKey("postgres"))
		Expect(resp.Components).To(HaveKey("event_queue"))
	})

	It("should report unhealthy when a component fails", func() {
		rec := serve("/healthcheck", rest.HealthCheck{
			Name:  "event_queue",
			Check: func(ctx context.Context) error { return errors.New("queue unreachable") },
		})

		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		var resp rest.HealthResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal(rest.HealthUnhealthy))
		Expect(resp.Components["event_queue"].Message).To(Equal("queue unreachable"))
		Expect(resp.Components["postgres"].Status).To(Equal(rest.HealthHealthy))
	})
})
