package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ReservationsTotal.WithLabelValues("create", "ok").Inc()
	c.ReservationsTotal.WithLabelValues("create", "ok").Inc()
	c.SlotConflicts.WithLabelValues("occupy").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ReservationsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SlotConflicts.WithLabelValues("occupy")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clinic_booking_reservations_total")
}

func TestCollectorsDoNotClash(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
