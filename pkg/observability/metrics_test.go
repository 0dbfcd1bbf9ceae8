package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveries.WithLabelValues("accepted"))
	RecordDelivery("accepted", 12)
	RecordDelivery("accepted", 3)
	if got := testutil.ToFloat64(deliveries.WithLabelValues("accepted")) - before; got != 2 {
		t.Fatalf("accepted deliveries: got %v want 2", got)
	}
}

func TestOutputGaugeTracksInflightWrites(t *testing.T) {
	before := testutil.ToFloat64(inflightWrites)
	RecordOutputHanded(10)
	RecordOutputHanded(5)
	RecordOutputConfirmed(10)
	if got := testutil.ToFloat64(inflightWrites) - before; got != 1 {
		t.Fatalf("inflight writes: got %v want 1", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	RecordConnectionOpened()
	RecordConnectionClosed()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "amqpplug_connection_events_total") {
		t.Fatalf("metrics output missing connection counter:\n%s", body)
	}
}
