package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSave(t *testing.T) {
	before := testutil.ToFloat64(savesTotal.WithLabelValues("error"))
	RecordSave(10*time.Millisecond, false)
	assert.Equal(t, before+1, testutil.ToFloat64(savesTotal.WithLabelValues("error")))
}

func TestRoomGauge(t *testing.T) {
	before := testutil.ToFloat64(activeRooms)
	RoomStarted()
	RoomStarted()
	RoomStopped()
	assert.Equal(t, before+1, testutil.ToFloat64(activeRooms))
	RoomStopped()
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordStructureUpdate("merged")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "roomsync_structure_updates_total"))
}
