// metrics/metrics_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTargetOperation(t *testing.T) {
	before := testutil.ToFloat64(targetOperationsTotal.WithLabelValues("disk", "upload", "error"))
	RecordTargetOperation("disk", "upload", time.Millisecond, errors.New("boom"))
	RecordTargetOperation("disk", "upload", time.Millisecond, nil)
	after := testutil.ToFloat64(targetOperationsTotal.WithLabelValues("disk", "upload", "error"))
	assert.Equal(t, before+1, after)
}

func TestHandlerExposesMetrics(t *testing.T) {
	SetWorkerState(WorkerRunning)
	RecordFileBackedUp("docs")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "bkmirror_worker_state 1"))
	assert.True(t, strings.Contains(body, `bkmirror_files_backed_up_total{job="docs"}`))
}
