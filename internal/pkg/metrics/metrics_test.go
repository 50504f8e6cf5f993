package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "error", Result(errors.New("boom")))
}

func TestGatewayCallsCounter(t *testing.T) {
	before := testutil.ToFloat64(GatewayCallsTotal.WithLabelValues("test_op", "success"))
	GatewayCallsTotal.WithLabelValues("test_op", "success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(GatewayCallsTotal.WithLabelValues("test_op", "success")))
}
