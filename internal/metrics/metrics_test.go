package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestObserveStage(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)
	ObserveStage("metrics_test", time.Now().Add(-2*time.Second))
	assert.Equal(t, before+1, testutil.CollectAndCount(StageDuration), "a new stage label adds one series")
}

func TestFramesProcessedPerStage(t *testing.T) {
	c := FramesProcessedTotal.WithLabelValues("metrics_test")
	start := testutil.ToFloat64(c)
	c.Inc()
	c.Inc()
	assert.Equal(t, start+2, testutil.ToFloat64(c))
}

func TestServeDisabled(t *testing.T) {
	assert.Nil(t, Serve(context.Background(), "", zap.NewNop()))
}
