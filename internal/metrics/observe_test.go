package metrics

import (
	"errors"
	"testing"

	"github.com/chatcore/internal/apperr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOpLabelsByKind(t *testing.T) {
	before := testutil.ToFloat64(Operations.WithLabelValues("test.op", "forbidden"))
	ObserveOp("test.op", apperr.Forbidden("nope"))
	ObserveOp("test.op", nil)
	ObserveOp("test.op", errors.New("boom"))

	assert.Equal(t, before+1, testutil.ToFloat64(Operations.WithLabelValues("test.op", "forbidden")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(Operations.WithLabelValues("test.op", "ok")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(Operations.WithLabelValues("test.op", "internal")), 1.0)
}
