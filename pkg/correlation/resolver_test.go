package correlation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/correlation"
)

type orderShipped struct {
	OrderID string
	SagaId  string
}

type orderShippedTagged struct {
	SagaId string `correlation:"key"`
}

func TestResolveExplicitRule(t *testing.T) {
	reg := correlation.NewRegistry()
	reg.Register("OrderSaga", "orderShipped", correlation.Rule{
		Accessors:  []correlation.Accessor{correlation.FieldAccessor("OrderID")},
		RequireAll: true,
	})

	v, ok := reg.Resolve("OrderSaga", "orderShipped", &orderShipped{OrderID: "o-1", SagaId: "s-1"})
	require.True(t, ok)
	assert.Equal(t, "o-1", v)
}

func TestResolveConventionSagaId(t *testing.T) {
	reg := correlation.NewRegistry()
	v, ok := reg.Resolve("OrderSaga", "orderShipped", &orderShipped{SagaId: "s-42"})
	require.True(t, ok)
	assert.Equal(t, "s-42", v)
}

func TestResolveNoMatch(t *testing.T) {
	reg := correlation.NewRegistry()
	_, ok := reg.Resolve("OrderSaga", "orderShipped", &orderShipped{})
	assert.False(t, ok)
}

func TestResolveAnnotatedField(t *testing.T) {
	reg := correlation.NewRegistry()
	v, ok := reg.Resolve("OrderSaga", "tagged", &orderShippedTagged{SagaId: "s-7"})
	require.True(t, ok)
	assert.Equal(t, "s-7", v)
}

func TestRegisterTwicePanics(t *testing.T) {
	reg := correlation.NewRegistry()
	reg.Register("OrderSaga", "orderShipped", correlation.Rule{Accessors: []correlation.Accessor{correlation.FieldAccessor("OrderID")}})
	assert.Panics(t, func() {
		reg.Register("OrderSaga", "orderShipped", correlation.Rule{Accessors: []correlation.Accessor{correlation.FieldAccessor("OrderID")}})
	})
}

func TestCompositeRuleJoinsWithPipe(t *testing.T) {
	reg := correlation.NewRegistry()
	reg.Register("OrderSaga", "orderShipped", correlation.Rule{
		Accessors: []correlation.Accessor{
			correlation.FieldAccessor("OrderID"),
			correlation.FieldAccessor("SagaId"),
		},
		RequireAll: true,
	})
	v, ok := reg.Resolve("OrderSaga", "orderShipped", &orderShipped{OrderID: "o-1", SagaId: "s-1"})
	require.True(t, ok)
	assert.Equal(t, "o-1|s-1", v)
}
