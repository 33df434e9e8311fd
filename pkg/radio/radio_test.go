package radio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasEndpoints(t *testing.T) {
	svc, eps := HasEndpoints(nil)
	require.False(t, svc)
	require.False(t, eps)

	svc, eps = HasEndpoints([]Service{{ID: "other"}, {ID: ServicePayload, Endpoints: []Endpoint{EndpointRequest}}})
	require.True(t, svc)
	require.False(t, eps)

	svc, eps = HasEndpoints([]Service{{ID: ServicePayload, Endpoints: []Endpoint{EndpointResponse, EndpointRequest}}})
	require.True(t, svc)
	require.True(t, eps)
}

func TestErrorClasses(t *testing.T) {
	require.True(t, IsHostActionable(fmt.Errorf("start: %w", ErrPermissionDenied)))
	require.True(t, IsHostActionable(ErrUnavailable))
	require.False(t, IsHostActionable(ErrBusy))

	require.True(t, IsContention(fmt.Errorf("connect: %w", ErrBusy)))
	require.True(t, IsContention(ErrTooManyBroadcasters))
	require.False(t, IsContention(ErrInternal))
}
