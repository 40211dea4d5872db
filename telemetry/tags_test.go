package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/age/alice", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	SetRoute(r, "age")
	SetEndpoint(r, "lookup")
	SetCacheResult(r, CacheHit)

	tags := GetTags(r)
	require.Equal(t, "age", tags.Route)
	require.Equal(t, "lookup", tags.Endpoint)
	require.Equal(t, CacheHit, tags.CacheResult)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// Should not panic
	SetRoute(r, "age")
	SetEndpoint(r, "lookup")
	SetCacheResult(r, CacheMiss)
	require.Nil(t, GetTags(r))
}

func TestRouteFromContext(t *testing.T) {
	require.Empty(t, RouteFromContext(context.Background()))

	ctx := WithRouteContext(context.Background(), "scan")
	require.Equal(t, "scan", RouteFromContext(ctx))

	r := newTaggedRequest()
	SetRoute(r, "age")
	require.Equal(t, "age", RouteFromContext(r.Context()))
}
