package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("heartbeat: %w", AgentDeactivated("a-1"))
	require.Equal(t, KindConflict, KindOf(err))
	require.True(t, IsCode(err, CodeAgentDeactivated))
	require.Equal(t, http.StatusConflict, KindOf(err).HTTPStatus())
}

func TestKindOfUntypedIsInternal(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, KindOf(nil).HTTPStatus())
}

func TestRetryableKinds(t *testing.T) {
	require.True(t, KindTransient.Retryable())
	require.False(t, KindIntegrity.Retryable())
	require.False(t, KindValidation.Retryable())
	require.False(t, KindNotFound.Retryable())
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal(errors.New("disk I/O error at /var/lib"), "failed to load agent")
	require.Equal(t, "failed to load agent", err.Message)
	require.ErrorContains(t, err, "disk I/O")
}

func TestTransientCarriesRetryAfter(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := Transient(errors.New("database is locked"), at, "persistence unavailable")
	typed, ok := As(err)
	require.True(t, ok)
	require.Equal(t, at, typed.RetryAfter)
	require.Equal(t, http.StatusServiceUnavailable, typed.Kind.HTTPStatus())
}
