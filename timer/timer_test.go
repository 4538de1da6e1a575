package timer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dherrors "github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/timer"
)

func TestNilTimeoutIsPassthrough(t *testing.T) {
	scope := timer.New(context.Background(), nil)
	defer scope.Close()

	require.NoError(t, scope.Context().Err())
	require.False(t, scope.TimedOut())

	someErr := errors.New("boom")
	require.Equal(t, someErr, scope.Translate(someErr))
}

func TestTranslateIsNoopOnSuccess(t *testing.T) {
	scope := timer.New(context.Background(), nil)
	defer scope.Close()
	require.NoError(t, scope.Translate(nil))
}

func TestTimeoutCancelsContextAndTranslatesError(t *testing.T) {
	d := 10 * time.Millisecond
	scope := timer.New(context.Background(), &d)
	defer scope.Close()

	<-scope.Context().Done()
	require.True(t, scope.TimedOut())

	translated := scope.Translate(errors.New("query canceled"))
	require.True(t, dherrors.Is(translated, dherrors.KindTimeout))
}

func TestCloseBeforeDeadlineDoesNotTimeOut(t *testing.T) {
	d := time.Hour
	scope := timer.New(context.Background(), &d)
	scope.Close()
	require.False(t, scope.TimedOut())
}
