package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAll(t *testing.T) {
	st := CheckAll(context.Background(), time.Second,
		Ping("store", func(context.Context) error { return nil }),
		Configured("hume", false, "HUME_API_KEY"),
	)
	assert.True(t, st.OK)
	assert.Len(t, st.Checks, 2)
	assert.Equal(t, "store", st.Checks[0].Name)
	assert.False(t, st.Checks[1].OK)
	assert.Equal(t, "HUME_API_KEY not set", st.Checks[1].Error)
	assert.Contains(t, st.String(), "✗ hume")
}

func TestCheckAllRequiredFailure(t *testing.T) {
	st := CheckAll(context.Background(), time.Second,
		Ping("store", func(context.Context) error { return errors.New("down") }),
	)
	assert.False(t, st.OK)
	assert.Contains(t, st.String(), "Health: FAIL")
}

func TestCheckAllTimeout(t *testing.T) {
	st := CheckAll(context.Background(), 10*time.Millisecond,
		Ping("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	assert.False(t, st.OK)
	assert.Equal(t, context.DeadlineExceeded.Error(), st.Checks[0].Error)
}
