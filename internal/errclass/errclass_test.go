// SPDX-License-Identifier: GPL-3.0-or-later

package errclass

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, Unknown, Classify(nil))
}

func TestClassifyClosed(t *testing.T) {
	assert.Equal(t, Fatal, Classify(net.ErrClosed))
}

func TestClassifyOpError(t *testing.T) {
	tests := []struct {
		op   string
		want Class
	}{
		{"dial", Transient},
		{"read", Transient},
		{"write", Transient},
		{"listen", Fatal},
		{"close", Unknown},
	}
	for _, tt := range tests {
		err := &net.OpError{Op: tt.op, Err: errors.New("boom")}
		assert.Equal(t, tt.want, Classify(err), tt.op)
	}
}

func TestIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.False(t, IsTimeout(errors.New("boom")))
}
