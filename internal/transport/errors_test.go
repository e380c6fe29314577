package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{400, KindPermanent},
		{401, KindConfig},
		{403, KindConfig},
		{404, KindPermanent},
		{408, KindTransient},
		{422, KindPermanent},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyHTTP("x", tt.status, "").Kind)
		})
	}
}

func TestClassifySMTP(t *testing.T) {
	assert.Equal(t, KindTransient, classifySMTP("smtp", 421, "").Kind)
	assert.Equal(t, KindTransient, classifySMTP("smtp", 451, "").Kind)
	assert.Equal(t, KindPermanent, classifySMTP("smtp", 550, "").Kind)
	assert.Equal(t, KindPermanent, classifySMTP("smtp", 554, "").Kind)
	assert.Equal(t, KindConfig, classifySMTP("smtp", 535, "").Kind)
}

func TestKindOf(t *testing.T) {
	perm := &Error{Kind: KindPermanent, Provider: "smtp", Code: "550", Message: "rejected"}

	assert.True(t, IsPermanent(perm))
	assert.True(t, IsPermanent(fmt.Errorf("send: %w", perm)))
	assert.False(t, IsTransient(perm))
	assert.Equal(t, "550", CodeOf(fmt.Errorf("send: %w", perm)))

	// unclassified errors retry
	assert.True(t, IsTransient(errors.New("boom")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(ErrCircuitOpen))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	assert.Equal(t, "smtp: permanent (550): rejected", perm.Error())
}
