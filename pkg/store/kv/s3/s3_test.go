package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no such key", &types.NoSuchKey{}, kv.ErrNotFound},
		{"not found code", &smithy.GenericAPIError{Code: "NotFound"}, kv.ErrNotFound},
		{"precondition failed", &smithy.GenericAPIError{Code: "PreconditionFailed"}, kv.ErrVersionConflict},
		{"conditional conflict", &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, kv.ErrVersionConflict},
		{"cancelled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate("get", "k", tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestTranslate_WrapsOtherErrors(t *testing.T) {
	err := translate("delete", "feed:a:config", &smithy.GenericAPIError{Code: "SlowDown"})

	var storeErr *kv.StoreError
	assert.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "delete", storeErr.Op)
	assert.Equal(t, "feed:a:config", storeErr.Key)
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3StoreConfig{Bucket: "b"})
	assert.Error(t, err)
}
