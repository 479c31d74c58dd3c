/*
Copyright The SLRP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package csiclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeFail},
		{"plain error", errors.New("boom"), OutcomeRetry},
		{"unavailable", status.Error(codes.Unavailable, "down"), OutcomeRetry},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "slow"), OutcomeRetry},
		{"internal", status.Error(codes.Internal, "oops"), OutcomeFail},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), OutcomeFail},
		{"not found", status.Error(codes.NotFound, "gone"), OutcomeFail},
		{"already exists", status.Error(codes.AlreadyExists, "dup"), OutcomeFail},
		{"failed precondition", status.Error(codes.FailedPrecondition, "nope"), OutcomeFail},
		{"aborted", status.Error(codes.Aborted, "busy"), OutcomeFail},
		{"unimplemented", status.Error(codes.Unimplemented, "nope"), OutcomeFail},
		{"data loss", status.Error(codes.DataLoss, "gone"), OutcomeFail},
		{"cancelled", status.Error(codes.Canceled, "stop"), OutcomeFail},
		{"unknown", status.Error(codes.Unknown, "?"), OutcomeFail},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "full"), OutcomeFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, func() error {
		attempts++
		return status.Error(codes.Unavailable, "down")
	})
	require.Error(t, err)
}
