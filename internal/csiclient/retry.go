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
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Outcome classifies a CSI RPC failure the way §4.2 requires operation
// handling to: UNAVAILABLE/DEADLINE_EXCEEDED are the only codes worth
// retrying against a possibly-unreachable plugin; every other code is
// a permanent rejection of the request and fails the operation.
type Outcome int

const (
	// OutcomeRetry means the call should be attempted again after backoff.
	OutcomeRetry Outcome = iota
	// OutcomeFail means the operation this call belongs to is terminally failed.
	OutcomeFail
)

// Classify maps a gRPC status code from a CSI RPC to an Outcome,
// grounded verbatim on §4.2's permanent-code list and the original's
// __call template (original_source/src/resource_provider/storage/provider.cpp,
// ~lines 471-505): only UNAVAILABLE and DEADLINE_EXCEEDED are retried;
// ABORTED, INTERNAL, UNIMPLEMENTED, DATA_LOSS, CANCELLED, UNKNOWN,
// RESOURCE_EXHAUSTED, and every request-rejection code fail immediately.
// An error that carries no gRPC status at all is retried.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeFail
	}
	st, ok := status.FromError(err)
	if !ok {
		return OutcomeRetry
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return OutcomeRetry
	default:
		return OutcomeFail
	}
}

// Retry runs op, retrying on OutcomeRetry errors with exponential
// backoff until it either succeeds, returns a non-retryable error, or
// ctx is done. It is the client-side counterpart of the teacher's
// wait.ExponentialBackoff usage in rbd_attach.go, swapped for
// cenkalti/backoff/v4 per the rest of the dependency pack's idiom.
func Retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(newBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if Classify(err) != OutcomeRetry {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
