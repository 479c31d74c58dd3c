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

package api

// ErrMismatchedVersion is returned when an APPLY_OPERATION's carried
// ResourceVersion does not match the provider's current value (§4.3).
type ErrMismatchedVersion struct {
	Got, Want ResourceVersion
}

func (e ErrMismatchedVersion) Error() string {
	return "mismatched resource version"
}

// ErrUnknownProvider is returned for a call addressed to a provider id
// the RPM has no stream for (§4.1).
type ErrUnknownProvider struct {
	ID ResourceProviderID
}

func (e ErrUnknownProvider) Error() string {
	return "call to a provider that isn't subscribed"
}

// ErrIdentityMismatch is returned when a resubscribe carries a
// type/name that disagrees with the stored record (§3 immutability).
type ErrIdentityMismatch struct {
	ID ResourceProviderID
}

func (e ErrIdentityMismatch) Error() string {
	return "resubscribe identity mismatch"
}

// ErrStreamIDMismatch is returned when a non-SUBSCRIBE call's
// Mesos-Stream-Id header does not match the subscribed stream (§4.1).
type ErrStreamIDMismatch struct{}

func (e ErrStreamIDMismatch) Error() string {
	return "stream-id mismatch"
}
