package voice

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestReasonFor(t *testing.T) {
	cases := []struct {
		err  error
		want FailureReason
	}{
		{NewProviderError(ReasonCredentialsInvalid, errors.New("401")), ReasonCredentialsInvalid},
		{fmt.Errorf("send: %w", NewProviderError(ReasonQuotaExceeded, nil)), ReasonQuotaExceeded},
		{fmt.Errorf("post: %w", context.DeadlineExceeded), ReasonProviderTimeout},
		{errors.New("boom"), ReasonInternal},
	}
	for _, tc := range cases {
		if got := ReasonFor(tc.err); got != tc.want {
			t.Errorf("ReasonFor(%v): want=%s got=%s", tc.err, tc.want, got)
		}
	}
}

func TestReasonRetryable(t *testing.T) {
	retry := map[FailureReason]bool{
		ReasonCredentialsInvalid: false,
		ReasonQuotaExceeded:      false,
		ReasonProviderTimeout:    true,
		ReasonUploadFailed:       true,
		ReasonInternal:           true,
	}
	for r, want := range retry {
		if r.Retryable() != want {
			t.Errorf("%s: want retryable=%v", r, want)
		}
	}
}

func TestReasonForStatus(t *testing.T) {
	cases := map[int]FailureReason{
		401: ReasonCredentialsInvalid,
		403: ReasonCredentialsInvalid,
		429: ReasonQuotaExceeded,
		504: ReasonProviderTimeout,
		502: ReasonUploadFailed,
		400: ReasonInternal,
	}
	for status, want := range cases {
		if got := ReasonForStatus(status); got != want {
			t.Errorf("status %d: want=%s got=%s", status, want, got)
		}
	}
}
