package dispatch

import (
	"errors"
	"testing"
	"time"

	"coachbot/internal/domain"
	"coachbot/internal/retry"
)

func TestRecordAttemptTransitions(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 12, 7, 0, 0, 0, time.UTC)
	flaky := errors.New("timeout")

	cases := []struct {
		name    string
		errs    []error
		want    domain.Outcome
		attempt int
		phases  []string
	}{
		{"first try", []error{nil}, domain.OutcomeSent, 1, []string{"sent"}},
		{"fail fail succeed", []error{flaky, flaky, nil}, domain.OutcomeSent, 3, []string{"retrying(1)", "retrying(2)", "sent"}},
		{"exhausted", []error{flaky, flaky, flaky}, domain.OutcomeFailed, 3, []string{"retrying(1)", "retrying(2)", "failed"}},
		{"permanent", []error{retry.NoRetry(flaky)}, domain.OutcomeFailed, 1, []string{"failed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := domain.DispatchRecord{Outcome: domain.OutcomePending}
			if got := PhaseOf(rec).String(); got != "pending" {
				t.Fatalf("initial phase = %q", got)
			}
			for i, e := range tc.errs {
				again, err := recordAttempt(&rec, e, 3, now)
				if err != nil {
					t.Fatalf("attempt %d: %v", i+1, err)
				}
				if got := PhaseOf(rec).String(); got != tc.phases[i] {
					t.Fatalf("after attempt %d phase = %q, want %q", i+1, got, tc.phases[i])
				}
				if last := i == len(tc.errs)-1; again == last {
					t.Fatalf("attempt %d: again = %v", i+1, again)
				}
			}
			if rec.Outcome != tc.want || rec.Attempts != tc.attempt {
				t.Fatalf("got %s/%d, want %s/%d", rec.Outcome, rec.Attempts, tc.want, tc.attempt)
			}
			if _, err := recordAttempt(&rec, nil, 3, now); !errors.Is(err, ErrTerminal) {
				t.Fatalf("terminal record accepted a transition: %v", err)
			}
		})
	}
}

func TestFailWithoutAttempt(t *testing.T) {
	t.Parallel()
	rec := domain.DispatchRecord{Outcome: domain.OutcomePending}
	if err := failWithoutAttempt(&rec, errors.New("missing variable"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if rec.Outcome != domain.OutcomeFailed || rec.Attempts != 0 || rec.LastError == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := failWithoutAttempt(&rec, errors.New("x"), time.Now()); !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v", err)
	}
}
