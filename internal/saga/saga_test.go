package saga

import (
	"context"
	"errors"
	"testing"
)

func TestRunAllStepsSucceed(t *testing.T) {
	var order []string
	runner := New(
		Step{Name: "first", Do: func(context.Context) error {
			order = append(order, "first")
			return nil
		}, Undo: func(context.Context) error {
			order = append(order, "undo-first")
			return nil
		}},
		Step{Name: "second", Do: func(context.Context) error {
			order = append(order, "second")
			return nil
		}, Undo: func(context.Context) error {
			order = append(order, "undo-second")
			return nil
		}},
	)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	var order []string
	boom := errors.New("boom")

	runner := New(
		Step{Name: "a", Do: func(context.Context) error {
			order = append(order, "a")
			return nil
		}, Undo: func(context.Context) error {
			order = append(order, "undo-a")
			return nil
		}},
		Step{Name: "b", Do: func(context.Context) error {
			order = append(order, "b")
			return nil
		}, Undo: func(context.Context) error {
			order = append(order, "undo-b")
			return nil
		}},
		Step{Name: "c", Do: func(context.Context) error {
			return boom
		}, Undo: func(context.Context) error {
			order = append(order, "undo-c")
			return nil
		}},
	)

	err := runner.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped step error, got %v", err)
	}

	want := []string{"a", "b", "undo-b", "undo-a"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("at %d: expected %s, got %s (full: %v)", i, want[i], order[i], order)
		}
	}
}

func TestCompensationFailureIsReportedNotRetried(t *testing.T) {
	undoCalls := 0
	var reported string

	runner := New(
		Step{Name: "write", Do: func(context.Context) error {
			return nil
		}, Undo: func(context.Context) error {
			undoCalls++
			return errors.New("undo failed")
		}},
		Step{Name: "fail", Do: func(context.Context) error {
			return errors.New("hard failure")
		}, Undo: func(context.Context) error { return nil }},
	)
	runner.OnCompensateError = func(step string, err error) {
		reported = step
	}

	if err := runner.Run(context.Background()); err == nil {
		t.Fatalf("expected run to fail")
	}
	if undoCalls != 1 {
		t.Fatalf("expected exactly one undo attempt, got %d", undoCalls)
	}
	if reported != "write" {
		t.Fatalf("expected compensation failure reported for step write, got %q", reported)
	}
}

func TestHardStepWithoutUndoStillCompensatesEarlierSteps(t *testing.T) {
	undone := false

	runner := New(
		Step{Name: "write", Do: func(context.Context) error {
			return nil
		}, Undo: func(context.Context) error {
			undone = true
			return nil
		}},
		Step{Name: "apply", Do: func(context.Context) error {
			return errors.New("apply failed")
		}},
	)

	if err := runner.Run(context.Background()); err == nil {
		t.Fatalf("expected run to fail")
	}
	if !undone {
		t.Fatalf("expected earlier step to be compensated")
	}
}

func TestSoftStepFailureDoesNotCompensate(t *testing.T) {
	undone := false
	var soft string

	runner := New(
		Step{Name: "write", Do: func(context.Context) error {
			return nil
		}, Undo: func(context.Context) error {
			undone = true
			return nil
		}},
		Step{Name: "mark", Soft: true, Do: func(context.Context) error {
			return errors.New("mark failed")
		}},
	)
	runner.OnSoftFailure = func(step string, err error) {
		soft = step
	}

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("soft failure must not fail the run: %v", err)
	}
	if undone {
		t.Fatalf("soft failure must not trigger compensation")
	}
	if soft != "mark" {
		t.Fatalf("expected soft failure reported for step mark, got %q", soft)
	}
}
