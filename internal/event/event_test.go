package event

import "testing"

func TestProcessStarted(t *testing.T) {
	e := ProcessStarted("web", 42)
	if e.Kind != KindProcessStarted || e.App != "web" || e.Pid != 42 {
		t.Errorf("got %+v", e)
	}
}

func TestProcessExited(t *testing.T) {
	e := ProcessExited("web", 1)
	if e.Kind != KindProcessExited || e.ExitCode != 1 {
		t.Errorf("got %+v", e)
	}
}

func TestProcessRestarting(t *testing.T) {
	e := ProcessRestarting("web", 3, 500)
	if e.Kind != KindProcessRestarting || e.Attempt != 3 || e.DelayMS != 500 {
		t.Errorf("got %+v", e)
	}
}

func TestResourceLimitExceeded(t *testing.T) {
	e := ResourceLimitExceeded("web", "memory", 1024, 2048)
	if e.Kind != KindResourceLimitExceeded || e.Resource != "memory" || e.Limit != 1024 || e.Current != 2048 {
		t.Errorf("got %+v", e)
	}
}

func TestLogLine(t *testing.T) {
	e := LogLine("web", "stderr", "panic: x")
	if e.Kind != KindLogLine || e.Stream != "stderr" || e.Line != "panic: x" {
		t.Errorf("got %+v", e)
	}
}

func TestStatusChange(t *testing.T) {
	e := StatusChange("web", "running")
	if e.Kind != KindStatusChange || e.State != "running" {
		t.Errorf("got %+v", e)
	}
}

func TestHealthCheckFailed(t *testing.T) {
	e := HealthCheckFailed("web", "timeout")
	if e.Kind != KindHealthCheckFailed || e.Reason != "timeout" {
		t.Errorf("got %+v", e)
	}
}
