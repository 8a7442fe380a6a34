package models

import "testing"

func TestStatusCode_IsFinal(t *testing.T) {
	finals := []StatusCode{
		CodeSucceeded,
		CodeDependencyFailed,
		CodeNonzeroExit,
		CodeCancelledByUser,
		CodeUnmatchedPatterns,
		CodeInternalError,
		CodeKilledByAdmin,
		CodeStaleCodelists,
		CodeJobError,
	}

	for _, code := range finals {
		if !code.IsFinal() {
			t.Errorf("Expected %s to be final", code)
		}
	}
}

func TestStatusCode_IsFinal_NonFinal(t *testing.T) {
	nonFinals := []StatusCode{
		CodeCreated,
		CodeInitiated,
		CodeWaitingOnDependencies,
		CodeWaitingOnWorkers,
		CodeWaitingOnReboot,
		CodeWaitingOnNewTask,
		CodePreparing,
		CodeExecuting,
		CodeFinalized,
	}

	for _, code := range nonFinals {
		if code.IsFinal() {
			t.Errorf("Expected %s to not be final", code)
		}
	}
}

func TestStatusCode_IsReset(t *testing.T) {
	resets := []StatusCode{
		CodeWaitingOnReboot,
		CodeWaitingDBMaintenance,
		CodeWaitingOnNewTask,
	}

	for _, code := range resets {
		if !code.IsReset() {
			t.Errorf("Expected %s to be a reset code", code)
		}
	}

	if CodeWaitingOnWorkers.IsReset() {
		t.Error("Expected waiting_on_workers to not be a reset code")
	}
}

func TestStatusCodeFromStage(t *testing.T) {
	cases := []struct {
		stage Stage
		want  StatusCode
	}{
		{StagePreparing, CodePreparing},
		{StagePrepared, CodePrepared},
		{StageExecuting, CodeExecuting},
		{StageExecuted, CodeExecuted},
		{StageFinalizing, CodeFinalizing},
		{StageFinalized, CodeFinalized},
	}

	for _, tc := range cases {
		got := StatusCodeFromStage(tc.stage, CodeCreated)
		if got != tc.want {
			t.Errorf("StatusCodeFromStage(%s) = %s, want %s", tc.stage, got, tc.want)
		}
	}
}

func TestStatusCodeFromStage_UnknownUsesDefault(t *testing.T) {
	got := StatusCodeFromStage(StageError, CodeExecuting)
	if got != CodeExecuting {
		t.Errorf("Expected default code for error stage, got %s", got)
	}

	got = StatusCodeFromStage(StageUnknown, CodeInitiated)
	if got != CodeInitiated {
		t.Errorf("Expected default code for unknown stage, got %s", got)
	}
}

func TestState_IsTerminal(t *testing.T) {
	if !StateFailed.IsTerminal() || !StateSucceeded.IsTerminal() {
		t.Error("Expected failed and succeeded to be terminal")
	}
	if StatePending.IsTerminal() || StateRunning.IsTerminal() {
		t.Error("Expected pending and running to not be terminal")
	}
}
