// Copyright 2025 Valka Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import (
	"time"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/statemachine"
)

// ApplyFailure routes one failed attempt. The task goes to RETRY with
// a backoff-delayed scheduled_at while attempts remain, otherwise to
// FAILED and on to DEAD_LETTER once the dead-letter copy is written.
// The scheduler applies the same rules to lease-expired runs.
//
// attempt counts failures including this one. The from set guards the
// CAS so a concurrent cancellation wins.
func ApplyFailure(
	tasks repo.ITaskRepository,
	deadLetters repo.IDeadLetterRepository,
	backoff *Backoff,
	task *model.Task,
	from []statemachine.TaskStatus,
	attempt int,
	errorMessage string,
	retryable bool,
	now time.Time,
) (statemachine.TaskStatus, error) {
	if retryable && attempt < task.MaxRetries {
		due := now.Add(backoff.Delay(attempt))
		err := tasks.UpdateStatus(task.TaskId, from, statemachine.TaskStatusRetry, map[string]any{
			"attempt_count": attempt,
			"error_message": errorMessage,
			"scheduled_at":  due,
		})
		if err != nil {
			return "", err
		}
		return statemachine.TaskStatusRetry, nil
	}

	err := tasks.UpdateStatus(task.TaskId, from, statemachine.TaskStatusFailed, map[string]any{
		"attempt_count": attempt,
		"error_message": errorMessage,
		"finished_at":   now,
	})
	if err != nil {
		return "", err
	}

	entry := &model.DeadLetter{
		TaskId:       task.TaskId,
		Queue:        task.Queue,
		Name:         task.Name,
		Input:        task.Input,
		Metadata:     task.Metadata,
		AttemptCount: attempt,
		ErrorMessage: errorMessage,
		DeadAt:       now,
	}
	if err := deadLetters.Create(entry); err != nil {
		// When retries are exhausted the dead-letter mover finishes the
		// job on its next pass; a non-retryable failure with attempts
		// left is not picked up by the mover.
		return statemachine.TaskStatusFailed, err
	}
	if err := tasks.UpdateStatus(task.TaskId,
		[]statemachine.TaskStatus{statemachine.TaskStatusFailed},
		statemachine.TaskStatusDeadLetter, nil); err != nil {
		// The row stays FAILED with its copy written; the mover
		// replays the flip.
		return statemachine.TaskStatusFailed, err
	}
	return statemachine.TaskStatusDeadLetter, nil
}
