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

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(KindHello, &Hello{
		WorkerId:    "w-1",
		WorkerName:  "encoder",
		Queues:      []string{"video", "audio"},
		Concurrency: 4,
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, KindHello, frame.Kind)

	hello, err := DecodePayload[Hello](frame)
	require.NoError(t, err)
	assert.Equal(t, "w-1", hello.WorkerId)
	assert.Equal(t, []string{"video", "audio"}, hello.Queues)
	assert.Equal(t, 4, hello.Concurrency)
}

func TestDecodeFrame_RejectsMissingKind(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodePayload_ToleratesUnknownFields(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{
		"kind": "task_result",
		"payload": {
			"taskId": "t1",
			"taskRunId": "r1",
			"success": true,
			"someFutureField": {"nested": 1}
		}
	}`))
	require.NoError(t, err)

	result, err := DecodePayload[TaskResult](frame)
	require.NoError(t, err)
	assert.Equal(t, "t1", result.TaskId)
	assert.Equal(t, "r1", result.TaskRunId)
	assert.True(t, result.Success)
}

func TestDecodePayload_EmptyPayload(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"kind": "heartbeat"}`))
	require.NoError(t, err)

	hb, err := DecodePayload[Heartbeat](frame)
	require.NoError(t, err)
	assert.Empty(t, hb.ActiveTaskIds)
	assert.Zero(t, hb.TimestampMs)
}

func TestEncode_WireFormat(t *testing.T) {
	data, err := Encode(KindTaskCancellation, &TaskCancellation{TaskId: "t1", Reason: "user request"})
	require.NoError(t, err)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, KindTaskCancellation, frame.Kind)
	assert.JSONEq(t, `{"taskId":"t1","reason":"user request"}`, string(frame.Payload))
}

func TestEncode_OmitsEmptyOptionalFields(t *testing.T) {
	data, err := Encode(KindTaskCancellation, &TaskCancellation{TaskId: "t1"})
	require.NoError(t, err)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"t1"}`, string(frame.Payload))
}
