package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/protocol"
)

func TestPollResult(t *testing.T) {
	tests := []struct {
		name    string
		ok      bool
		result  string
		errText string
		want    string
		wantErr error
		failure string
	}{
		{name: "completed", ok: true, result: `{"n":1}`, want: `{"n":1}`},
		{name: "completed without result", ok: true},
		{name: "still running", errText: protocol.StillRunning, wantErr: ErrStillRunning},
		{name: "stopped", errText: protocol.Stopped, wantErr: ErrStopped},
		{name: "failed", errText: "division by zero", failure: "division by zero"},
		{name: "failed without text", failure: "task failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.result != "" {
				raw = json.RawMessage(tt.result)
			}
			got, err := pollResult("t-1", tt.ok, raw, tt.errText)

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.failure != "":
				var fe *FailureError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, "t-1", fe.TaskID)
				assert.Equal(t, tt.failure, fe.Message)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, string(got))
			}
		})
	}
}

func TestIsRejected(t *testing.T) {
	rejected := &RequestError{Op: protocol.OpSubmit, Message: "bad code"}
	assert.True(t, IsRejected(rejected))
	assert.True(t, IsRejected(fmt.Errorf("wrapped: %w", rejected)))
	assert.False(t, IsRejected(errors.New("connection reset")))
	assert.False(t, IsRejected(nil))

	assert.Equal(t, "runtime rejected submit: bad code", rejected.Error())
	withTask := &RequestError{Op: protocol.OpDecide, TaskID: "t-9", Message: "no prompt"}
	assert.Equal(t, "runtime rejected decide for task t-9: no prompt", withTask.Error())
}
