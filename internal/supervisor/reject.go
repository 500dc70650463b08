package supervisor

import (
	"encoding/json"

	"github.com/ianremillard/lucidity-host/internal/control"
	"github.com/ianremillard/lucidity-host/internal/frame"
)

// mustAdmissionRejected builds the framed error control message sent to a
// connection rejected for exceeding the admission cap. Encoding a small,
// fixed JSON literal cannot fail; a panic here would indicate a broken
// build, not a runtime condition.
func mustAdmissionRejected() []byte {
	payload, err := json.Marshal(control.ErrorResponse{
		Op:      control.OpError,
		Message: "admission cap reached",
	})
	if err != nil {
		panic(err)
	}
	encoded, err := frame.Encode(frame.TypeControl, payload)
	if err != nil {
		panic(err)
	}
	return encoded
}
