package registry

import (
	"github.com/fxamacker/cbor/v2"

	"keelci/internal/core"
)

// Runs are persisted with Core Deterministic Encoding so the same run
// always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("registry: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRun(run *core.Run) ([]byte, error) {
	return encMode.Marshal(run)
}

func decodeRun(data []byte) (*core.Run, error) {
	var run core.Run
	if err := decMode.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
