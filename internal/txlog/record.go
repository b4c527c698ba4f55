package txlog

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which variant a Record is.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeployed
	KindUpgraded
	KindTruncated
	KindInvoke
	KindResult
	KindFailedComplete
	KindMessage
	KindData
	KindReturn
	KindConsumed
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindDeployed:       "deployed",
	KindUpgraded:       "upgraded",
	KindTruncated:      "truncated",
	KindInvoke:         "invoke",
	KindResult:         "result",
	KindFailedComplete: "failed_complete",
	KindMessage:        "log",
	KindData:           "data",
	KindReturn:         "return",
	KindConsumed:       "consumed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Record is one parsed runtime log line. The set of implementations is closed.
type Record interface {
	Kind() Kind
	record()
}

// ProgramDeployed is emitted by the loader when a program is first deployed.
type ProgramDeployed struct {
	ProgramID string `json:"program_id"`
}

// ProgramUpgraded is emitted by the loader when a program is upgraded.
type ProgramUpgraded struct {
	ProgramID string `json:"program_id"`
}

// Truncated marks the point where the runtime stopped recording logs.
type Truncated struct{}

// ProgramInvoke opens an invocation at the given nesting level.
type ProgramInvoke struct {
	ProgramID string `json:"program_id"`
	Level     uint32 `json:"level"`
}

// ProgramResult closes an invocation. Err is nil on success.
type ProgramResult struct {
	ProgramID string  `json:"program_id"`
	Err       *string `json:"err,omitempty"`
}

// ProgramFailedComplete reports that the current invocation could not finish.
type ProgramFailedComplete struct {
	Err string `json:"err"`
}

// ProgramMessage is a "Program log:" line. Text may span several lines.
type ProgramMessage struct {
	Text string `json:"text"`
}

// ProgramDataPayload is a "Program data:" line holding base64 text.
type ProgramDataPayload struct {
	Data string `json:"data"`
}

// ProgramReturn carries base64 return data set by ProgramID.
type ProgramReturn struct {
	ProgramID string `json:"program_id"`
	Data      string `json:"data"`
}

// ProgramConsumed reports compute units used against the budget.
type ProgramConsumed struct {
	ProgramID string `json:"program_id"`
	Consumed  uint64 `json:"consumed"`
	Budget    uint64 `json:"budget"`
}

// UnknownFormat keeps a line that matched no pattern in tolerant mode.
type UnknownFormat struct {
	Raw string `json:"raw"`
}

func (ProgramDeployed) Kind() Kind       { return KindDeployed }
func (ProgramUpgraded) Kind() Kind       { return KindUpgraded }
func (Truncated) Kind() Kind             { return KindTruncated }
func (ProgramInvoke) Kind() Kind         { return KindInvoke }
func (ProgramResult) Kind() Kind         { return KindResult }
func (ProgramFailedComplete) Kind() Kind { return KindFailedComplete }
func (ProgramMessage) Kind() Kind        { return KindMessage }
func (ProgramDataPayload) Kind() Kind    { return KindData }
func (ProgramReturn) Kind() Kind         { return KindReturn }
func (ProgramConsumed) Kind() Kind       { return KindConsumed }
func (UnknownFormat) Kind() Kind         { return KindUnknown }

func (ProgramDeployed) record()       {}
func (ProgramUpgraded) record()       {}
func (Truncated) record()             {}
func (ProgramInvoke) record()         {}
func (ProgramResult) record()         {}
func (ProgramFailedComplete) record() {}
func (ProgramMessage) record()        {}
func (ProgramDataPayload) record()    {}
func (ProgramReturn) record()         {}
func (ProgramConsumed) record()       {}
func (UnknownFormat) record()         {}

// Failed reports whether the result carries an error.
func (r ProgramResult) Failed() bool { return r.Err != nil }

func (r ProgramDeployed) MarshalJSON() ([]byte, error) {
	type plain ProgramDeployed
	return tagged(r.Kind(), plain(r))
}

func (r ProgramUpgraded) MarshalJSON() ([]byte, error) {
	type plain ProgramUpgraded
	return tagged(r.Kind(), plain(r))
}

func (r Truncated) MarshalJSON() ([]byte, error) {
	return tagged(r.Kind(), struct{}{})
}

func (r ProgramInvoke) MarshalJSON() ([]byte, error) {
	type plain ProgramInvoke
	return tagged(r.Kind(), plain(r))
}

func (r ProgramResult) MarshalJSON() ([]byte, error) {
	type plain ProgramResult
	return tagged(r.Kind(), plain(r))
}

func (r ProgramFailedComplete) MarshalJSON() ([]byte, error) {
	type plain ProgramFailedComplete
	return tagged(r.Kind(), plain(r))
}

func (r ProgramMessage) MarshalJSON() ([]byte, error) {
	type plain ProgramMessage
	return tagged(r.Kind(), plain(r))
}

func (r ProgramDataPayload) MarshalJSON() ([]byte, error) {
	type plain ProgramDataPayload
	return tagged(r.Kind(), plain(r))
}

func (r ProgramReturn) MarshalJSON() ([]byte, error) {
	type plain ProgramReturn
	return tagged(r.Kind(), plain(r))
}

func (r ProgramConsumed) MarshalJSON() ([]byte, error) {
	type plain ProgramConsumed
	return tagged(r.Kind(), plain(r))
}

func (r UnknownFormat) MarshalJSON() ([]byte, error) {
	type plain UnknownFormat
	return tagged(r.Kind(), plain(r))
}

// tagged prepends a "kind" member to the JSON object encoding of v.
func tagged(k Kind, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head := []byte(`{"kind":"` + k.String() + `"`)
	if len(body) <= 2 {
		return append(head, '}'), nil
	}
	head = append(head, ',')
	return append(head, body[1:]...), nil
}
