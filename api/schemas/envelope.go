package schemas

// Action is the tag carried by every request sent to an executor.
type Action string

const (
	ActionPing                Action = "ping"
	ActionTestLocator         Action = "testLocator"
	ActionClearTestHighlights Action = "clearTestHighlights"
	ActionTestCondition       Action = "testCondition"
	ActionClick               Action = "click"
	ActionInput               Action = "input"
	ActionExtract             Action = "extract"
	ActionCheckState          Action = "checkState"
	ActionDrag                Action = "drag"
	ActionSmartWait           Action = "smartWait"
)

// Payload holds the typed arguments of a request. Only the fields meaningful for
// the action are set.
type Payload struct {
	Locator   *Locator     `json:"locator,omitempty"`
	Condition *Condition   `json:"condition,omitempty"`
	Text      string       `json:"text,omitempty"`
	Clear     bool         `json:"clear,omitempty"`
	Attribute string       `json:"attribute,omitempty"`
	State     ElementState `json:"state,omitempty"`
	Target    *Locator     `json:"target,omitempty"`
	TimeoutMs int64        `json:"timeoutMs,omitempty"`
	Visible   bool         `json:"visible,omitempty"`
}

// Request is the outgoing half of an envelope.
type Request struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	Payload
}

// Reply is the incoming half of an envelope. ID echoes the request id.
type Reply struct {
	ID            string `json:"id"`
	Success       bool   `json:"success"`
	Count         int    `json:"count,omitempty"`
	ConditionMet  bool   `json:"conditionMet,omitempty"`
	ActualValue   string `json:"actualValue,omitempty"`
	ExpectedValue string `json:"expectedValue,omitempty"`
	Value         string `json:"value,omitempty"`
	Error         string `json:"error,omitempty"`
}

// EncodeRequest serializes a request for delivery to an executor.
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeReply parses a reply posted back by an executor.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	err := json.Unmarshal(data, &r)
	return r, err
}
