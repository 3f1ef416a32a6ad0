package proto

import (
	"bytes"
	"encoding/json"
)

// Action names a request understood by the verification service.
type Action string

const (
	ActionPing               Action = "ping"
	ActionCreatePresignedURL Action = "create_presigned_url"
	ActionVerify             Action = "verify"
)

// Status is the outcome tag carried on every response.
type Status string

const (
	StatusVerificationCompleted Status = "verification_completed"
	StatusVerificationFailed    Status = "verification_failed"
	StatusPresignedURLGenerated Status = "presigned_url_generated"
	StatusPong                  Status = "pong"
)

// Request client -> service. RequestID is attached by the transport.
type Request struct {
	Action      Action `json:"action"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

// Response service -> client. A response echoing a RequestID resolves exactly that call.
type Response struct {
	Status           Status              `json:"status"`
	Result           *VerificationResult `json:"result,omitempty"`
	PresignedURLData *PresignedURL       `json:"presigned_url_data,omitempty"`
	Error            string              `json:"error,omitempty"`
	RequestID        string              `json:"requestId,omitempty"`
}

// PresignedURL is a short-lived write credential for one object.
type PresignedURL struct {
	URL       string `json:"presigned_url"`
	ObjectKey string `json:"object_key"`
	S3URI     string `json:"s3_uri"`
}

type VerificationResult struct {
	Timestamp string      `json:"timestamp"`
	Result    AgentOutput `json:"result"`
}

// ResponseType distinguishes a structured report from a plain chat message.
type ResponseType string

const (
	ResponseStructuredReport ResponseType = "structured_report"
	ResponseMessage          ResponseType = "message"
)

type AgentOutput struct {
	ResponseType ResponseType `json:"response_type"`
	Output       Output       `json:"output"`
}

// Output is either free text or a Report on the wire.
// Anything else is kept verbatim in Raw so a reply is never lost to decoding.
type Output struct {
	Text   string
	Report *Report
	Raw    json.RawMessage
}

func (o Output) MarshalJSON() ([]byte, error) {
	switch {
	case o.Report != nil:
		return json.Marshal(o.Report)
	case len(o.Raw) > 0:
		return o.Raw, nil
	default:
		return json.Marshal(o.Text)
	}
}

func (o *Output) UnmarshalJSON(b []byte) error {
	*o = Output{}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &o.Text)
	case '{':
		var r Report
		if err := json.Unmarshal(trimmed, &r); err == nil {
			o.Report = &r
			return nil
		}
	}
	o.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

type InputType string

const (
	InputAudio InputType = "audio"
	InputVideo InputType = "video"
	InputText  InputType = "text"
)

// Report is the structured verdict over one input.
type Report struct {
	InputType   InputType `json:"input_type"`
	Report      string    `json:"report"`
	MediaURI    string    `json:"media_uri,omitempty"`
	Claims      []Claim   `json:"claims"`
	Sources     []Source  `json:"sources"`
	Suggestions []string  `json:"suggestions"`
}

type Judgment string

const (
	JudgmentTrue   Judgment = "True"
	JudgmentFalse  Judgment = "False"
	JudgmentUnsure Judgment = "Unsure"
)

// Claim is one checked statement; StartTime/EndTime locate it in media, in seconds.
type Claim struct {
	Text        string   `json:"text"`
	Judgment    Judgment `json:"judgment"`
	Explanation string   `json:"explanation"`
	StartTime   *float64 `json:"start_time,omitempty"`
	EndTime     *float64 `json:"end_time,omitempty"`
}

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}
