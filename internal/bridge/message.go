package bridge

// Request is one call frame sent by a client.
type Request struct {
	Method    string `json:"method"`
	SuccessID *int   `json:"successId"`
	ErrorID   *int   `json:"errorId"`
	Args      Args   `json:"args"`
}

// Args carries the arguments of every method; each method reads the
// fields it needs.
type Args struct {
	DeviceID           string   `json:"deviceId"`
	ServiceUUID        string   `json:"serviceUuid"`
	CharacteristicUUID string   `json:"characteristicUuid"`
	BinaryData         string   `json:"binaryData"` // base64
	Value              string   `json:"value"`      // older clients' name for binaryData
	Services           []string `json:"services"`
	Seconds            int      `json:"seconds"`
	ReportDuplicates   bool     `json:"reportDuplicates"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is one callback delivery sent to a client.
type Response struct {
	CallbackID   int    `json:"callbackId"`
	Status       string `json:"status"`
	Payload      any    `json:"payload"`
	KeepCallback bool   `json:"keepCallback"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	Clients int    `json:"clients"`
}

// data returns the base64 payload of a write.
func (a Args) data() string {
	if a.BinaryData != "" {
		return a.BinaryData
	}
	return a.Value
}
