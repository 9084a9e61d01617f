// Package mgmt implements the management protocol described in spec.md
// §4.8/§6: a framed length-prefixed JSON envelope exchanged over a Unix
// domain socket (local control) or an optional SCRAM-SHA-256-authenticated
// TCP port (remote control).
package mgmt

import (
	"encoding/json"
	"time"
)

// Command codes, per spec.md §6.
const (
	CommandUnknown            = 0
	CommandTransferConnection = 1
	CommandShutdown           = 2
	CommandStatus             = 3
	CommandStatusDetails      = 4
	CommandPing               = 5
	CommandReset              = 6
	CommandReload             = 7
	CommandConfLs             = 8
	CommandConfGet            = 9
	CommandConfSet            = 10
	CommandMasterKey          = 11
	CommandAddUser            = 12
	CommandUpdateUser         = 13
	CommandRemoveUser         = 14
	CommandListUsers          = 15
)

// Output formats, per spec.md §6.
const (
	OutputText = 0
	OutputJSON = 1
	OutputRaw  = 2
)

// Error codes, per spec.md §7's taxonomy table.
const (
	ErrBadPayload       = 1
	ErrUnknownCommand   = 2
	ErrAllocationFailed = 3

	ErrScrapeForkFailed    = 100
	ErrScrapeNetworkFailed = 101

	ErrStatusFailed        = 700
	ErrStatusDetailsFailed = 701

	ErrBridgeTextForkFailed     = 900
	ErrBridgeTextNetworkFailed  = 901
	ErrBridgeJSONForkFailed     = 902
	ErrBridgeJSONNetworkFailed  = 903

	ErrConfGetNoKey      = 1000
	ErrConfGetUnknownKey = 1001
	ErrConfGetFailed     = 1002

	ErrConfSetNoRequest     = 1100
	ErrConfSetMissingKey    = 1101
	ErrConfSetMissingValue  = 1102
	ErrConfSetUnknownKey    = 1103
	ErrConfSetUnknownServer = 1104
	ErrConfSetNetworkFailed = 1105
	ErrConfSetGeneric       = 1106
)

// Compression/encryption modes, declared for envelope completeness per
// spec.md §4.8 ("may optionally be compressed ... and/or symmetrically
// encrypted"); this implementation only ever sets None, since nothing in
// SPEC_FULL.md's scope requires a live compressed/encrypted management
// session, but the fields round-trip so a future client/server pair can
// negotiate them without an envelope shape change.
const (
	CompressionNone = 0
	CompressionGzip = 1
	CompressionZstd = 2
	CompressionLZ4  = 3
	CompressionBzip2 = 4

	EncryptionNone      = 0
	EncryptionAES128CBC = 1
	EncryptionAES192CBC = 2
	EncryptionAES256CBC = 3
	EncryptionAES128CTR = 4
	EncryptionAES192CTR = 5
	EncryptionAES256CTR = 6
)

// Header is the envelope's mandatory first key, per spec.md §4.8.
type Header struct {
	Command       int    `json:"Command"`
	Output        int    `json:"Output"`
	Compression   int    `json:"Compression"`
	Encryption    int    `json:"Encryption"`
	ClientVersion string `json:"ClientVersion"`
	Timestamp     string `json:"Timestamp"`
}

// Outcome is the envelope's status/error key, per spec.md §4.8.
type Outcome struct {
	Status bool   `json:"Status"`
	Time   string `json:"Time"`
	Error  *int   `json:"Error,omitempty"`
}

// Envelope is the full management message, per spec.md §4.8's mandatory
// three top-level keys plus the server-populated Response.
type Envelope struct {
	Header   Header          `json:"Header"`
	Request  json.RawMessage `json:"Request,omitempty"`
	Response json.RawMessage `json:"Response,omitempty"`
	Outcome  Outcome         `json:"Outcome"`
}

// NewRequest builds a request envelope with a fresh timestamp, ready to be
// marshaled and length-prefix framed.
func NewRequest(command, output int, request any) (Envelope, error) {
	var raw json.RawMessage
	if request != nil {
		b, err := json.Marshal(request)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{
		Header: Header{
			Command:       command,
			Output:        output,
			Compression:   CompressionNone,
			Encryption:    EncryptionNone,
			ClientVersion: ProtocolVersion,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		},
		Request: raw,
	}, nil
}

// ProtocolVersion is reported in Header.ClientVersion.
const ProtocolVersion = "1"

// Success builds a response envelope with Outcome.Status = true, echoing
// the request's header, per spec.md §8's "Management envelope" property.
func Success(req Envelope, response any) (Envelope, error) {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{
		Header:   req.Header,
		Request:  req.Request,
		Response: raw,
		Outcome:  Outcome{Status: true, Time: elapsedSince(req)},
	}, nil
}

// Failure builds a response envelope with Outcome.Status = false and the
// given error code, per spec.md §7's policy ("Outcome.Status=false and a
// numeric Error code are used uniformly for failure").
func Failure(req Envelope, code int) Envelope {
	return Envelope{
		Header:  req.Header,
		Request: req.Request,
		Outcome: Outcome{Status: false, Time: elapsedSince(req), Error: &code},
	}
}

func elapsedSince(req Envelope) string {
	started, err := time.Parse(time.RFC3339, req.Header.Timestamp)
	if err != nil {
		return "00:00:00"
	}
	d := time.Since(started)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
