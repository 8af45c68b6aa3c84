package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned when a frame is not a JSON array of objects.
var ErrMalformed = errors.New("protocol: malformed frame")

// AnomalyError describes one frame element the engine could not use. The
// element is skipped; the rest of the frame is still processed.
type AnomalyError struct {
	Code    AnomalyCode
	Cmd     string
	Message string
}

// AnomalyCode categorizes protocol anomalies.
type AnomalyCode string

const (
	// AnomalyUnknownCommand is an element with an unrecognized cmd.
	AnomalyUnknownCommand AnomalyCode = "UNKNOWN_COMMAND"
	// AnomalyBadBody is an element whose fields do not decode.
	AnomalyBadBody AnomalyCode = "BAD_BODY"
	// AnomalyOutOfOrder is a message that arrived in a state where it makes
	// no sense (items before Connected, for example).
	AnomalyOutOfOrder AnomalyCode = "OUT_OF_ORDER"
)

func (e *AnomalyError) Error() string {
	if e.Cmd != "" {
		return fmt.Sprintf("%s: %s (cmd=%s)", e.Code, e.Message, e.Cmd)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsAnomaly reports whether err is an AnomalyError.
func IsAnomaly(err error) bool {
	var ae *AnomalyError
	return errors.As(err, &ae)
}

// NewOutOfOrder reports a message that arrived too early or too late.
func NewOutOfOrder(cmd, message string) *AnomalyError {
	return &AnomalyError{Code: AnomalyOutOfOrder, Cmd: cmd, Message: message}
}

type envelope struct {
	Cmd string `json:"cmd"`
}

// DecodeFrame splits a frame into messages. A frame that is not an array
// returns ErrMalformed; individual bad elements are reported as
// AnomalyErrors alongside the messages that did decode.
func DecodeFrame(data []byte) ([]Message, []error, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msgs := make([]Message, 0, len(raw))
	var anomalies []error
	for _, elem := range raw {
		m, err := decodeOne(elem)
		if err != nil {
			anomalies = append(anomalies, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, anomalies, nil
}

func decodeOne(elem json.RawMessage) (Message, error) {
	var env envelope
	if err := json.Unmarshal(elem, &env); err != nil {
		return nil, &AnomalyError{Code: AnomalyBadBody, Message: err.Error()}
	}

	var m Message
	switch env.Cmd {
	case CmdRoomInfo:
		m = &RoomInfo{}
	case CmdConnected:
		m = &Connected{}
	case CmdConnectionRefused:
		m = &ConnectionRefused{}
	case CmdReceivedItems:
		m = &ReceivedItems{}
	case CmdRetrieved:
		m = &Retrieved{}
	case CmdBounced:
		m = &Bounced{}
	// Outbound commands decode too, so the loopback coordinator can read
	// what a client sends.
	case CmdConnect:
		m = &Connect{}
	case CmdConnectUpdate:
		m = &ConnectUpdate{}
	case CmdLocationChecks:
		m = &LocationChecks{}
	case CmdSet:
		m = &Set{}
	case CmdGet:
		m = &Get{}
	case CmdStatusUpdate:
		m = &StatusUpdate{}
	case CmdSync:
		m = &Sync{}
	case CmdBounce:
		m = &Bounce{}
	default:
		return nil, &AnomalyError{Code: AnomalyUnknownCommand, Cmd: env.Cmd, Message: "unrecognized command"}
	}

	if err := json.Unmarshal(elem, m); err != nil {
		return nil, &AnomalyError{Code: AnomalyBadBody, Cmd: env.Cmd, Message: err.Error()}
	}
	return deref(m), nil
}

// deref returns the value form so callers can type-switch on plain structs.
func deref(m Message) Message {
	switch v := m.(type) {
	case *RoomInfo:
		return *v
	case *Connected:
		return *v
	case *ConnectionRefused:
		return *v
	case *ReceivedItems:
		return *v
	case *Retrieved:
		return *v
	case *Bounced:
		return *v
	case *Connect:
		return *v
	case *ConnectUpdate:
		return *v
	case *LocationChecks:
		return *v
	case *Set:
		return *v
	case *Get:
		return *v
	case *StatusUpdate:
		return *v
	case *Sync:
		return *v
	case *Bounce:
		return *v
	}
	return m
}

// EncodeFrame renders messages as one frame. Object keys are sorted, so the
// output is stable for a given input.
func EncodeFrame(msgs ...Message) ([]byte, error) {
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		elem, err := encodeOne(m)
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
	}
	return json.Marshal(out)
}

func encodeOne(m Message) (json.RawMessage, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Command(), err)
	}
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("encode %s: not an object: %w", m.Command(), err)
	}
	obj["cmd"] = json.RawMessage(strconv.Quote(m.Command()))
	return json.Marshal(obj)
}
