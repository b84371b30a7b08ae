package chat

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
)

// Status is the delivery state of a thread message.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusRead
	StatusError
)

var statusText = map[Status]string{
	StatusSending: "sending",
	StatusSent:    "sent",
	StatusRead:    "read",
	StatusError:   "error",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus parses "sending", "sent", "read" or "error".
func ParseStatus(text string) (Status, error) {
	for s, name := range statusText {
		if strings.EqualFold(strings.TrimSpace(text), name) {
			return s, nil
		}
	}
	return StatusSent, fmt.Errorf("unknown status %q", text)
}

// advance reports whether a message may move from cur to next. Statuses only
// move forward; error is reachable only from sending and is terminal.
func advance(cur, next Status) bool {
	switch {
	case cur == StatusError:
		return false
	case next == StatusError:
		return cur == StatusSending
	default:
		return next > cur
	}
}

// StatusTable maps gateway status codes to message statuses. Codes differ
// between gateway versions; anything unmapped is treated as sent.
type StatusTable map[gateway.StatusCode]Status

// DefaultStatusTable returns the mapping for current gateway versions.
func DefaultStatusTable() StatusTable {
	return StatusTable{
		gateway.StatusServerAck:   StatusSent,
		gateway.StatusDeliveryAck: StatusSent,
		gateway.StatusRead:        StatusRead,
		gateway.StatusPlayed:      StatusRead,
	}
}

// Map returns the status for code.
func (t StatusTable) Map(code gateway.StatusCode) Status {
	if s, ok := t[code]; ok {
		return s
	}
	return StatusSent
}

// ParseStatusTable parses "code:status" pairs separated by commas, e.g.
// "4:read,5:read,3:sent". Codes may be numeric or textual (READ, PLAYED).
func ParseStatusTable(text string) (StatusTable, error) {
	table := StatusTable{}
	for _, pair := range strings.Split(text, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid status mapping %q", pair)
		}
		code := gateway.ParseStatusCode(strings.TrimSpace(parts[0]))
		if code == gateway.StatusUnknown {
			if _, err := cast.ToIntE(strings.TrimSpace(parts[0])); err != nil {
				return nil, fmt.Errorf("invalid status code %q", parts[0])
			}
		}
		status, err := ParseStatus(parts[1])
		if err != nil {
			return nil, err
		}
		if status == StatusSending || status == StatusError {
			return nil, fmt.Errorf("status code %q cannot map to %s", parts[0], status)
		}
		table[code] = status
	}
	return table, nil
}
