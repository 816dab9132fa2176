package upstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RawAmount keeps an upstream amount as text. Both JSON numbers and strings
// decode; other JSON types leave it absent and mark it Invalid. Number is
// set when Text is a JSON number literal, exponent forms included.
type RawAmount struct {
	Text    string
	Present bool
	Invalid bool
	Number  bool
}

func (a *RawAmount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*a = RawAmount{}
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			a.Invalid = true
			return nil
		}
		a.Text = strings.TrimSpace(s)
		a.Present = a.Text != ""
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		a.Text = string(b)
		a.Present = true
		a.Number = true
	default:
		a.Invalid = true
	}
	return nil
}

func Amount(text string) RawAmount {
	return RawAmount{Text: text, Present: strings.TrimSpace(text) != ""}
}

// NumberAmount is the RawAmount of a JSON number literal.
func NumberAmount(text string) RawAmount {
	a := Amount(text)
	a.Number = a.Present
	return a
}

// flexString accepts a JSON string, number or boolean. Objects and arrays
// decode to the empty string.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ""
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
	case b[0] == '{' || b[0] == '[':
		*s = ""
	default:
		*s = flexString(b)
	}
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(strings.ToLower(string(bytes.TrimSpace(b))), `"`) {
	case "true", "1", "yes":
		*v = true
	default:
		*v = false
	}
	return nil
}

// RawCharge is one breakdown line as sent by the upstream.
type RawCharge struct {
	Name   string
	Amount RawAmount
}

// RawBill is the newest billing document of a property.
type RawBill struct {
	PropertyID string
	Date       string
	Receipt    string
	Total      RawAmount
	Details    []RawCharge
}

// RawPayment is one payment-history entry.
type RawPayment struct {
	PropertyID string
	Amount     RawAmount
	Date       string
	Receipt    string
	Details    []RawCharge
	FetchSeq   uint64
}

// RawPending is the pending-payments document of a property.
type RawPending struct {
	PropertyID    string
	ErrorCode     int
	AllowPayments bool
	Owner         RawAmount
	Assoc         RawAmount
}

// RawProperty is everything fetched for one property in a cycle.
type RawProperty struct {
	Bill     *RawBill
	Payments []RawPayment
	Pending  RawPending
	// Skipped counts history records dropped while decoding.
	Skipped int
	// PendingMissing is set when the pending request failed and Pending is
	// the zero document.
	PendingMissing bool
}

type historyEnvelope struct {
	Results []json.RawMessage `json:"results"`
}

type historyRecord struct {
	Amount  RawAmount     `json:"amount"`
	Date    flexString    `json:"date"`
	Receipt flexString    `json:"receipt"`
	Details json.RawMessage `json:"details"`
}

type chargeEntry struct {
	Name   flexString `json:"name"`
	Amount RawAmount  `json:"amount"`
}

type pendingEnvelope struct {
	Error         flexString `json:"error"`
	AllowPayments flexBool   `json:"allowPayments"`
	Results       *struct {
		Owner RawAmount `json:"owner"`
		Assoc RawAmount `json:"assoc"`
	} `json:"results"`
}

// charges decodes the breakdown one entry at a time so a bad entry only
// costs itself. A details value that is not an array yields no breakdown
// and reports malformed.
func (r historyRecord) charges() (out []RawCharge, dropped int, malformed bool) {
	details := bytes.TrimSpace(r.Details)
	if len(details) == 0 || bytes.Equal(details, []byte("null")) {
		return []RawCharge{}, 0, false
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(details, &entries); err != nil {
		return []RawCharge{}, 0, true
	}
	out = make([]RawCharge, 0, len(entries))
	for _, e := range entries {
		var d chargeEntry
		if err := json.Unmarshal(e, &d); err != nil {
			dropped++
			continue
		}
		out = append(out, RawCharge{Name: string(d.Name), Amount: d.Amount})
	}
	return out, dropped, false
}
