package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

var ErrInvalidOffer = errors.New("telephony: invalid inbound offer")

// InboundOffer is an incoming call announced by a provider webhook.
// Providers post application/x-www-form-urlencoded (Twilio style field names)
// or JSON with the tags below.
type InboundOffer struct {
	ProviderCallID string    `json:"call_id"`
	Provider       string    `json:"provider,omitempty"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	CallerName     string    `json:"caller_name,omitempty"`
	LeadID         string    `json:"lead_id,omitempty"`
	SDP            string    `json:"sdp,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`

	// Raw is the original payload as JSON, kept for audit.
	Raw string `json:"-"`
}

func ParseInboundOffer(r *http.Request, now time.Time) (InboundOffer, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var o InboundOffer
	switch ct {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
			return InboundOffer{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
		o.From = normalizePhone(o.From)
		o.To = normalizePhone(o.To)
	default:
		if err := r.ParseForm(); err != nil {
			return InboundOffer{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
		o = InboundOffer{
			ProviderCallID: firstNonEmpty(r.PostFormValue("CallSid"), r.PostFormValue("call_id")),
			Provider:       r.PostFormValue("provider"),
			From:           normalizePhone(r.PostFormValue("From")),
			To:             normalizePhone(r.PostFormValue("To")),
			CallerName:     r.PostFormValue("CallerName"),
			LeadID:         r.PostFormValue("lead_id"),
			SDP:            r.PostFormValue("sdp"),
		}
	}

	if o.ProviderCallID == "" {
		return InboundOffer{}, fmt.Errorf("%w: missing call id", ErrInvalidOffer)
	}
	if o.From == "" {
		return InboundOffer{}, fmt.Errorf("%w: missing caller", ErrInvalidOffer)
	}
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = now.UTC()
	}
	raw, _ := json.Marshal(o)
	o.Raw = string(raw)
	return o, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Providers sometimes send "anonymous" or empty; keep as-is.
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
