package registry

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"coldcaller-telephony/internal/telephony"
)

const (
	DefaultRegistrationExpirySec = 600
	DefaultConnectionTimeoutMs   = 10_000
	DefaultMaxReconnectAttempts  = 5
	DefaultReconnectBaseDelayMs  = 1_000
	DefaultTransport             = "wss"
)

// Config is a stored provider configuration. It carries the secret and must
// not leave the registry; external callers receive a View.
type Config struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	URI         string `json:"uri"`
	Username    string `json:"username"`
	Secret      string `json:"secret"`
	Server      string `json:"server"`
	DisplayName string `json:"displayName,omitempty"`

	RegistrationExpirySec int `json:"registrationExpiry"`
	ConnectionTimeoutMs   int `json:"connectionTimeout"`
	MaxReconnectAttempts  int `json:"maxReconnectAttempts"`
	ReconnectBaseDelayMs  int `json:"reconnectBaseDelay"`

	ICEServers   []telephony.ICEServer `json:"iceServers"`
	Transport    string                `json:"transport"`
	SignalingURL string                `json:"signalingUrl,omitempty"`

	IsActive          bool         `json:"isActive"`
	ConnectionHistory []TestResult `json:"connectionHistory"`
	FailureCount      int          `json:"failureCount"`
	LastTestedAt      *time.Time   `json:"lastTestedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TestResult is one connectivity probe outcome.
type TestResult struct {
	ConfigID  string    `json:"configId"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	LatencyMs int64     `json:"latencyMs"`
}

// View is the sanitized, secret-free projection of a Config.
type View struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	URI         string `json:"uri"`
	Username    string `json:"username"`
	HasSecret   bool   `json:"hasSecret"`
	Server      string `json:"server"`
	DisplayName string `json:"displayName,omitempty"`

	RegistrationExpirySec int `json:"registrationExpiry"`
	ConnectionTimeoutMs   int `json:"connectionTimeout"`
	MaxReconnectAttempts  int `json:"maxReconnectAttempts"`
	ReconnectBaseDelayMs  int `json:"reconnectBaseDelay"`

	ICEServers   []telephony.ICEServer `json:"iceServers"`
	Transport    string                `json:"transport"`
	SignalingURL string                `json:"signalingUrl,omitempty"`

	IsActive          bool         `json:"isActive"`
	ConnectionHistory []TestResult `json:"connectionHistory"`
	FailureCount      int          `json:"failureCount"`
	LastTestedAt      *time.Time   `json:"lastTestedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sanitize drops the secret and any ICE credentials.
func Sanitize(c Config) View {
	ice := make([]telephony.ICEServer, len(c.ICEServers))
	for i, s := range c.ICEServers {
		ice[i] = telephony.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
	}
	var tested *time.Time
	if c.LastTestedAt != nil {
		t := *c.LastTestedAt
		tested = &t
	}
	return View{
		ID:                    c.ID,
		Name:                  c.Name,
		Provider:              c.Provider,
		URI:                   c.URI,
		Username:              c.Username,
		HasSecret:             c.Secret != "",
		Server:                c.Server,
		DisplayName:           c.DisplayName,
		RegistrationExpirySec: c.RegistrationExpirySec,
		ConnectionTimeoutMs:   c.ConnectionTimeoutMs,
		MaxReconnectAttempts:  c.MaxReconnectAttempts,
		ReconnectBaseDelayMs:  c.ReconnectBaseDelayMs,
		ICEServers:            ice,
		Transport:             c.Transport,
		SignalingURL:          c.SignalingURL,
		IsActive:              c.IsActive,
		ConnectionHistory:     append([]TestResult(nil), c.ConnectionHistory...),
		FailureCount:          c.FailureCount,
		LastTestedAt:          tested,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

// Endpoint is the provider-facing view, including the secret.
func (c Config) Endpoint() telephony.Endpoint {
	return telephony.Endpoint{
		ConfigID:           c.ID,
		Provider:           c.Provider,
		URI:                c.URI,
		Username:           c.Username,
		Secret:             c.Secret,
		Server:             c.Server,
		DisplayName:        c.DisplayName,
		RegistrationExpiry: time.Duration(c.RegistrationExpirySec) * time.Second,
		ConnectionTimeout:  c.ConnectionTimeout(),
		ICEServers:         cloneICE(c.ICEServers),
		Transport:          c.Transport,
		SignalingURL:       c.SignalingURL,
	}
}

func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

func (c Config) clone() Config {
	out := c
	out.ICEServers = cloneICE(c.ICEServers)
	out.ConnectionHistory = append([]TestResult(nil), c.ConnectionHistory...)
	if c.LastTestedAt != nil {
		t := *c.LastTestedAt
		out.LastTestedAt = &t
	}
	return out
}

func cloneICE(in []telephony.ICEServer) []telephony.ICEServer {
	if in == nil {
		return nil
	}
	out := make([]telephony.ICEServer, len(in))
	for i, s := range in {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}
	return out
}

// Input is the create/update payload. Nil fields are absent: on create they
// take defaults, on update they keep the stored value.
type Input struct {
	Name        *string `json:"name,omitempty"`
	Provider    *string `json:"provider,omitempty"`
	URI         *string `json:"uri,omitempty"`
	Username    *string `json:"username,omitempty"`
	Secret      *string `json:"secret,omitempty"`
	Server      *string `json:"server,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`

	RegistrationExpirySec *int `json:"registrationExpiry,omitempty"`
	ConnectionTimeoutMs   *int `json:"connectionTimeout,omitempty"`
	MaxReconnectAttempts  *int `json:"maxReconnectAttempts,omitempty"`
	ReconnectBaseDelayMs  *int `json:"reconnectBaseDelay,omitempty"`

	ICEServers   *[]telephony.ICEServer `json:"iceServers,omitempty"`
	Transport    *string                `json:"transport,omitempty"`
	SignalingURL *string                `json:"signalingUrl,omitempty"`
}

// apply merges in over c.
func (in Input) apply(c Config) Config {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	oldProvider := c.Provider
	setStr(&c.Name, in.Name)
	setStr(&c.Provider, in.Provider)
	setStr(&c.URI, in.URI)
	setStr(&c.Username, in.Username)
	if in.Secret != nil {
		c.Secret = *in.Secret
	}
	setStr(&c.Server, in.Server)
	setStr(&c.DisplayName, in.DisplayName)
	setInt(&c.RegistrationExpirySec, in.RegistrationExpirySec)
	setInt(&c.ConnectionTimeoutMs, in.ConnectionTimeoutMs)
	setInt(&c.MaxReconnectAttempts, in.MaxReconnectAttempts)
	setInt(&c.ReconnectBaseDelayMs, in.ReconnectBaseDelayMs)
	if in.ICEServers != nil {
		c.ICEServers = cloneICE(*in.ICEServers)
	}
	setStr(&c.Transport, in.Transport)
	setStr(&c.SignalingURL, in.SignalingURL)
	c.Provider = strings.ToLower(c.Provider)
	// Hints inherited from the previous provider's defaults follow the new
	// provider; explicitly configured servers are kept.
	if in.ICEServers == nil && c.Provider != strings.ToLower(oldProvider) &&
		sameICE(c.ICEServers, DefaultICEServers(oldProvider)) {
		c.ICEServers = nil
	}
	return c
}

func sameICE(a, b []telephony.ICEServer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Username != b[i].Username || a[i].Credential != b[i].Credential || !slices.Equal(a[i].URLs, b[i].URLs) {
			return false
		}
	}
	return true
}

func withDefaults(c Config) Config {
	if c.RegistrationExpirySec == 0 {
		c.RegistrationExpirySec = DefaultRegistrationExpirySec
	}
	if c.ConnectionTimeoutMs == 0 {
		c.ConnectionTimeoutMs = DefaultConnectionTimeoutMs
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelayMs == 0 {
		c.ReconnectBaseDelayMs = DefaultReconnectBaseDelayMs
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = DefaultICEServers(c.Provider)
	}
	if c.Name == "" {
		c.Name = c.DisplayName
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s %s", c.Provider, c.Username)
	}
	return c
}

// DefaultICEServers returns the provider-specific STUN hints used when a
// configuration leaves iceServers unset.
func DefaultICEServers(provider string) []telephony.ICEServer {
	switch strings.ToLower(provider) {
	case "twilio":
		return []telephony.ICEServer{{URLs: []string{"stun:global.stun.twilio.com:3478"}}}
	case "telnyx":
		return []telephony.ICEServer{{URLs: []string{"stun:stun.telnyx.com:3478"}}}
	case "vonage":
		return []telephony.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}, {URLs: []string{"stun:stun.vonage.com:3478"}}}
	default:
		return []telephony.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		}
	}
}

// deriveID builds <provider>_<username>_<domain>_<unix-millis>, sanitized.
func deriveID(c Config, now time.Time) string {
	domain := c.URI
	if i := strings.LastIndexByte(domain, '@'); i >= 0 {
		domain = domain[i+1:]
	}
	if i := strings.IndexAny(domain, ";?>"); i >= 0 {
		domain = domain[:i]
	}
	raw := fmt.Sprintf("%s_%s_%s_%d", c.Provider, c.Username, domain, now.UnixMilli())
	return sanitizeID(raw)
}

func sanitizeID(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
