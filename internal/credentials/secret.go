package credentials

import "log/slog"

const redacted = "[REDACTED]"

// Secret is an opaque credential bundle: an API key, a token, "user:password", or a
// connection string. It prints as [REDACTED] through fmt, slog and encoding/json.
type Secret struct {
	b []byte
}

func NewSecret(s string) Secret { return Secret{b: []byte(s)} }

// Reveal returns the plaintext. Callers must not log or retain it beyond the
// current connect call.
func (s Secret) Reveal() string { return string(s.b) }

func (s Secret) IsZero() bool { return len(s.b) == 0 }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (s Secret) wipe() {
	for i := range s.b {
		s.b[i] = 0
	}
}
