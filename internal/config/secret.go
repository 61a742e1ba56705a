package config

import "encoding/json"

const redactedSecret = "[REDACTED]"

// Secret holds a credential. Every printing or marshaling path yields
// "[REDACTED]"; only Value returns the raw string.
type Secret string

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

func (s Secret) String() string { return s.masked() }

func (s Secret) GoString() string { return "config.Secret(" + redactedSecret + ")" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.masked()), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.masked()) }

// UnmarshalText keeps the raw value so koanf can load keys from YAML and
// the environment.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
