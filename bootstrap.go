package gablib

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// BootstrapState is the client-side bootstrap document embedded in the
// authenticated landing page. Only the fields the library reads are typed;
// the full document is kept in Raw.
type BootstrapState struct {
	Meta     BootstrapMeta              `json:"meta"`
	Compose  ComposeDefaults            `json:"compose"`
	Accounts map[string]json.RawMessage `json:"accounts"`

	Raw json.RawMessage `json:"-"`
}

// BootstrapMeta is the "meta" object of the bootstrap state.
type BootstrapMeta struct {
	AccessToken string `json:"access_token"`
	Me          ID     `json:"me"`
	Version     string `json:"version"`
	BlockedBy   []ID   `json:"blocked_by"`
}

// ComposeDefaults holds the account's defaults for new statuses.
type ComposeDefaults struct {
	DefaultPrivacy          string `json:"default_privacy"`
	DefaultSensitive        bool   `json:"default_sensitive"`
	DefaultStatusExpiration string `json:"default_status_expiration"`
}

// ID is an entity identifier. The site emits ids as strings but older
// payloads use bare numbers; both decode to the same value.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// IDFromInt formats a numeric id.
func IDFromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// parseBootstrapState decodes the raw bootstrap JSON. Only a syntax error
// fails; see [BootstrapState.UnmarshalJSON].
func parseBootstrapState(raw []byte) (*BootstrapState, error) {
	var state BootstrapState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// MyAccount returns the raw account object of the logged-in user, or nil
// when the bootstrap state does not carry it.
func (b *BootstrapState) MyAccount() json.RawMessage {
	if b == nil || b.Meta.Me == "" {
		return nil
	}
	return b.Accounts[string(b.Meta.Me)]
}

// MarshalJSON writes the document back out as it was received.
func (b *BootstrapState) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		type plain BootstrapState
		return json.Marshal((*plain)(b))
	}
	return b.Raw, nil
}

// UnmarshalJSON keeps the document verbatim in Raw and fills the typed
// fields it can. The site reshapes this document between releases, so a
// field of an unexpected type is left at its zero value instead of failing
// the whole decode. A document that is valid JSON but not an object yields
// an empty typed view.
func (b *BootstrapState) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return errors.New("bootstrap state is not valid JSON")
	}
	*b = BootstrapState{Raw: append(json.RawMessage(nil), data...)}

	var top map[string]json.RawMessage
	if json.Unmarshal(data, &top) != nil {
		return nil
	}

	var meta map[string]json.RawMessage
	if json.Unmarshal(top["meta"], &meta) == nil {
		b.Meta.AccessToken = stringField(meta["access_token"])
		b.Meta.Me = ID(scalarField(meta["me"]))
		b.Meta.Version = scalarField(meta["version"])

		var blocked []json.RawMessage
		if json.Unmarshal(meta["blocked_by"], &blocked) == nil {
			for _, item := range blocked {
				if id := scalarField(item); id != "" {
					b.Meta.BlockedBy = append(b.Meta.BlockedBy, ID(id))
				}
			}
		}
	}

	var compose map[string]json.RawMessage
	if json.Unmarshal(top["compose"], &compose) == nil {
		b.Compose.DefaultPrivacy = stringField(compose["default_privacy"])
		_ = json.Unmarshal(compose["default_sensitive"], &b.Compose.DefaultSensitive)
		b.Compose.DefaultStatusExpiration = stringField(compose["default_status_expiration"])
	}

	var accounts map[string]json.RawMessage
	if json.Unmarshal(top["accounts"], &accounts) == nil {
		b.Accounts = accounts
	}
	return nil
}

// stringField returns raw as a string when it is a JSON string.
func stringField(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// scalarField returns raw as a string when it is a JSON string or number.
func scalarField(raw json.RawMessage) string {
	if s := stringField(raw); s != "" {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) != nil {
		return ""
	}
	return n.String()
}
