// Package identity resolves the canonical remote identifier of a chat or event
// record. The gateway may report a conversation under an opaque "@lid" JID or a
// phone-number-bearing JID; the phone-bearing form is preferred when known.
package identity

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// Record is the identifier surface of a gateway record.
type Record struct {
	// RemoteJID is the direct identifier field ("remoteJid").
	RemoteJID string
	// KeyRemoteJID is the nested message key identifier ("key.remoteJid").
	KeyRemoteJID string
	// RemoteJIDAlt is the alternate identifier ("remoteJidAlt"), only
	// meaningful when the direct identifier is opaque.
	RemoteJIDAlt string
}

// Direct returns the direct identifier as reported, falling back to the nested
// key when the direct field is blank.
func (r Record) Direct() string {
	if strings.TrimSpace(r.RemoteJID) != "" {
		return r.RemoteJID
	}
	if strings.TrimSpace(r.KeyRemoteJID) != "" {
		return r.KeyRemoteJID
	}
	return ""
}

// Resolve returns the canonical remote identifier for r, or "" when the record
// carries no identifier at all and should be dropped. The direct identifier is
// returned unchanged unless it is opaque and an alternate is present. A record
// with only an alternate resolves to the alternate.
func Resolve(r Record) string {
	direct := r.Direct()
	alt := r.RemoteJIDAlt
	if strings.TrimSpace(alt) == "" {
		alt = ""
	}
	if direct == "" {
		return alt
	}
	if alt != "" && IsOpaque(direct) {
		return alt
	}
	return direct
}

func parse(jid string) (types.JID, bool) {
	if !strings.ContainsRune(jid, '@') {
		return types.JID{}, false
	}
	parsed, err := types.ParseJID(strings.TrimSpace(jid))
	if err != nil {
		return types.JID{}, false
	}
	return parsed, true
}

// IsOpaque reports whether jid uses the gateway's masked "@lid" scheme.
func IsOpaque(jid string) bool {
	parsed, ok := parse(jid)
	return ok && parsed.Server == types.HiddenUserServer
}

// IsPhoneBearing reports whether jid exposes a phone number.
func IsPhoneBearing(jid string) bool {
	parsed, ok := parse(jid)
	if !ok || parsed.User == "" {
		return false
	}
	return parsed.Server == types.DefaultUserServer || parsed.Server == types.LegacyUserServer
}

// IsGroup reports whether jid names a group chat.
func IsGroup(jid string) bool {
	parsed, ok := parse(jid)
	return ok && parsed.Server == types.GroupServer
}

// IsStatusBroadcast reports whether jid is the status@broadcast pseudo-chat.
func IsStatusBroadcast(jid string) bool {
	parsed, ok := parse(jid)
	return ok && parsed.ToNonAD() == types.StatusBroadcastJID
}

// PhoneNumber returns the phone number carried by jid, or "".
func PhoneNumber(jid string) string {
	if !IsPhoneBearing(jid) {
		return ""
	}
	parsed, _ := parse(jid)
	return parsed.User
}

// CanonicalKey returns the aggregation key for jid: the bare phone number for
// phone-bearing JIDs, the device-less JID for anything else.
func CanonicalKey(jid string) string {
	if number := PhoneNumber(jid); number != "" {
		return number
	}
	if parsed, ok := parse(jid); ok {
		return parsed.ToNonAD().String()
	}
	return strings.TrimSpace(jid)
}

// PreferPhone returns the first phone-bearing JID among candidates, or "".
func PreferPhone(candidates ...string) string {
	for _, c := range candidates {
		if IsPhoneBearing(c) {
			return c
		}
	}
	return ""
}

// ToJID turns a phone number or JID into a JID suitable for the gateway.
func ToJID(numberOrJID string) string {
	s := strings.TrimSpace(numberOrJID)
	if s == "" || strings.ContainsRune(s, '@') {
		return s
	}
	return types.NewJID(SanitizePhone(s), types.DefaultUserServer).String()
}

// SanitizePhone strips everything but digits.
func SanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
