package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name string
		in   Record
		want string
	}{
		{"phone direct", Record{RemoteJID: "5511999990000@s.whatsapp.net"}, "5511999990000@s.whatsapp.net"},
		{"phone direct ignores alt", Record{RemoteJID: "5511999990000@s.whatsapp.net", RemoteJIDAlt: "123@lid"}, "5511999990000@s.whatsapp.net"},
		{"lid with alt", Record{RemoteJID: "123456@lid", RemoteJIDAlt: "5511999990000@s.whatsapp.net"}, "5511999990000@s.whatsapp.net"},
		{"lid without alt", Record{RemoteJID: "123456@lid"}, "123456@lid"},
		{"nested key", Record{KeyRemoteJID: "123456@lid", RemoteJIDAlt: "5511@s.whatsapp.net"}, "5511@s.whatsapp.net"},
		{"direct wins over key", Record{RemoteJID: "1@s.whatsapp.net", KeyRemoteJID: "2@s.whatsapp.net"}, "1@s.whatsapp.net"},
		{"group", Record{RemoteJID: "1203630@g.us", RemoteJIDAlt: "x@s.whatsapp.net"}, "1203630@g.us"},
		{"empty", Record{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(tc.in))
		})
	}
}

func TestResolveKeepsNonOpaqueDirect(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		user := rapid.StringMatching(`[0-9]{1,15}`).Draw(t, "user")
		server := rapid.SampledFrom([]string{"s.whatsapp.net", "c.us", "g.us"}).Draw(t, "server")
		alt := rapid.String().Draw(t, "alt")
		direct := user + "@" + server
		if got := Resolve(Record{RemoteJID: direct, RemoteJIDAlt: alt}); got != direct {
			t.Fatalf("Resolve(%q, alt %q) = %q", direct, alt, got)
		}
	})
}

func TestResolvePrefersAltForOpaque(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lid := rapid.StringMatching(`[0-9]{1,15}`).Draw(t, "lid") + "@lid"
		alt := rapid.StringMatching(`[0-9]{8,15}`).Draw(t, "phone") + "@s.whatsapp.net"
		if got := Resolve(Record{KeyRemoteJID: lid, RemoteJIDAlt: alt}); got != alt {
			t.Fatalf("Resolve(%q, alt %q) = %q", lid, alt, got)
		}
	})
}

func TestResolveIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := Record{
			RemoteJID:    rapid.String().Draw(t, "direct"),
			KeyRemoteJID: rapid.String().Draw(t, "key"),
			RemoteJIDAlt: rapid.String().Draw(t, "alt"),
		}
		if Resolve(r) != Resolve(r) {
			t.Fatalf("Resolve(%+v) is not stable", r)
		}
	})
}

func TestResolveReturnsDirectUnchanged(t *testing.T) {
	padded := " 5511999990000@s.whatsapp.net "
	assert.Equal(t, padded, Resolve(Record{RemoteJID: padded, RemoteJIDAlt: "1@lid"}))
	assert.Equal(t, padded, Resolve(Record{RemoteJID: "  ", KeyRemoteJID: padded}))

	// only an alternate: the record is kept under it
	assert.Equal(t, "5511@s.whatsapp.net", Resolve(Record{RemoteJIDAlt: "5511@s.whatsapp.net"}))
	assert.Equal(t, "", Resolve(Record{RemoteJID: " ", RemoteJIDAlt: "  "}))
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsOpaque("99887766@lid"))
	assert.False(t, IsOpaque("5511@s.whatsapp.net"))
	assert.True(t, IsPhoneBearing("5511@s.whatsapp.net"))
	assert.True(t, IsPhoneBearing("5511@c.us"))
	assert.False(t, IsPhoneBearing("99887766@lid"))
	assert.False(t, IsPhoneBearing("not-a-jid"))
	assert.True(t, IsGroup("1203630@g.us"))
	assert.True(t, IsStatusBroadcast("status@broadcast"))
	assert.False(t, IsStatusBroadcast("5511@s.whatsapp.net"))
}

func TestCanonicalKey(t *testing.T) {
	assert.Equal(t, "5511999990000", CanonicalKey("5511999990000@s.whatsapp.net"))
	assert.Equal(t, "5511999990000", CanonicalKey("5511999990000:12@s.whatsapp.net"))
	assert.Equal(t, "1203630@g.us", CanonicalKey("1203630@g.us"))
	assert.Equal(t, "99887766@lid", CanonicalKey("99887766@lid"))
	assert.Equal(t, "raw", CanonicalKey(" raw "))
}

func TestPreferPhoneAndToJID(t *testing.T) {
	assert.Equal(t, "55@s.whatsapp.net", PreferPhone("1@lid", "", "55@s.whatsapp.net"))
	assert.Equal(t, "", PreferPhone("1@lid", "2@g.us"))
	assert.Equal(t, "5511999990000@s.whatsapp.net", ToJID("+55 (11) 99999-0000"))
	assert.Equal(t, "1203630@g.us", ToJID("1203630@g.us"))
}
