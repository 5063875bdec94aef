package ldap

import (
	"encoding/binary"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGUIDBytesToString(t *testing.T) {
	raw := []byte{
		0x00, 0x01, 0x02, 0x03,
		0x04, 0x05,
		0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}
	s, ok := guidBytesToString(raw)
	require.True(t, ok)
	// The first three fields are stored little-endian on the wire.
	assert.Equal(t, "03020100-0504-0706-0809-0a0b0c0d0e0f", s)

	_, ok = guidBytesToString([]byte{1, 2, 3})
	assert.False(t, ok)
}

func binarySID(identifierAuthority byte, subAuths ...uint32) []byte {
	b := []byte{1, byte(len(subAuths)), 0, 0, 0, 0, 0, identifierAuthority}
	for _, sa := range subAuths {
		b = binary.LittleEndian.AppendUint32(b, sa)
	}
	return b
}

func TestSIDBytesToString(t *testing.T) {
	s, ok := sidBytesToString(binarySID(5, 21, 1004336348, 1177238915, 682003330, 512))
	require.True(t, ok)
	assert.Equal(t, "S-1-5-21-1004336348-1177238915-682003330-512", s)

	_, ok = sidBytesToString([]byte{1, 2, 3})
	assert.False(t, ok)

	// Truncated subauthority block.
	_, ok = sidBytesToString([]byte{1, 4, 0, 0, 0, 0, 0, 5, 21, 0, 0, 0})
	assert.False(t, ok)
}

func TestEntryFromLDAPDecodesBinaryIdentifiers(t *testing.T) {
	raw := ldap.NewEntry("cn=jdoe,dc=example,dc=com", map[string][]string{
		"objectClass": {"person", "user"},
		"cn":          {"jdoe"},
	})
	raw.Attributes = append(raw.Attributes, &ldap.EntryAttribute{
		Name: "objectSid",
		ByteValues: [][]byte{
			binarySID(5, 21, 1, 2, 3, 500),
		},
	})

	entry := entryFromLDAP(raw)
	assert.Equal(t, []string{"person", "user"}, entry.ObjectClasses)
	assert.Equal(t, []string{"jdoe"}, entry.Attributes["cn"])
	assert.Equal(t, []string{"S-1-5-21-1-2-3-500"}, entry.Attributes["objectSid"])
}
