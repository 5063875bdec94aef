package ldap

import (
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Directories that store objectGUID and objectSid as raw bytes (Active
// Directory, Samba) would otherwise surface them as garbage in the admin
// API. Entry conversion renders both human-readable.

const guidBytesLength = 16

// entryFromLDAP converts a wire entry into the control plane's Entry,
// decoding binary identifier attributes along the way.
func entryFromLDAP(raw *ldap.Entry) *Entry {
	entry := &Entry{
		DN:         raw.DN,
		Attributes: make(map[string][]string, len(raw.Attributes)),
	}
	for _, attr := range raw.Attributes {
		switch {
		case strings.EqualFold(attr.Name, "objectClass"):
			entry.ObjectClasses = attr.Values
			entry.Attributes[attr.Name] = attr.Values
		case strings.EqualFold(attr.Name, "objectGUID"):
			entry.Attributes[attr.Name] = renderGUIDs(attr)
		case strings.EqualFold(attr.Name, "objectSid"):
			entry.Attributes[attr.Name] = renderSIDs(attr)
		default:
			entry.Attributes[attr.Name] = attr.Values
		}
	}
	return entry
}

func renderGUIDs(attr *ldap.EntryAttribute) []string {
	out := make([]string, 0, len(attr.ByteValues))
	for i, b := range attr.ByteValues {
		if s, ok := guidBytesToString(b); ok {
			out = append(out, s)
		} else if i < len(attr.Values) {
			out = append(out, attr.Values[i])
		}
	}
	if len(out) == 0 {
		return attr.Values
	}
	return out
}

func renderSIDs(attr *ldap.EntryAttribute) []string {
	out := make([]string, 0, len(attr.ByteValues))
	for i, b := range attr.ByteValues {
		if s, ok := sidBytesToString(b); ok {
			out = append(out, s)
		} else if i < len(attr.Values) {
			out = append(out, attr.Values[i])
		}
	}
	if len(out) == 0 {
		return attr.Values
	}
	return out
}

// guidBytesToString decodes a mixed-endian directory GUID into the standard
// hyphenated form. The first three fields are stored little-endian.
func guidBytesToString(b []byte) (string, bool) {
	if len(b) != guidBytesLength {
		return "", false
	}
	ordered := make([]byte, guidBytesLength)
	ordered[0], ordered[1], ordered[2], ordered[3] = b[3], b[2], b[1], b[0]
	ordered[4], ordered[5] = b[5], b[4]
	ordered[6], ordered[7] = b[7], b[6]
	copy(ordered[8:], b[8:])

	id, err := uuid.FromBytes(ordered)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// sidBytesToString decodes a binary security identifier into S-1-... form.
func sidBytesToString(b []byte) (s string, ok bool) {
	// A SID is at least revision + subauthority count + 6 authority bytes.
	if len(b) < 8 {
		return "", false
	}
	subAuthCount := int(b[1])
	if len(b) < 8+subAuthCount*4 {
		return "", false
	}
	return objectsid.Decode(b).String(), true
}
