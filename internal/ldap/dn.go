package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDN parses a Distinguished Name per RFC 4514 and reconstructs it
// with uppercase attribute-type descriptors, preserving value case.
//
// Input:  "cn=jdoe,ou=People,dc=example,dc=com"
// Output: "CN=jdoe,OU=People,DC=example,DC=com"
func NormalizeDN(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", fmt.Errorf("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) == 0 {
		return "", fmt.Errorf("DN has no RDN components")
	}
	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if attr.Type == "" || attr.Value == "" {
				return "", fmt.Errorf("DN has an empty RDN component")
			}
		}
	}

	return reconstructDN(parsed), nil
}

// EqualDN compares two DNs case-insensitively after normalization.
func EqualDN(a, b string) bool {
	na, err := NormalizeDN(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeDN(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(na, nb)
}

// ParentDN returns the DN with its first RDN removed.
func ParentDN(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) <= 1 {
		return "", fmt.Errorf("DN has no parent: %s", dn)
	}
	return reconstructDN(&ldap.DN{RDNs: parsed.RDNs[1:]}), nil
}

// RDNValue extracts the value of the given attribute type from the DN's
// leading RDN. Attributes deeper in the DN do not count: the leading RDN is
// what names the entry.
func RDNValue(dn, attrType string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) == 0 {
		return "", fmt.Errorf("DN has no RDN components")
	}
	for _, attr := range parsed.RDNs[0].Attributes {
		if strings.EqualFold(attr.Type, attrType) {
			return attr.Value, nil
		}
	}
	return "", fmt.Errorf("leading RDN of %q does not carry attribute %q", dn, attrType)
}

// IsUnderBase reports whether dn sits at or below base.
func IsUnderBase(dn, base string) bool {
	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	parsedBase, err := ldap.ParseDN(base)
	if err != nil {
		return false
	}
	if len(parsedDN.RDNs) < len(parsedBase.RDNs) {
		return false
	}
	tail := parsedDN.RDNs[len(parsedDN.RDNs)-len(parsedBase.RDNs):]
	return strings.EqualFold(
		reconstructDN(&ldap.DN{RDNs: tail}),
		reconstructDN(parsedBase),
	)
}

// reconstructDN rebuilds a parsed DN with uppercase attribute types.
func reconstructDN(parsed *ldap.DN) string {
	rdnStrings := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrStrings := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrStrings = append(attrStrings,
				fmt.Sprintf("%s=%s", strings.ToUpper(attr.Type), attr.Value))
		}
		rdnStrings = append(rdnStrings, strings.Join(attrStrings, "+"))
	}
	return strings.Join(rdnStrings, ",")
}
