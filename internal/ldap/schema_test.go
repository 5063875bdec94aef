package ldap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectClass(t *testing.T) {
	oc, err := parseObjectClass("( 2.5.6.6 NAME 'person' DESC 'RFC2256: a person' SUP top STRUCTURAL MUST ( sn $ cn ) MAY ( userPassword $ telephoneNumber ) )")
	require.NoError(t, err)
	assert.Equal(t, "2.5.6.6", oc.OID)
	assert.Equal(t, "person", oc.Name())
	assert.Equal(t, []string{"top"}, oc.Sup)
	assert.Equal(t, "STRUCTURAL", oc.Kind)
	assert.Equal(t, []string{"sn", "cn"}, oc.Must)
	assert.Equal(t, []string{"userPassword", "telephoneNumber"}, oc.May)
}

func TestParseObjectClassSingleMust(t *testing.T) {
	oc, err := parseObjectClass("( 2.5.6.5 NAME 'organizationalUnit' SUP top STRUCTURAL MUST ou )")
	require.NoError(t, err)
	assert.Equal(t, []string{"ou"}, oc.Must)
	assert.Empty(t, oc.May)
}

func TestParseObjectClassMultipleNames(t *testing.T) {
	oc, err := parseObjectClass("( 2.5.6.9 NAME ( 'groupOfNames' 'group' ) SUP top STRUCTURAL MUST ( member $ cn ) )")
	require.NoError(t, err)
	assert.Equal(t, []string{"groupOfNames", "group"}, oc.Names)
}

func TestParseAttributeType(t *testing.T) {
	at, err := parseAttributeType("( 2.5.4.4 NAME ( 'sn' 'surname' ) DESC 'RFC2256: last name' SUP name EQUALITY caseIgnoreMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )")
	require.NoError(t, err)
	assert.Equal(t, "2.5.4.4", at.OID)
	assert.Equal(t, []string{"sn", "surname"}, at.Names)
	assert.Equal(t, "name", at.Sup)
	assert.False(t, at.SingleValue)

	at, err = parseAttributeType("( 2.16.840.1.113730.3.1.241 NAME 'displayName' SINGLE-VALUE SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )")
	require.NoError(t, err)
	assert.True(t, at.SingleValue)

	at, err = parseAttributeType("( 2.5.18.1 NAME 'createTimestamp' NO-USER-MODIFICATION USAGE directoryOperation )")
	require.NoError(t, err)
	assert.True(t, at.NoUserMod)
}

func TestTokenizeDefinition(t *testing.T) {
	tokens, err := tokenizeDefinition("( 1.2.3 NAME 'a name' MUST ( x $ y ) )")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3", "NAME", "a name", "MUST", "(", "x", "$", "y", ")"}, tokens)

	_, err = tokenizeDefinition("( 1.2.3 NAME 'unterminated )")
	assert.Error(t, err)
}

func testSchema(t *testing.T) *AttributeSchema {
	t.Helper()
	classes, attrs := testSchemaDefs()
	return buildSchema(classes, attrs)
}

func TestSchemaValidate(t *testing.T) {
	schema := testSchema(t)

	tests := []struct {
		name      string
		entry     *Entry
		wantAttrs []string // attributes expected to be flagged, empty = valid
	}{
		{
			name: "valid person",
			entry: &Entry{
				DN:            "cn=jdoe,dc=example,dc=com",
				ObjectClasses: []string{"person"},
				Attributes: map[string][]string{
					"cn": {"jdoe"},
					"sn": {"Doe"},
				},
			},
		},
		{
			name: "missing required surname",
			entry: &Entry{
				DN:            "cn=jdoe,dc=example,dc=com",
				ObjectClasses: []string{"person"},
				Attributes:    map[string][]string{"cn": {"jdoe"}},
			},
			wantAttrs: []string{"sn"},
		},
		{
			name: "no object classes",
			entry: &Entry{
				DN:         "cn=jdoe,dc=example,dc=com",
				Attributes: map[string][]string{"cn": {"jdoe"}},
			},
			wantAttrs: []string{"objectClass"},
		},
		{
			name: "unknown object class",
			entry: &Entry{
				DN:            "cn=jdoe,dc=example,dc=com",
				ObjectClasses: []string{"starfleetOfficer"},
				Attributes:    map[string][]string{"cn": {"jdoe"}},
			},
			wantAttrs: []string{"objectClass", "cn"},
		},
		{
			name: "attribute not permitted",
			entry: &Entry{
				DN:            "cn=jdoe,dc=example,dc=com",
				ObjectClasses: []string{"person"},
				Attributes: map[string][]string{
					"cn":           {"jdoe"},
					"sn":           {"Doe"},
					"favoriteFood": {"ratatouille"},
				},
			},
			wantAttrs: []string{"favoriteFood"},
		},
		{
			name: "single-valued attribute with two values",
			entry: &Entry{
				DN:            "cn=jdoe,dc=example,dc=com",
				ObjectClasses: []string{"person"},
				Attributes: map[string][]string{
					"cn":          {"jdoe"},
					"sn":          {"Doe"},
					"displayName": {"John", "Johnny"},
				},
			},
			wantAttrs: []string{"displayName"},
		},
		{
			name: "attribute alias satisfies requirement",
			entry: &Entry{
				DN:            "cn=jdoe,dc=example,dc=com",
				ObjectClasses: []string{"person"},
				Attributes: map[string][]string{
					"commonName": {"jdoe"},
					"surname":    {"Doe"},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := schema.Validate(tt.entry)
			if len(tt.wantAttrs) == 0 {
				assert.Empty(t, violations)
				return
			}
			var got []string
			for _, v := range violations {
				got = append(got, v.Attribute)
				assert.NotEmpty(t, v.Reason)
			}
			assert.ElementsMatch(t, tt.wantAttrs, got)
		})
	}
}

func TestSchemaSupChainInheritsRequirements(t *testing.T) {
	classes := []string{
		"( 2.5.6.0 NAME 'top' ABSTRACT MUST objectClass )",
		"( 2.5.6.6 NAME 'person' SUP top STRUCTURAL MUST ( sn $ cn ) )",
		"( 2.5.6.7 NAME 'organizationalPerson' SUP person STRUCTURAL MAY ( title $ ou ) )",
	}
	_, attrs := testSchemaDefs()
	attrs = append(attrs, "( 2.5.4.12 NAME 'title' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )")
	schema := buildSchema(classes, attrs)

	violations := schema.Validate(&Entry{
		DN:            "cn=jdoe,dc=example,dc=com",
		ObjectClasses: []string{"organizationalPerson"},
		Attributes: map[string][]string{
			"cn":    {"jdoe"},
			"title": {"captain"},
		},
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "sn", violations[0].Attribute, "requirements must flow down the SUP chain")
}

func TestSchemaCacheRefreshAndValidate(t *testing.T) {
	classes, attrs := testSchemaDefs()
	dialer := &fakeDialer{
		make: func() *fakeConn {
			return &fakeConn{searchFn: subschemaHandler(classes, attrs)}
		},
	}
	pools := NewPools(testRegistry(testClusterConfig("alpha")), testLogger()).WithPoolDialer(dialer.dial)
	defer pools.Close()
	cache := NewSchemaCache(pools, testLogger(), 0)

	require.Nil(t, cache.Snapshot("alpha"))

	violations, err := cache.Validate(context.Background(), "alpha", &Entry{
		DN:            "cn=jdoe,dc=example,dc=com",
		ObjectClasses: []string{"person"},
		Attributes:    map[string][]string{"cn": {"jdoe"}, "sn": {"Doe"}},
	})
	require.NoError(t, err)
	assert.Empty(t, violations)
	require.NotNil(t, cache.Snapshot("alpha"))

	first := dialer.last().searchCount()

	// A second validation reuses the snapshot: no further searches.
	_, err = cache.Validate(context.Background(), "alpha", &Entry{
		DN:            "cn=x,dc=example,dc=com",
		ObjectClasses: []string{"person"},
		Attributes:    map[string][]string{"cn": {"x"}, "sn": {"y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, first, dialer.last().searchCount())

	// Marking stale forces re-discovery on next use.
	cache.MarkStale("alpha")
	_, err = cache.Validate(context.Background(), "alpha", &Entry{
		DN:            "cn=x,dc=example,dc=com",
		ObjectClasses: []string{"person"},
		Attributes:    map[string][]string{"cn": {"x"}, "sn": {"y"}},
	})
	require.NoError(t, err)
	assert.Greater(t, dialer.last().searchCount(), first)
}
