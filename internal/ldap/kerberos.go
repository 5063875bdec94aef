package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/dirfleet/dircp/internal/config"
)

// kerberosBind performs a GSSAPI bind for clusters configured with a
// Kerberos realm. Requires a real network connection; the gssapi helpers
// drive the SASL exchange on *ldap.Conn directly.
func kerberosBind(conn Conn, cc *config.ClusterConfig) error {
	raw, ok := conn.(*ldap.Conn)
	if !ok {
		return fmt.Errorf("kerberos bind requires a live LDAP connection")
	}

	gssClient, err := newGSSAPIClient(cc)
	if err != nil {
		return fmt.Errorf("kerberos client: %w", err)
	}
	defer func() {
		_ = gssClient.DeleteSecContext()
	}()

	spn := fmt.Sprintf("ldap/%s", cc.Host)
	if err := raw.GSSAPIBind(gssClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// newGSSAPIClient builds a GSSAPI client from the cluster's Kerberos
// settings. Keytab credentials take precedence over a bind password.
func newGSSAPIClient(cc *config.ClusterConfig) (ldap.GSSAPIClient, error) {
	krb5conf := cc.KerberosConfig
	if krb5conf == "" {
		krb5conf = "/etc/krb5.conf"
	}
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	principal := cc.BindDN
	if at := strings.Index(principal, "@"); at != -1 {
		principal = principal[:at]
	}
	if principal == "" {
		return nil, fmt.Errorf("bind_dn (principal) is required for kerberos bind")
	}

	if cc.KerberosKeytab != "" {
		if !fileExists(cc.KerberosKeytab) {
			return nil, fmt.Errorf("keytab not found at %s", cc.KerberosKeytab)
		}
		return gssapi.NewClientWithKeytab(principal, cc.KerberosRealm,
			cc.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cc.BindPassword != "" {
		return gssapi.NewClientWithPassword(principal, cc.KerberosRealm,
			cc.BindPassword, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no kerberos credentials configured: provide kerberos_keytab or bind_password")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
