package routing

import (
	"crypto/tls"
	"encoding/json/v2"
	"errors"
	"fmt"

	"github.com/justjake/mylink/pkg/mywire"
)

// requiredAttributesStatement fetches the account's router_require document
// from its user attributes. NULL means the account has no requirements.
const requiredAttributesStatement = "SELECT JSON_UNQUOTE(JSON_EXTRACT(User_attributes," +
	" '$.metadata.router_require'))" +
	" FROM mysql.user WHERE CONCAT(User, '@', Host) = CURRENT_USER()"

// RequiredAttributes are the client-channel properties an account demands
// before the proxy may authenticate it. They mirror the server's REQUIRE
// clause, but are enforced against the client-to-proxy link.
type RequiredAttributes struct {
	SSL     bool   `json:"ssl,omitempty"`
	X509    bool   `json:"x509,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// ParseRequiredAttributes decodes the fetched attribute document. A NULL or
// empty document means no requirements.
func ParseRequiredAttributes(doc mywire.Value) (RequiredAttributes, error) {
	var attrs RequiredAttributes
	if !doc.Valid || doc.String == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(doc.String), &attrs); err != nil {
		return attrs, fmt.Errorf("malformed router_require document: %w", err)
	}
	return attrs, nil
}

// Check verifies the client channel satisfies the requirements. state is
// nil for a plaintext client link. The returned error names the violated
// requirement; it is for logging, clients only ever see access denied.
func (r RequiredAttributes) Check(state *tls.ConnectionState) error {
	if !r.SSL && !r.X509 && r.Issuer == "" && r.Subject == "" {
		return nil
	}
	if state == nil {
		return errors.New("account requires TLS, client connected in plaintext")
	}

	needCert := r.X509 || r.Issuer != "" || r.Subject != ""
	if !needCert {
		return nil
	}
	if len(state.PeerCertificates) == 0 {
		return errors.New("account requires a client certificate")
	}

	cert := state.PeerCertificates[0]
	if r.Issuer != "" && cert.Issuer.String() != r.Issuer {
		return fmt.Errorf("client certificate issuer %q does not match required %q",
			cert.Issuer.String(), r.Issuer)
	}
	if r.Subject != "" && cert.Subject.String() != r.Subject {
		return fmt.Errorf("client certificate subject %q does not match required %q",
			cert.Subject.String(), r.Subject)
	}
	return nil
}
