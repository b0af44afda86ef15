package federation

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
)

// samlAsserter is the slice of the SAML library the handler uses; tests
// substitute it.
type samlAsserter interface {
	LoginURL(relayState string) (string, error)
	ParseResponse(req *http.Request, possibleRequestIDs []string) (*saml.Assertion, error)
}

// samlProvider wraps crewjam/saml's ServiceProvider for one IdP connection.
type samlProvider struct {
	sp *saml.ServiceProvider
}

func newSAMLProvider(p *Provider, baseURL string, key *rsa.PrivateKey, cert *x509.Certificate) (*samlProvider, error) {
	metadata, err := samlsp.ParseMetadata([]byte(p.IDPMetadataXML))
	if err != nil {
		return nil, fmt.Errorf("federation: parse idp metadata: %w", err)
	}
	acsURL, err := url.Parse(baseURL + "/v1/sso/saml/" + p.ID + "/acs")
	if err != nil {
		return nil, err
	}
	metadataURL, err := url.Parse(baseURL + "/v1/sso/saml/" + p.ID + "/metadata")
	if err != nil {
		return nil, err
	}
	return &samlProvider{sp: &saml.ServiceProvider{
		EntityID:          baseURL,
		Key:               key,
		Certificate:       cert,
		AcsURL:            *acsURL,
		MetadataURL:       *metadataURL,
		IDPMetadata:       metadata,
		AllowIDPInitiated: true,
	}}, nil
}

func (s *samlProvider) LoginURL(relayState string) (string, error) {
	req, err := s.sp.MakeAuthenticationRequest(
		s.sp.GetSSOBindingLocation(saml.HTTPRedirectBinding),
		saml.HTTPRedirectBinding,
		saml.HTTPPostBinding,
	)
	if err != nil {
		return "", fmt.Errorf("federation: build authn request: %w", err)
	}
	u, err := req.Redirect(relayState, s.sp)
	if err != nil {
		return "", fmt.Errorf("federation: build redirect: %w", err)
	}
	return u.String(), nil
}

func (s *samlProvider) ParseResponse(req *http.Request, possibleRequestIDs []string) (*saml.Assertion, error) {
	return s.sp.ParseResponse(req, possibleRequestIDs)
}

// assertionEmail pulls the subject email out of an assertion: the NameID when
// it is email-formatted, otherwise the usual attribute names.
func assertionEmail(a *saml.Assertion) string {
	if a.Subject != nil && a.Subject.NameID != nil {
		if a.Subject.NameID.Format == string(saml.EmailAddressNameIDFormat) {
			return strings.TrimSpace(a.Subject.NameID.Value)
		}
	}
	for _, stmt := range a.AttributeStatements {
		for _, attr := range stmt.Attributes {
			switch strings.ToLower(attr.Name) {
			case "email", "mail", "emailaddress",
				"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress":
				for _, v := range attr.Values {
					if v.Value != "" {
						return strings.TrimSpace(v.Value)
					}
				}
			}
		}
	}
	return ""
}
