package security

import (
	"strings"

	"github.com/pquerna/otp/totp"
)

// totpIssuer is shown by authenticator apps next to the account name.
const totpIssuer = "QuotaLimits"

// TOTPEnrollment is a freshly generated second-factor secret.
type TOTPEnrollment struct {
	Secret string
	URL    string
}

// GenerateTOTP creates a TOTP secret for the given account.
func GenerateTOTP(account string) (TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
	})
	if err != nil {
		return TOTPEnrollment{}, err
	}
	return TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ValidateTOTP checks a code against secret. An empty secret never validates.
func ValidateTOTP(code, secret string) bool {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	return totp.Validate(code, secret)
}
