package secret

// Credential field names. Each backend type declares which of its fields are
// secrets; those are stored as BACKEND_CREDENTIAL records and decrypted per
// request instead of being kept on the config.
const (
	CredAccessKey    = "accessKey"
	CredSecretKey    = "secretKey"
	CredKmsArn       = "kmsArn"
	CredAuthToken    = "authToken"
	CredSecretID     = "secretId"
	CredClientSecret = "clientSecret"
	CredGCPKey       = "credentials"
)

var credentialFields = map[EncryptionType][]string{
	EncryptionLocal:             nil,
	EncryptionKMS:               {CredSecretKey, CredKmsArn},
	EncryptionGCPKMS:            {CredGCPKey},
	EncryptionVault:             {CredAuthToken, CredSecretID},
	EncryptionAWSSecretsManager: {CredSecretKey},
	EncryptionAzureVault:        {CredClientSecret},
	EncryptionGCPSecretsManager: {CredGCPKey},
}

// CredentialFields lists the secret fields of a backend type.
func CredentialFields(t EncryptionType) []string {
	return append([]string(nil), credentialFields[t]...)
}

// IsCredentialField reports whether field is secret for backend type t.
func IsCredentialField(t EncryptionType, field string) bool {
	for _, f := range credentialFields[t] {
		if f == field {
			return true
		}
	}
	return false
}
