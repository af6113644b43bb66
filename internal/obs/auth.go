package obs

import (
	"crypto/sha256"
	"encoding/base64"
)

// Auth computes the Identify authentication string for an OBS
// authentication challenge:
//
//	secret   = base64(sha256(password + salt))
//	response = base64(sha256(secret + challenge))
func Auth(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	resp := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(resp[:])
}
