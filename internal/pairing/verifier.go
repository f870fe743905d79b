package pairing

import "golang.org/x/crypto/bcrypt"

// Verifier hashes room secrets and checks presented secrets against them.
type Verifier interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool
}

// BcryptVerifier implements Verifier with bcrypt.
type BcryptVerifier struct {
	Cost int
}

// NewBcryptVerifier returns a verifier using bcrypt.DefaultCost.
func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{Cost: bcrypt.DefaultCost}
}

// Hash returns the bcrypt hash of secret.
func (v *BcryptVerifier) Hash(secret string) (string, error) {
	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify checks the secret against the hash.
func (v *BcryptVerifier) Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
