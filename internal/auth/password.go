package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher はパスワードハッシュの抽象。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// BcryptHasher はbcryptによるPasswordHasher実装。
type BcryptHasher struct {
	Cost int
}

// Hash はパスワードをbcryptでハッシュ化する。Costが0ならDefaultCostを使う。
func (b BcryptHasher) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify はハッシュとパスワードが一致するかを返す。
func (b BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var _ PasswordHasher = BcryptHasher{}
