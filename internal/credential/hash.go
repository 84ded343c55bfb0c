package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey: детерминированная односторонняя функция, та же, что при выдаче ключа.
// Детерминированность нужна для поиска агента по хэшу.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// isBcrypt распознает хэши унаследованных агентов.
func isBcrypt(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// MatchAPIKey сравнивает ключ с сохраненным хэшем за постоянное время.
func MatchAPIKey(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	if isBcrypt(stored) {
		// bcrypt сам сравнивает за постоянное время
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	computed := HashAPIKey(presented)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(stored)), []byte(computed)) == 1
}
