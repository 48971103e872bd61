package domain

import (
	"encoding/base64"
	"strings"
)

// UserHandle строит безопасный для файловой системы ключ пользователя.
func UserHandle(username string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(username))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, encoded)
}
