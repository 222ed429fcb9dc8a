// Package signature содержит проверки подлинности входящих вебхуков.
//
// Проверка выполняется над сырыми байтами тела запроса до любого парсинга:
// канонизация JSON может изменить байты, которые подписывал отправитель.
// Пустой секрет отключает проверку соответствующего провайдера.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyKit сравнивает общий секрет Kit с заголовком запроса.
func VerifyKit(secret, header string) bool {
	if secret == "" {
		return true
	}
	return hmac.Equal([]byte(secret), []byte(header))
}

// VerifyStripe проверяет подпись Stripe (схема v1): заголовок вида
// "t=<timestamp>,v1=<hex>", подпись — HMAC-SHA256 от "{timestamp}.{body}".
func VerifyStripe(secret string, body []byte, sigHeader string) bool {
	if secret == "" {
		return true
	}

	var timestamp, sig string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if timestamp == "" || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

// VerifyTypeform проверяет подпись Typeform: HMAC-SHA256 от тела запроса,
// закодированный base64 с префиксом "sha256=".
func VerifyTypeform(secret string, body []byte, sigHeader string) bool {
	if secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sigHeader))
}
