package jwc

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// botIdentity extracts the numeric Discord bot ID carried in a bot token's
// first dot-separated segment. A bot token is always exactly three
// dot-separated segments (id, timestamp, HMAC); the first, once
// base64-decoded, is the bot's user ID as a decimal string.
func botIdentity(token string) (string, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return "", &ConfigError{Field: "Token", Reason: "must have exactly three dot-separated segments"}
	}

	decoded, err := base64.RawStdEncoding.DecodeString(segments[0])
	if err != nil {
		return "", &ConfigError{Field: "Token", Reason: "first segment is not valid base64: " + err.Error()}
	}

	id := string(decoded)
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", &ConfigError{Field: "Token", Reason: "decoded first segment is not a decimal bot ID"}
	}
	return id, nil
}
