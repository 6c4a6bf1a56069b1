package utils

import "regexp"

var dsnPasswordRegex = regexp.MustCompile(`(:)([^:@/]+)(@)`)

// MaskDSN hides the password portion of a connection string for logging.
func MaskDSN(dsn string) string {
	return dsnPasswordRegex.ReplaceAllString(dsn, ":***@")
}

var urlTokenRegex = regexp.MustCompile(`(https://hooks\.[^/]+/services/)\S+`)

// MaskWebhook hides the token path of a webhook URL for logging.
func MaskWebhook(url string) string {
	return urlTokenRegex.ReplaceAllString(url, "$1***")
}
