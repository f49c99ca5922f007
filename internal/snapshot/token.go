package snapshot

import "strings"

// TokenPrefix is the sentinel prepended to a resource identifier when it is
// embedded in normalized markup in place of inline binary content. The
// presentation layer resolves tokens back to bytes via ResourceCache.Get.
const TokenPrefix = "quire-res://"

// WrapResourceToken embeds a resource identifier as an opaque markup token.
func WrapResourceToken(resourceID string) string {
	return TokenPrefix + resourceID
}

// UnwrapResourceToken extracts the resource identifier from a token.
// Strings not carrying the sentinel prefix are not references and report
// ok == false.
func UnwrapResourceToken(token string) (string, bool) {
	rest, found := strings.CutPrefix(token, TokenPrefix)
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}
